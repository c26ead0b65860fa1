// Package drift detects divergence between a stored schema snapshot and the
// live definitions reported by a database catalog.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/schema"
)

// ObjectRef identifies one schema object in a live catalog.
type ObjectRef struct {
	Kind schema.Kind
	Name string // qualified name, e.g. "public.users".
}

// CatalogReader is the oracle for live schema state. Implementations read
// authoritative definitions from a running database's system catalogs.
type CatalogReader interface {
	// ListObjects enumerates every tracked schema object currently present.
	ListObjects(ctx context.Context) ([]ObjectRef, error)
	// ReadDefinition returns the authoritative definition text of one object.
	ReadDefinition(ctx context.Context, ref ObjectRef) (string, error)
}

// Class says how a live object diverged from the snapshot.
type Class string

const (
	ClassModified Class = "modified" // content hash differs after normalization.
	ClassAdded    Class = "added"    // live object missing from the snapshot.
	ClassDropped  Class = "dropped"  // snapshot object missing from the catalog.
)

// Finding is a single drifted object. For ClassModified, Components lists
// which structural parts changed, so a constraint-only change is reported
// as such rather than as an opaque definition change.
type Finding struct {
	Path       string
	Ref        ObjectRef
	Class      Class
	StoredHash object.Hash // empty for ClassAdded.
	LiveHash   object.Hash // empty for ClassDropped.
	Components []schema.Component
}

// Report is the result of one drift check.
type Report struct {
	TreeHash  object.Hash
	CheckedAt time.Time
	Checked   int // objects compared (union of snapshot and live).
	Findings  []Finding
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Detector compares snapshots against a live catalog.
type Detector struct {
	store   *object.Store
	reader  CatalogReader
	log     *slog.Logger
	metrics *driftMetrics
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) { d.log = log }
}

func NewDetector(store *object.Store, reader CatalogReader, opts ...Option) *Detector {
	d := &Detector{
		store:   store,
		reader:  reader,
		log:     slog.Default(),
		metrics: getDefaultDriftMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect compares every entry of the snapshot tree against the live catalog.
// Live definitions are normalized before hashing, so textual-only
// differences (formatting, comments, environment qualifiers) never count as
// drift. Only hash comparisons decide; stored and live text are never
// diffed directly.
func (d *Detector) Detect(ctx context.Context, treeHash object.Hash) (*Report, error) {
	t, err := d.store.GetTree(treeHash)
	if err != nil {
		return nil, fmt.Errorf("load snapshot tree: %w", err)
	}
	liveRefs, err := d.reader.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live objects: %w", err)
	}

	liveByPath := make(map[string]ObjectRef, len(liveRefs))
	for _, ref := range liveRefs {
		liveByPath[schema.Path(ref.Kind, ref.Name)] = ref
	}

	report := &Report{TreeHash: treeHash, CheckedAt: d.now()}
	for _, entry := range t.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, name, err := schema.SplitPath(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("snapshot entry %q: %w", entry.Path, err)
		}
		ref, exists := liveByPath[entry.Path]
		if !exists {
			report.Findings = append(report.Findings, Finding{
				Path:       entry.Path,
				Ref:        ObjectRef{Kind: kind, Name: name},
				Class:      ClassDropped,
				StoredHash: entry.BlobHash,
			})
			continue
		}
		delete(liveByPath, entry.Path)

		raw, err := d.reader.ReadDefinition(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("read live definition %s: %w", entry.Path, err)
		}
		liveCanonical, liveHash, err := schema.NormalizeAndHash(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("normalize live definition %s: %w", entry.Path, err)
		}
		if liveHash == entry.BlobHash {
			continue
		}

		components, err := d.changedComponents(kind, entry.BlobHash, liveCanonical)
		if err != nil {
			return nil, err
		}
		report.Findings = append(report.Findings, Finding{
			Path:       entry.Path,
			Ref:        ref,
			Class:      ClassModified,
			StoredHash: entry.BlobHash,
			LiveHash:   liveHash,
			Components: components,
		})
	}

	// Whatever remains in the live set has no snapshot entry.
	for path, ref := range liveByPath {
		raw, err := d.reader.ReadDefinition(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("read live definition %s: %w", path, err)
		}
		_, liveHash, err := schema.NormalizeAndHash(ref.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("normalize live definition %s: %w", path, err)
		}
		report.Findings = append(report.Findings, Finding{
			Path:     path,
			Ref:      ref,
			Class:    ClassAdded,
			LiveHash: liveHash,
		})
	}

	sort.Slice(report.Findings, func(i, j int) bool {
		return report.Findings[i].Path < report.Findings[j].Path
	})
	report.Checked = len(t.Entries) + len(liveByPath)

	d.metrics.checks.Inc()
	for _, f := range report.Findings {
		d.metrics.findings.WithLabelValues(string(f.Class)).Inc()
	}
	d.log.Info("drift check finished",
		"tree", treeHash, "checked", report.Checked, "findings", len(report.Findings))
	return report, nil
}

// changedComponents hashes the stored and live definitions per component and
// returns the components whose hashes differ, sorted.
func (d *Detector) changedComponents(kind schema.Kind, storedHash object.Hash, liveCanonical string) ([]schema.Component, error) {
	blob, err := d.store.GetBlob(storedHash)
	if err != nil {
		return nil, fmt.Errorf("load stored definition: %w", err)
	}
	stored := schema.ComponentHashes(kind, string(blob.Data))
	live := schema.ComponentHashes(kind, liveCanonical)

	set := make(map[schema.Component]struct{}, len(stored)+len(live))
	for c := range stored {
		set[c] = struct{}{}
	}
	for c := range live {
		set[c] = struct{}{}
	}
	var changed []schema.Component
	for c := range set {
		if stored[c] != live[c] {
			changed = append(changed, c)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}
