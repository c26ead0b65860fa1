package drift

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-billy/v6/memfs"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/schema"
)

// fakeCatalog serves definitions from a map keyed by snapshot path.
type fakeCatalog struct {
	defs map[string]string
}

func (f *fakeCatalog) ListObjects(ctx context.Context) ([]ObjectRef, error) {
	refs := make([]ObjectRef, 0, len(f.defs))
	for path := range f.defs {
		kind, name, err := schema.SplitPath(path)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ObjectRef{Kind: kind, Name: name})
	}
	return refs, nil
}

func (f *fakeCatalog) ReadDefinition(ctx context.Context, ref ObjectRef) (string, error) {
	def, ok := f.defs[schema.Path(ref.Kind, ref.Name)]
	if !ok {
		return "", fmt.Errorf("no such object %s/%s", ref.Kind, ref.Name)
	}
	return def, nil
}

func snapshotTree(t *testing.T, store *object.Store, defs map[string]string) object.Hash {
	t.Helper()
	var entries []object.TreeEntry
	for path, raw := range defs {
		kind, _, err := schema.SplitPath(path)
		if err != nil {
			t.Fatalf("SplitPath(%s): %v", path, err)
		}
		canonical, err := schema.Normalize(kind, raw)
		if err != nil {
			t.Fatalf("Normalize(%s): %v", path, err)
		}
		blobHash, err := store.PutBlob(&object.Blob{Data: []byte(canonical)})
		if err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
		entries = append(entries, object.TreeEntry{
			Path:     path,
			Mode:     object.ModeDefinition,
			BlobHash: blobHash,
		})
	}
	treeHash, err := store.PutTree(entries)
	if err != nil {
		t.Fatalf("PutTree: %v", err)
	}
	return treeHash
}

func newDriftStore(t *testing.T) *object.Store {
	t.Helper()
	store, err := object.NewStore(memfs.New())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestDetectCleanWhenOnlyFormattingDiffers(t *testing.T) {
	store := newDriftStore(t)
	treeHash := snapshotTree(t, store, map[string]string{
		"table/public.users": "create table public.users (id int, name text)",
	})
	catalog := &fakeCatalog{defs: map[string]string{
		// Different formatting, casing, comments and an environment
		// qualifier, but semantically identical.
		"table/public.users": "CREATE TABLE proddb.public.users (\n  id INT, -- pk\n  name TEXT\n);",
	}}

	report, err := NewDetector(store, catalog).Detect(context.Background(), treeHash)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("findings = %+v, want clean", report.Findings)
	}
}

func TestDetectModifiedClassifiesComponents(t *testing.T) {
	store := newDriftStore(t)
	treeHash := snapshotTree(t, store, map[string]string{
		"table/public.users": "create table public.users (id int, name text, unique (name))",
	})

	t.Run("constraint-only change", func(t *testing.T) {
		catalog := &fakeCatalog{defs: map[string]string{
			"table/public.users": "create table public.users (id int, name text, unique (id))",
		}}
		report, err := NewDetector(store, catalog).Detect(context.Background(), treeHash)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if len(report.Findings) != 1 {
			t.Fatalf("findings = %+v", report.Findings)
		}
		f := report.Findings[0]
		if f.Class != ClassModified {
			t.Fatalf("class = %s", f.Class)
		}
		if len(f.Components) != 1 || f.Components[0] != schema.ComponentConstraints {
			t.Fatalf("components = %v, want only constraints", f.Components)
		}
	})

	t.Run("column change", func(t *testing.T) {
		catalog := &fakeCatalog{defs: map[string]string{
			"table/public.users": "create table public.users (id int, name text, age int, unique (name))",
		}}
		report, err := NewDetector(store, catalog).Detect(context.Background(), treeHash)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		f := report.Findings[0]
		if len(f.Components) != 1 || f.Components[0] != schema.ComponentStructure {
			t.Fatalf("components = %v, want only structure", f.Components)
		}
	})
}

func TestDetectAddedAndDropped(t *testing.T) {
	store := newDriftStore(t)
	treeHash := snapshotTree(t, store, map[string]string{
		"table/public.users":  "create table public.users (id int)",
		"table/public.orders": "create table public.orders (id int)",
	})
	catalog := &fakeCatalog{defs: map[string]string{
		"table/public.users": "create table public.users (id int)",
		"view/public.totals": "create view public.totals as select 1",
	}}

	report, err := NewDetector(store, catalog).Detect(context.Background(), treeHash)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(report.Findings) != 2 {
		t.Fatalf("findings = %+v, want 2", report.Findings)
	}

	byPath := make(map[string]Finding, len(report.Findings))
	for _, f := range report.Findings {
		byPath[f.Path] = f
	}
	if f := byPath["table/public.orders"]; f.Class != ClassDropped || f.StoredHash == "" || f.LiveHash != "" {
		t.Errorf("orders finding = %+v, want dropped", f)
	}
	if f := byPath["view/public.totals"]; f.Class != ClassAdded || f.LiveHash == "" || f.StoredHash != "" {
		t.Errorf("totals finding = %+v, want added", f)
	}
}
