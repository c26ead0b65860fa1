package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// ValidateTreeEntries rejects malformed entry lists before anything is
// hashed or persisted. Paths must be unique, non-empty and single-line;
// modes must come from the known set; blob hashes must be well-formed.
func ValidateTreeEntries(entries []TreeEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Path) == "" {
			return invalidf("tree entry with empty path")
		}
		if strings.ContainsAny(e.Path, "\n\x00") {
			return invalidf("tree entry path %q contains control characters", e.Path)
		}
		if e.Mode != ModeDefinition {
			return invalidf("tree entry %q: unknown mode %q", e.Path, e.Mode)
		}
		if !ValidHash(e.BlobHash) {
			return invalidf("tree entry %q: malformed hash %q", e.Path, e.BlobHash)
		}
		if _, dup := seen[e.Path]; dup {
			return invalidf("duplicate tree path %q", e.Path)
		}
		seen[e.Path] = struct{}{}
	}
	return nil
}

// SortTreeEntries orders entries canonically (by path). Equal entry sets
// always serialize, and therefore hash, identically regardless of the order
// they were supplied in.
func SortTreeEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// MarshalTree serializes a TreeObj. Each entry is one line:
//
//	mode hash path
//
// with the path last so qualified names containing spaces stay parseable.
// Entries are sorted by path for deterministic output.
func MarshalTree(tr *TreeObj) []byte {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortTreeEntries(sorted)

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s %s\n", e.Mode, string(e.BlobHash), e.Path)
	}
	return buf.Bytes()
}

// UnmarshalTree parses a TreeObj from its serialized form.
func UnmarshalTree(data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return tr, nil
	}
	for _, line := range strings.Split(text, "\n") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("unmarshal tree: malformed entry %q", line)
		}
		tr.Entries = append(tr.Entries, TreeEntry{
			Mode:     parts[0],
			BlobHash: Hash(parts[1]),
			Path:     parts[2],
		})
	}
	if err := ValidateTreeEntries(tr.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal tree: %w", err)
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// ValidateCommit rejects malformed commits before hashing.
func ValidateCommit(c *CommitObj) error {
	if !ValidHash(c.TreeHash) {
		return invalidf("commit tree hash %q is malformed", c.TreeHash)
	}
	if len(c.Parents) > MaxCommitParents {
		return invalidf("commit has %d parents, maximum is %d", len(c.Parents), MaxCommitParents)
	}
	for _, p := range c.Parents {
		if !ValidHash(p) {
			return invalidf("commit parent hash %q is malformed", p)
		}
	}
	if len(c.Parents) == 2 && c.Parents[0] == c.Parents[1] {
		return invalidf("merge commit parents are identical (%s)", c.Parents[0])
	}
	return nil
}

// MarshalCommit serializes a CommitObj:
//
//	tree H
//	parent H     (zero, one or two)
//	author A
//	timestamp T
//	signature S  (optional)
//
//	message
func MarshalCommit(c *CommitObj) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", string(c.TreeHash))
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", string(p))
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "timestamp %d\n", c.Timestamp)
	if strings.TrimSpace(c.Signature) != "" {
		fmt.Fprintf(&buf, "signature %s\n", c.Signature)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// UnmarshalCommit parses a CommitObj from its serialized form.
func UnmarshalCommit(data []byte) (*CommitObj, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator")
	}
	header := string(data[:idx])
	message := string(data[idx+2:])

	c := &CommitObj{Message: message}
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		switch key {
		case "tree":
			c.TreeHash = Hash(val)
		case "parent":
			c.Parents = append(c.Parents, Hash(val))
		case "author":
			c.Author = val
		case "timestamp":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: bad timestamp %q: %w", val, err)
			}
			c.Timestamp = ts
		case "signature":
			c.Signature = val
		default:
			return nil, fmt.Errorf("unmarshal commit: unknown header key %q", key)
		}
	}
	return c, nil
}
