package object

// Hash is a 64-character hex-encoded SHA-256 digest.
type Hash string

// Type identifies the kind of object stored.
type Type string

const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
)

// ModeDefinition marks a tree entry holding the full canonical definition of
// one schema object. Component hashes (structure, constraints, indexes) are
// derived from the canonical text on demand and never stored as entries of
// their own.
const ModeDefinition = "100644"

// MaxCommitParents bounds the parent list: 0 for a root commit, 1 for a
// regular snapshot, 2 for a merge commit.
const MaxCommitParents = 2

// Blob holds the canonical definition text of exactly one schema object or
// one structural component of it.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object. Path is the stable identity of a
// schema object within a snapshot, e.g. "table/public.users".
type TreeEntry struct {
	Path     string
	Mode     string
	BlobHash Hash
}

// TreeObj is a complete snapshot: every active schema object has exactly one
// entry. Entries are kept sorted by Path; trees never encode deltas.
type TreeObj struct {
	Entries []TreeEntry
}

// Entry returns the entry at path, if present.
func (t *TreeObj) Entry(path string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// CommitObj is an immutable history node referencing one complete tree.
type CommitObj struct {
	TreeHash  Hash
	Parents   []Hash
	Author    string
	Timestamp int64
	Signature string
	Message   string
}

// IsMerge reports whether the commit has two parents.
func (c *CommitObj) IsMerge() bool {
	return len(c.Parents) == 2
}
