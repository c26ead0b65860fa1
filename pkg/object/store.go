package object

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v6"
	"github.com/klauspost/compress/zstd"
)

// Store is a content-addressed object store with a 2-character fan-out
// layout: objects/ab/cdef0123... Loose objects are zstd-compressed on disk;
// hashes are always computed over the uncompressed "type len\0content"
// envelope, so compression never affects identity.
//
// Writes are idempotent: storing content that already exists returns the
// existing hash without touching disk. The temp-file + rename write makes
// insert-if-absent atomic; two writers racing on identical content converge
// harmlessly on the same key.
type Store struct {
	fs          billy.Filesystem
	verifyReads bool
	treeWritten func(Hash, []TreeEntry)

	enc     *zstd.Encoder
	dec     *zstd.Decoder
	metrics *storeMetrics
}

// Option configures a Store.
type Option func(*Store)

// VerifyReads makes every read recompute the envelope hash of the returned
// content and fail with a CorruptionError on mismatch.
func VerifyReads() Option {
	return func(s *Store) { s.verifyReads = true }
}

// WithTreeObserver registers a callback invoked whenever a tree is written,
// with its hash and canonically sorted entries. The tree differ uses this to
// populate its flattened path index at tree-creation time.
func WithTreeObserver(fn func(Hash, []TreeEntry)) Option {
	return func(s *Store) { s.treeWritten = fn }
}

// NewStore creates a Store on the given filesystem. The objects/ directory
// is created lazily on first write.
func NewStore(fs billy.Filesystem, opts ...Option) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("object store: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("object store: init zstd decoder: %w", err)
	}
	s := &Store{
		fs:      fs,
		enc:     enc,
		dec:     dec,
		metrics: getDefaultStoreMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// objectPath returns the filesystem path for a given hash.
func (s *Store) objectPath(h Hash) string {
	return s.fs.Join("objects", string(h[:2]), string(h[2:]))
}

// Has reports whether the store contains an object with the given hash.
func (s *Store) Has(h Hash) bool {
	if !ValidHash(h) {
		return false
	}
	_, err := s.fs.Stat(s.objectPath(h))
	return err == nil
}

// put stores an envelope-wrapped object and returns its content hash.
func (s *Store) put(objType Type, data []byte) (Hash, error) {
	h := HashObject(objType, data)

	// Fast path: identical content already stored. Re-submitting is a no-op.
	if s.Has(h) {
		s.metrics.dedupHits.WithLabelValues(string(objType)).Inc()
		return h, nil
	}

	envelope := fmt.Sprintf("%s %d\x00", objType, len(data))
	raw := append([]byte(envelope), data...)
	compressed := s.enc.EncodeAll(raw, nil)

	dir := s.fs.Join("objects", string(h[:2]))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}

	// Atomic write via temp + rename.
	tmp, err := s.fs.TempFile(dir, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("object write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("object write close: %w", err)
	}

	if err := s.fs.Rename(tmpName, s.objectPath(h)); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("object write rename: %w", err)
	}

	s.metrics.objectsWritten.WithLabelValues(string(objType)).Inc()
	s.metrics.bytesWritten.Add(float64(len(raw)))
	return h, nil
}

// Get retrieves an object by hash, returning its type and raw content.
func (s *Store) Get(h Hash) (Type, []byte, error) {
	if !ValidHash(h) {
		return "", nil, &NotFoundError{Hash: h}
	}
	f, err := s.fs.Open(s.objectPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, &NotFoundError{Hash: h}
		}
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	compressed, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}

	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: decompress: %w", h, err)
	}

	objType, content, err := parseEnvelope(h, raw)
	if err != nil {
		return "", nil, err
	}

	if s.verifyReads {
		if computed := HashObject(objType, content); computed != h {
			return "", nil, &CorruptionError{Hash: h, Computed: computed}
		}
	}
	return objType, content, nil
}

// parseEnvelope splits "type len\0content" and checks the declared length.
func parseEnvelope(h Hash, raw []byte) (Type, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("object read %s: invalid format (no NUL)", h)
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("object read %s: invalid header %q", h, header)
	}
	objType := Type(parts[0])
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: invalid length %q: %w", h, parts[1], err)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("object read %s: length mismatch (header=%d, actual=%d)", h, length, len(content))
	}
	return objType, content, nil
}

// ---------------------------------------------------------------------------
// Typed put/get
// ---------------------------------------------------------------------------

// PutBlob stores the canonical definition text of one schema object.
func (s *Store) PutBlob(b *Blob) (Hash, error) {
	return s.put(TypeBlob, MarshalBlob(b))
}

// GetBlob reads and deserializes a Blob.
func (s *Store) GetBlob(h Hash) (*Blob, error) {
	objType, data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if objType != TypeBlob {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, TypeBlob)
	}
	return UnmarshalBlob(data)
}

// PutTree validates, canonically sorts and stores a complete snapshot tree.
// Equal entry sets hash identically regardless of insertion order.
func (s *Store) PutTree(entries []TreeEntry) (Hash, error) {
	if err := ValidateTreeEntries(entries); err != nil {
		return "", err
	}
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	SortTreeEntries(sorted)

	h, err := s.put(TypeTree, MarshalTree(&TreeObj{Entries: sorted}))
	if err != nil {
		return "", err
	}
	if s.treeWritten != nil {
		s.treeWritten(h, sorted)
	}
	return h, nil
}

// GetTree reads and deserializes a TreeObj.
func (s *Store) GetTree(h Hash) (*TreeObj, error) {
	objType, data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if objType != TypeTree {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, TypeTree)
	}
	return UnmarshalTree(data)
}

// PutCommit validates and stores a CommitObj. The referenced tree and all
// parents must already exist in the store.
func (s *Store) PutCommit(c *CommitObj) (Hash, error) {
	if err := ValidateCommit(c); err != nil {
		return "", err
	}
	if !s.Has(c.TreeHash) {
		return "", &NotFoundError{Hash: c.TreeHash}
	}
	for _, p := range c.Parents {
		if !s.Has(p) {
			return "", &NotFoundError{Hash: p}
		}
	}
	return s.put(TypeCommit, MarshalCommit(c))
}

// GetCommit reads and deserializes a CommitObj.
func (s *Store) GetCommit(h Hash) (*CommitObj, error) {
	objType, data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if objType != TypeCommit {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, TypeCommit)
	}
	return UnmarshalCommit(data)
}
