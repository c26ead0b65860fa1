// Package refs manages branch references: named mutable pointers to
// commits, the only mutable entities in the model. Every update goes
// through an optimistic compare-and-swap guarded by a lock file, so a
// branch either advances atomically or the caller learns another writer
// got there first.
package refs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v6"

	"github.com/odvcencio/strata/pkg/object"
)

// ErrNotFound is returned when a branch name resolves to nothing.
var ErrNotFound = errors.New("branch not found")

// ErrExists is returned when creating a branch whose name is taken.
var ErrExists = errors.New("branch already exists")

// ErrConcurrentUpdate is returned when a CAS update loses a race: another
// writer advanced the branch first. The caller recomputes against the new
// tip and retries; nothing is ever partially applied.
var ErrConcurrentUpdate = errors.New("branch advanced concurrently")

// ErrUnmergedChanges is returned when deleting a branch whose tip is not
// reachable from any other branch and force was not set.
var ErrUnmergedChanges = errors.New("branch has unmerged changes")

const (
	headsDir = "refs/heads"

	lockWaitLimit  = 2 * time.Second
	lockRetryDelay = 10 * time.Millisecond
)

// ReachableFunc reports whether tip is reachable from any of the other
// branch tips. Wired in by the caller to keep this package free of commit
// graph knowledge.
type ReachableFunc func(tip object.Hash, others map[string]object.Hash) (bool, error)

// DB stores branch refs as files under refs/heads on a billy filesystem.
type DB struct {
	fs        billy.Filesystem
	reachable ReachableFunc
}

// NewDB creates a ref database on fs. reachable may be nil, in which case
// Delete only succeeds with force.
func NewDB(fs billy.Filesystem, reachable ReachableFunc) *DB {
	return &DB{fs: fs, reachable: reachable}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("branch name is empty")
	}
	if strings.ContainsAny(name, "/\\ \t\n") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

func (db *DB) refPath(name string) string {
	return db.fs.Join(headsDir, name)
}

// Resolve returns the commit hash a branch points at.
func (db *DB) Resolve(name string) (object.Hash, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	h, err := db.readRef(db.refPath(name))
	if err != nil {
		return "", fmt.Errorf("resolve branch %q: %w", name, err)
	}
	if h == "" {
		return "", fmt.Errorf("resolve branch %q: %w", name, ErrNotFound)
	}
	return h, nil
}

// List returns all branch names, sorted.
func (db *DB) List() ([]string, error) {
	entries, err := db.fs.ReadDir(headsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list branches: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Tips returns a map of branch name to tip hash for all branches.
func (db *DB) Tips() (map[string]object.Hash, error) {
	names, err := db.List()
	if err != nil {
		return nil, err
	}
	tips := make(map[string]object.Hash, len(names))
	for _, name := range names {
		h, err := db.Resolve(name)
		if err != nil {
			return nil, err
		}
		tips[name] = h
	}
	return tips, nil
}

// Create points a new branch at target. O(1): only the hash is copied,
// never content. Fails with ErrExists if the name is taken.
func (db *DB) Create(name string, target object.Hash) error {
	if err := db.UpdateCAS(name, target, ""); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return fmt.Errorf("create branch %q: %w", name, ErrExists)
		}
		return fmt.Errorf("create branch %q: %w", name, err)
	}
	return nil
}

// Delete removes a branch. Unless force is set, the branch tip must be
// reachable from another live branch, otherwise ErrUnmergedChanges.
func (db *DB) Delete(name string, force bool) error {
	tip, err := db.Resolve(name)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}

	if !force {
		if db.reachable == nil {
			return fmt.Errorf("delete branch %q: %w", name, ErrUnmergedChanges)
		}
		others, err := db.Tips()
		if err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
		delete(others, name)
		ok, err := db.reachable(tip, others)
		if err != nil {
			return fmt.Errorf("delete branch %q: reachability: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("delete branch %q: %w", name, ErrUnmergedChanges)
		}
	}

	if err := db.fs.Remove(db.refPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete branch %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete branch %q: %w", name, err)
	}
	return nil
}

// UpdateCAS atomically updates a branch from expectedOld to h. An empty
// expectedOld means the branch must not exist yet. On mismatch it fails
// with ErrConcurrentUpdate and changes nothing.
func (db *DB) UpdateCAS(name string, h object.Hash, expectedOld object.Hash) error {
	if err := validName(name); err != nil {
		return err
	}
	if !object.ValidHash(h) {
		return fmt.Errorf("update branch %q: malformed target hash %q", name, h)
	}

	refPath := db.refPath(name)
	if err := db.fs.MkdirAll(headsDir, 0o755); err != nil {
		return fmt.Errorf("update branch %q: mkdir: %w", name, err)
	}

	lockPath := refPath + ".lock"
	lockFile, err := db.acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("update branch %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = db.fs.Remove(lockPath)
		}
	}()

	oldHash, err := db.readRef(refPath)
	if err != nil {
		return fmt.Errorf("update branch %q: read old hash: %w", name, err)
	}
	if oldHash != expectedOld {
		return fmt.Errorf(
			"update branch %q: %w (expected %s, found %s)",
			name,
			ErrConcurrentUpdate,
			expectedOld,
			oldHash,
		)
	}

	if _, err := lockFile.Write([]byte(string(h) + "\n")); err != nil {
		return fmt.Errorf("update branch %q: write: %w", name, err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("update branch %q: close: %w", name, err)
	}
	lockFile = nil

	if err := db.fs.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update branch %q: rename: %w", name, err)
	}
	cleanupLock = false
	return nil
}

func (db *DB) acquireLock(lockPath string) (billy.File, error) {
	deadline := time.Now().Add(lockWaitLimit)
	for {
		f, err := db.fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(lockRetryDelay)
			continue
		}
		return nil, err
	}
}

func (db *DB) readRef(refPath string) (object.Hash, error) {
	f, err := db.fs.Open(refPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return "", err
	}
	return object.Hash(strings.TrimSpace(string(data))), nil
}
