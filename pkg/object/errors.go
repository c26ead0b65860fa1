package object

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a hash resolves to no stored object.
var ErrNotFound = errors.New("object not found")

// NotFoundError wraps ErrNotFound with the missing hash.
type NotFoundError struct {
	Hash Hash
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s: not found", e.Hash)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ErrCorrupt is returned when a stored object's recomputed hash does not
// match the key it was stored under. Given write-once objects this should be
// unreachable; it indicates storage-level damage.
var ErrCorrupt = errors.New("object corrupt")

// CorruptionError carries both the key and the hash recomputed from the
// stored bytes.
type CorruptionError struct {
	Hash     Hash
	Computed Hash
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("object %s: content hashes to %s", e.Hash, e.Computed)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupt }

// ErrInvalid is returned for malformed objects rejected before hashing:
// duplicate tree paths, unknown entry modes, bad parent counts. Nothing is
// persisted when validation fails.
var ErrInvalid = errors.New("invalid object")

// ValidationError describes why an object was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid object: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
