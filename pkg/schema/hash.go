package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
)

// HashDefinition computes the kind-tagged content hash of canonical text:
// digest(kind || length(content) || content). It is a pure function of kind
// and canonical content.
func HashDefinition(kind Kind, canonical string) object.Hash {
	header := fmt.Sprintf("%s %d\x00", kind, len(canonical))
	h := sha256.New()
	h.Write([]byte(header))
	h.Write([]byte(canonical))
	return object.Hash(hex.EncodeToString(h.Sum(nil)))
}

// BlobHash computes the hash a canonical definition will be stored under in
// the object store. The kind lives in the tree path, not in blob identity,
// so identical text shared by two kinds deduplicates to one blob.
func BlobHash(canonical string) object.Hash {
	return object.HashObject(object.TypeBlob, []byte(canonical))
}

// ComponentHashes computes one kind-tagged hash per structural component of
// a canonical definition. Callers classify what part of an object changed by
// comparing component hashes instead of re-diffing the whole definition.
func ComponentHashes(kind Kind, canonical string) map[Component]object.Hash {
	comps := Components(kind, canonical)
	out := make(map[Component]object.Hash, len(comps))
	for name, text := range comps {
		out[name] = HashDefinition(kind, text)
	}
	return out
}

// NormalizeAndHash is the common capture path: canonicalize a raw definition
// and return the canonical text together with its storage hash.
func NormalizeAndHash(kind Kind, raw string) (string, object.Hash, error) {
	canonical, err := Normalize(kind, raw)
	if err != nil {
		return "", "", err
	}
	return canonical, BlobHash(canonical), nil
}
