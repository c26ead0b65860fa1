// Package schema turns raw database object definitions into canonical text
// and content hashes. Canonicalization is what makes hashing portable: two
// definitions that differ only in formatting, keyword case or environment
// qualifiers normalize to identical text and therefore identical hashes.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the kind of schema object a definition describes.
type Kind string

const (
	KindTable            Kind = "table"
	KindView             Kind = "view"
	KindMaterializedView Kind = "matview"
	KindFunction         Kind = "function"
	KindProcedure        Kind = "procedure"
	KindIndex            Kind = "index"
	KindSequence         Kind = "sequence"
	KindTrigger          Kind = "trigger"
)

// Component names a structural slice of a composite definition. Component
// hashes let a caller classify what part of an object changed without
// re-diffing the whole definition.
type Component string

const (
	ComponentStructure   Component = "structure"
	ComponentConstraints Component = "constraints"
	ComponentIndexes     Component = "indexes"
)

// normalizer is the per-kind normalization capability. Adding a kind means
// registering one entry here, not growing a switch somewhere else.
type normalizer interface {
	// canonicalize produces the canonical definition text from a scanned
	// token stream.
	canonicalize(toks []token) string
	// components splits canonical text into independently hashable slices.
	components(canonical string) map[Component]string
}

var normalizers = map[Kind]normalizer{
	KindTable:            tableNormalizer{},
	KindView:             genericNormalizer{component: ComponentStructure},
	KindMaterializedView: genericNormalizer{component: ComponentStructure},
	KindFunction:         genericNormalizer{component: ComponentStructure},
	KindProcedure:        genericNormalizer{component: ComponentStructure},
	KindIndex:            genericNormalizer{component: ComponentIndexes},
	KindSequence:         genericNormalizer{component: ComponentStructure},
	KindTrigger:          genericNormalizer{component: ComponentStructure},
}

// ParseKind converts a string to a known Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := normalizers[k]; !ok {
		return "", fmt.Errorf("unknown schema object kind %q", s)
	}
	return k, nil
}

// Kinds returns all registered kinds, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(normalizers))
	for k := range normalizers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Path returns the tree path of an object: "<kind>/<qualified name>".
func Path(kind Kind, qualifiedName string) string {
	return string(kind) + "/" + qualifiedName
}

// SplitPath is the inverse of Path.
func SplitPath(path string) (Kind, string, error) {
	kindStr, name, ok := strings.Cut(path, "/")
	if !ok || name == "" {
		return "", "", fmt.Errorf("malformed object path %q", path)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return "", "", fmt.Errorf("malformed object path %q: %w", path, err)
	}
	return kind, name, nil
}
