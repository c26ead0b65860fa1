package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Normalize turns a raw definition into canonical text:
//
//   - comments stripped, whitespace collapsed;
//   - keywords and bare identifiers folded to lower case, quoted identifiers
//     and literals preserved byte-for-byte;
//   - trailing statement terminators dropped;
//   - environment qualifiers stripped (database prefix of three-part names,
//     TABLESPACE clauses) so hashes stay portable across environments;
//   - semantically unordered sub-elements sorted: table constraint clauses
//     are ordered alphabetically, while column order stays significant.
//
// The sort makes equivalence semantic rather than textual: two definitions
// that differ only in constraint order hash identically, so merge treats
// them as non-conflicting.
func Normalize(kind Kind, raw string) (string, error) {
	nz, ok := normalizers[kind]
	if !ok {
		return "", fmt.Errorf("normalize: unknown kind %q", kind)
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("normalize %s: empty definition", kind)
	}

	toks := scan(raw)
	toks = stripTrailingTerminators(toks)
	toks = stripEnvironmentQualifiers(toks)
	canonical := nz.canonicalize(toks)
	if strings.TrimSpace(canonical) == "" {
		return "", fmt.Errorf("normalize %s: definition reduced to nothing", kind)
	}
	return canonical, nil
}

// Components splits canonical text into independently hashable structural
// slices. Non-composite kinds yield a single component.
func Components(kind Kind, canonical string) map[Component]string {
	nz, ok := normalizers[kind]
	if !ok {
		return map[Component]string{ComponentStructure: canonical}
	}
	return nz.components(canonical)
}

func stripTrailingTerminators(toks []token) []token {
	for len(toks) > 0 {
		last := toks[len(toks)-1]
		if last.kind == tokOp && last.text == ";" {
			toks = toks[:len(toks)-1]
			continue
		}
		break
	}
	return toks
}

// stripEnvironmentQualifiers removes location-specific noise: the database
// prefix of three-part qualified names (db.schema.object -> schema.object)
// and TABLESPACE placement clauses.
func stripEnvironmentQualifiers(toks []token) []token {
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]

		if t.kind == tokWord && t.text == "tablespace" && i+1 < len(toks) && isNameToken(toks[i+1]) {
			i++ // skip the tablespace name too
			continue
		}

		if isNameToken(t) && !prevIsDot(out) && isDotAt(toks, i+1) && isNameAt(toks, i+2) &&
			isDotAt(toks, i+3) && isNameAt(toks, i+4) {
			// db.schema.object: drop "db."
			i++ // skip the dot; the loop advance skips the name
			continue
		}

		out = append(out, t)
	}
	return out
}

func isNameToken(t token) bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

func isNameAt(toks []token, i int) bool {
	return i < len(toks) && isNameToken(toks[i])
}

func isDotAt(toks []token, i int) bool {
	return i < len(toks) && toks[i].kind == tokOp && toks[i].text == "."
}

func prevIsDot(out []token) bool {
	if len(out) == 0 {
		return false
	}
	last := out[len(out)-1]
	return last.kind == tokOp && last.text == "."
}

// ---------------------------------------------------------------------------
// Generic kinds
// ---------------------------------------------------------------------------

// genericNormalizer covers kinds whose definitions carry no reorderable
// sub-elements; canonical text is the rendered token stream.
type genericNormalizer struct {
	component Component
}

func (g genericNormalizer) canonicalize(toks []token) string {
	return render(toks)
}

func (g genericNormalizer) components(canonical string) map[Component]string {
	return map[Component]string{g.component: canonical}
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

// tableNormalizer additionally sorts top-level constraint clauses inside the
// column list and exposes structure-only and constraints-only components.
type tableNormalizer struct{}

func (tableNormalizer) canonicalize(toks []token) string {
	parts, ok := splitTableParts(toks)
	if !ok {
		return render(toks)
	}
	items := append([]string{}, parts.columns...)
	items = append(items, parts.constraints...)
	return assembleTable(parts, items)
}

func (tableNormalizer) components(canonical string) map[Component]string {
	parts, ok := splitTableParts(scan(canonical))
	if !ok {
		return map[Component]string{ComponentStructure: canonical}
	}
	structure := assembleTable(parts, parts.columns)
	out := map[Component]string{ComponentStructure: structure}
	if len(parts.constraints) > 0 {
		out[ComponentConstraints] = strings.Join(parts.constraints, "; ")
	}
	return out
}

type tableParts struct {
	header      string   // "create table schema.name"
	columns     []string // column clauses, original order
	constraints []string // constraint clauses, sorted
	tail        string   // anything after the closing paren
}

func assembleTable(parts tableParts, items []string) string {
	s := parts.header + " (" + strings.Join(items, ", ") + ")"
	if parts.tail != "" {
		s += " " + parts.tail
	}
	return s
}

// constraint clause openers per SQL table element grammar.
var constraintLeaders = map[string]bool{
	"constraint": true,
	"primary":    true,
	"unique":     true,
	"foreign":    true,
	"check":      true,
	"exclude":    true,
}

// splitTableParts locates the top-level parenthesized element list of a
// CREATE TABLE and splits it into column clauses and constraint clauses.
func splitTableParts(toks []token) (tableParts, bool) {
	open := -1
	for i, t := range toks {
		if t.kind == tokOp && t.text == "(" {
			open = i
			break
		}
	}
	if open < 0 {
		return tableParts{}, false
	}

	depth := 0
	closing := -1
	var items [][]token
	itemStart := open + 1
	for i := open; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				if i > itemStart {
					items = append(items, toks[itemStart:i])
				}
				closing = i
			}
		case ",":
			if depth == 1 {
				items = append(items, toks[itemStart:i])
				itemStart = i + 1
			}
		}
		if closing >= 0 {
			break
		}
	}
	if closing < 0 {
		return tableParts{}, false
	}

	parts := tableParts{
		header: render(toks[:open]),
		tail:   render(toks[closing+1:]),
	}
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		clause := render(item)
		if item[0].kind == tokWord && constraintLeaders[item[0].text] {
			parts.constraints = append(parts.constraints, clause)
		} else {
			parts.columns = append(parts.columns, clause)
		}
	}
	sort.Strings(parts.constraints)
	return parts, true
}
