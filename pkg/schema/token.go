package schema

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // bare identifier or keyword, case-folded
	tokQuoted                  // "quoted identifier", preserved byte-for-byte
	tokString                  // 'string literal' or $tag$...$tag$ body
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

// scan tokenizes raw SQL definition text. Comments are dropped, whitespace
// is discarded (canonical rendering re-inserts single spaces), bare words
// are folded to lower case, and quoted identifiers, string literals and
// dollar-quoted bodies are preserved exactly.
func scan(raw string) []token {
	var toks []token
	src := []rune(raw)
	i := 0
	n := len(src)

	for i < n {
		c := src[i]

		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && src[i+1] == '-':
			// Line comment.
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && src[i+1] == '*':
			// Block comment, no nesting.
			i += 2
			for i+1 < n && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}

		case c == '\'':
			// String literal; '' escapes a quote.
			j := i + 1
			for j < n {
				if src[j] == '\'' {
					if j+1 < n && src[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokString, text: string(src[i:j])})
			i = j

		case c == '"':
			// Quoted identifier; "" escapes a quote.
			j := i + 1
			for j < n {
				if src[j] == '"' {
					if j+1 < n && src[j+1] == '"' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokQuoted, text: string(src[i:j])})
			i = j

		case c == '$':
			// Dollar-quoted body: $tag$ ... $tag$. Preserved verbatim so
			// function bodies keep their exact formatting.
			if body, end, ok := scanDollarQuoted(src, i); ok {
				toks = append(toks, token{kind: tokString, text: body})
				i = end
				break
			}
			toks = append(toks, token{kind: tokOp, text: "$"})
			i++

		case isWordStart(c):
			j := i + 1
			for j < n && isWordPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(string(src[i:j]))})
			i = j

		case unicode.IsDigit(c):
			j := i + 1
			for j < n && (unicode.IsDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(src[i:j])})
			i = j

		default:
			// Multi-character operators first, then single characters.
			if i+1 < n {
				two := string(src[i : i+2])
				switch two {
				case "<=", ">=", "<>", "!=", "::", ":=", "||", "->":
					toks = append(toks, token{kind: tokOp, text: two})
					i += 2
					continue
				}
			}
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		}
	}

	return toks
}

// scanDollarQuoted consumes $tag$...$tag$ starting at src[start]. Returns
// the full quoted text, the index past it, and whether it matched.
func scanDollarQuoted(src []rune, start int) (string, int, bool) {
	n := len(src)
	j := start + 1
	for j < n && src[j] != '$' && isWordPart(src[j]) {
		j++
	}
	if j >= n || src[j] != '$' {
		return "", 0, false
	}
	delim := src[start : j+1] // "$tag$" or "$$"
	for k := j + 1; k+len(delim) <= n; k++ {
		if runesEqual(src[k:k+len(delim)], delim) {
			end := k + len(delim)
			return string(src[start:end]), end, true
		}
	}
	return "", 0, false
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isWordStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isWordPart(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// render joins tokens back into canonical text with deterministic spacing:
// single spaces between tokens, none before closers/commas/dots and none
// after openers/dots.
func render(toks []token) string {
	var b strings.Builder
	for idx, t := range toks {
		if idx > 0 && needSpace(toks[idx-1], t) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}

func needSpace(prev, cur token) bool {
	switch cur.text {
	case ",", ")", ";", ".", "::", ":":
		if cur.kind == tokOp {
			return false
		}
	}
	if prev.kind == tokOp {
		switch prev.text {
		case "(", ".", "::":
			return false
		}
	}
	return true
}
