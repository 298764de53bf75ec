package apitemplate

import "strings"

type argToken struct {
	text   string
	quoted bool
}

// tokenizeArgs splits a helper/path expression on whitespace, keeping
// single- or double-quoted spans intact as one token.
func tokenizeArgs(expr string) []argToken {
	var out []argToken
	var buf strings.Builder
	quote := byte(0)
	flush := func(q bool) {
		if buf.Len() > 0 {
			out = append(out, argToken{text: buf.String(), quoted: q})
			buf.Reset()
		}
	}
	wasQuoted := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				wasQuoted = true
			} else {
				buf.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t':
			flush(wasQuoted)
			wasQuoted = false
		default:
			buf.WriteByte(c)
		}
	}
	flush(wasQuoted)
	return out
}

func isPathRoot(name string) bool {
	switch name {
	case "params", "query", "headers", "body", "state", "vars", "this", "service", "version":
		return true
	default:
		return false
	}
}
