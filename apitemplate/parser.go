package apitemplate

import "strings"

// parse turns template source into a flat list of top-level nodes. It
// never panics: every malformed input (unbalanced block, stray else/close)
// produces a *RenderError of kind ParseError carrying the byte offset of
// the offending tag.
func parse(src string) ([]node, error) {
	nodes, stop, stopOff, err := parseNodes(src, 0)
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, newErr(KindParseError, stopOff, "unexpected {{%s}} with no matching opening block", stop)
	}
	return nodes, nil
}

// parseNodes scans src starting at pos and returns the nodes collected
// until either EOF (stop == "") or a block-closing/else tag is reached
// that this call does not own (stop holds its raw tag text, stopOff its
// offset).
func parseNodes(src string, pos int) (out []node, stop string, stopOff int, err error) {
	for {
		start := strings.Index(src[pos:], "{{")
		if start < 0 {
			if pos < len(src) {
				out = append(out, &textNode{off: pos, text: src[pos:]})
			}
			return out, "", 0, nil
		}
		start += pos
		if start > pos {
			out = append(out, &textNode{off: pos, text: src[pos:start]})
		}

		end := strings.Index(src[start:], "}}")
		if end < 0 {
			return nil, "", 0, newErr(KindParseError, start, "unterminated {{ tag")
		}
		end += start
		tagOff := start
		tag := strings.TrimSpace(src[start+2 : end])
		pos = end + 2

		switch {
		case tag == "":
			return nil, "", 0, newErr(KindParseError, tagOff, "empty expression")

		case strings.HasPrefix(tag, "#each "):
			itemsExpr := strings.TrimSpace(tag[len("#each "):])
			body, innerStop, innerOff, perr := parseNodes(src, pos)
			if perr != nil {
				return nil, "", 0, perr
			}
			if innerStop != "/each" {
				return nil, "", 0, newErr(KindParseError, tagOff, "unclosed {{#each}} block")
			}
			out = append(out, &eachNode{off: tagOff, itemsExpr: itemsExpr, body: body})
			pos = innerOff

		case strings.HasPrefix(tag, "#if "):
			condExpr := strings.TrimSpace(tag[len("#if "):])
			thenBody, innerStop, innerOff, perr := parseNodes(src, pos)
			if perr != nil {
				return nil, "", 0, perr
			}
			var elseBody []node
			switch innerStop {
			case "/if":
				pos = innerOff
			case "else":
				elseBody, innerStop, innerOff, perr = parseNodes(src, innerOff)
				if perr != nil {
					return nil, "", 0, perr
				}
				if innerStop != "/if" {
					return nil, "", 0, newErr(KindParseError, tagOff, "unclosed {{#if}} block")
				}
				pos = innerOff
			default:
				return nil, "", 0, newErr(KindParseError, tagOff, "unclosed {{#if}} block")
			}
			out = append(out, &ifNode{off: tagOff, condExpr: condExpr, then: thenBody, otherwise: elseBody})

		case tag == "/each" || tag == "/if" || tag == "else":
			return out, tag, pos, nil

		case strings.HasPrefix(tag, "#") || strings.HasPrefix(tag, "/"):
			return nil, "", 0, newErr(KindParseError, tagOff, "unknown block tag %q", tag)

		default:
			out = append(out, &exprNode{off: tagOff, expr: tag})
		}
	}
}
