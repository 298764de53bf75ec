package apitemplate

import (
	"strconv"
	"strings"
)

// Render parses and evaluates a template body against ctx, returning the
// rendered bytes. Render never panics; every malformed template or failed
// evaluation comes back as a *RenderError.
func Render(template string, ctx *Context) ([]byte, error) {
	nodes, err := parse(template)
	if err != nil {
		return nil, err
	}
	ec := &evalContext{base: ctx}
	var buf strings.Builder
	if err := evalNodes(nodes, ec, &buf); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func evalNodes(nodes []node, ec *evalContext, buf *strings.Builder) error {
	for _, n := range nodes {
		if err := evalNode(n, ec, buf); err != nil {
			return err
		}
	}
	return nil
}

func evalNode(n node, ec *evalContext, buf *strings.Builder) error {
	switch t := n.(type) {
	case *textNode:
		buf.WriteString(t.text)
		return nil

	case *exprNode:
		v, err := evalExpr(t.expr, t.off, ec)
		if err != nil {
			return err
		}
		buf.WriteString(toText(v))
		return nil

	case *eachNode:
		items, ok := resolvePath(t.itemsExpr, ec)
		if !ok {
			return nil
		}
		list, ok := items.([]any)
		if !ok {
			return newErr(KindTypeError, t.off, "#each: %q is not an array", t.itemsExpr)
		}
		for i, item := range list {
			child := &evalContext{base: ec.base, scope: append(append([]scopeFrame{}, ec.scope...), scopeFrame{item: item, index: i})}
			if err := evalNodes(t.body, child, buf); err != nil {
				return err
			}
		}
		return nil

	case *ifNode:
		cond, err := evalCond(t.condExpr, t.off, ec)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return evalNodes(t.then, ec, buf)
		}
		return evalNodes(t.otherwise, ec, buf)

	default:
		return newErr(KindParseError, n.offset(), "unknown node type")
	}
}

// evalCond resolves the condition expression of an {{#if}} block. It shares
// the path/helper dispatch with evalExpr, but a missing path is a valid
// (falsy) outcome rather than an error.
func evalCond(expr string, off int, ec *evalContext) (any, error) {
	v, err := evalExpr(expr, off, ec)
	if err != nil {
		if re, ok := err.(*RenderError); ok && re.Kind == KindUnknownHelper {
			return nil, err
		}
		return nil, nil
	}
	return v, nil
}

// evalExpr decides whether a bare {{...}} expression is a context-path
// reference or a helper call, then evaluates it.
//
// A single whitespace-separated token whose dot-split root names a
// recognised path root (params, query, headers, body, state, vars, this,
// service, version) or the literal @index is resolved as a path. Anything
// else is looked up in the helper registry by its first token; an unknown
// name is reported as KindUnknownHelper rather than silently rendering
// empty, since a bare path expression can never fail to resolve (a missing
// path is empty, not an error). The arguments of `incr` name a state key
// and are passed to the helper as literal text, never resolved as paths.
func evalExpr(expr string, off int, ec *evalContext) (any, error) {
	toks := tokenizeArgs(expr)
	if len(toks) == 0 {
		return nil, newErr(KindParseError, off, "empty expression")
	}

	if len(toks) == 1 && !toks[0].quoted {
		root := strings.SplitN(toks[0].text, ".", 2)[0]
		if toks[0].text == "@index" || isPathRoot(root) {
			v, _ := resolvePath(toks[0].text, ec)
			return v, nil
		}
	}

	name := toks[0].text
	helper, ok := registry[name]
	if !ok {
		return nil, newErr(KindUnknownHelper, off, "unknown helper %q", name)
	}

	args := make([]any, 0, len(toks)-1)
	for _, tok := range toks[1:] {
		if name == "incr" {
			args = append(args, tok.text)
			continue
		}
		args = append(args, resolveArg(tok, ec))
	}
	return helper(args, ec, off)
}

// resolveArg turns one whitespace/quote-delimited argument token into a
// native value: quoted tokens are literal strings, unquoted numeric tokens
// become int64/float64, unquoted path-rooted tokens resolve against the
// current scope, and anything else is passed through as a literal string.
func resolveArg(tok argToken, ec *evalContext) any {
	if tok.quoted {
		return tok.text
	}
	if n, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
		return f
	}
	root := strings.SplitN(tok.text, ".", 2)[0]
	if tok.text == "@index" || isPathRoot(root) {
		if v, ok := resolvePath(tok.text, ec); ok {
			return v
		}
		return nil
	}
	return tok.text
}
