package apitemplate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resolvePath evaluates a dotted context path such as params.id,
// query.page, headers.x-request-id, body.json.user.name, state.counter,
// this.name or @index. A missing path is reported via ok=false and must
// render as empty text rather than erroring (spec §4.1).
func resolvePath(expr string, ec *evalContext) (any, bool) {
	if expr == "@index" {
		if f, ok := ec.top(); ok {
			return int64(f.index), true
		}
		return nil, false
	}

	segs := strings.Split(expr, ".")
	root := segs[0]
	rest := segs[1:]

	switch root {
	case "this":
		f, ok := ec.top()
		if !ok {
			return nil, false
		}
		return navigate(f.item, rest)

	case "params":
		if len(rest) == 0 || ec.base.Request == nil {
			return nil, false
		}
		v, ok := ec.base.Request.PathParams[strings.Join(rest, ".")]
		return v, ok

	case "query":
		if len(rest) == 0 || ec.base.Request == nil {
			return nil, false
		}
		vs, ok := ec.base.Request.QueryParams[strings.Join(rest, ".")]
		if !ok || len(vs) == 0 {
			return nil, false
		}
		return vs[0], true

	case "headers":
		if len(rest) == 0 || ec.base.Request == nil {
			return nil, false
		}
		v := ec.base.Request.GetHeader(strings.Join(rest, "."))
		if v == "" {
			return nil, false
		}
		return v, true

	case "vars":
		if len(rest) == 0 || ec.base.Request == nil || ec.base.Request.Vars == nil {
			return nil, false
		}
		v, ok := ec.base.Request.Vars[strings.Join(rest, ".")]
		return v, ok

	case "body":
		if len(rest) == 0 {
			return nil, false
		}
		switch rest[0] {
		case "raw":
			if ec.base.Request == nil {
				return nil, false
			}
			return string(ec.base.Request.Body), true
		case "json":
			body, ok := ec.base.parsedBody()
			if !ok {
				return nil, false
			}
			return navigate(body, rest[1:])
		default:
			return nil, false
		}

	case "state":
		if len(rest) == 0 || ec.base.State == nil {
			return nil, false
		}
		return ec.base.State.Read(strings.Join(rest, "."))

	case "service":
		return ec.base.ServiceName, true

	case "version":
		return ec.base.ServiceVersion, true

	default:
		return nil, false
	}
}

// navigate walks a decoded JSON value (map[string]any / []any / scalar)
// through the remaining path segments.
func navigate(v any, segs []string) (any, bool) {
	cur := v
	for _, s := range segs {
		switch m := cur.(type) {
		case map[string]any:
			next, ok := m[s]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(s)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, false
			}
			cur = m[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// toText stringifies a resolved value for insertion into the rendered
// body. Missing values (ok==false) are handled by the caller as "".
func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// truthy implements block-condition truthiness: nil, false, 0, "", and
// empty collections are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
