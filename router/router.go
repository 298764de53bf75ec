// Package router holds the immutable compiled routing table for one
// ServiceDefinition (C3). It is grounded on the teacher's
// server/matcher.go segment-by-segment comparison, generalized into a
// compiled table that distinguishes NoMatch from MethodNotAllowed and
// orders candidates by the same specificity rule the validator uses to
// reject ambiguity.
package router

import (
	"net/url"
	"sort"
	"strings"

	"apisim/models"
)

// Outcome classifies the result of a Route lookup.
type Outcome int

const (
	NoMatch Outcome = iota
	Matched
	MethodNotAllowed
)

// Result is the return value of Route.
type Result struct {
	Outcome    Outcome
	EndpointID string
	Endpoint   *models.Endpoint
	PathParams map[string]string
	Allow      []string // populated only when Outcome == MethodNotAllowed
}

type compiledSegment struct {
	literal string
	isParam bool
	name    string
}

type compiledEndpoint struct {
	method   string
	segments []compiledSegment
	endpoint *models.Endpoint
}

// Table is an immutable compiled routing table. Construct with New; never
// mutated after construction, so concurrent Route calls need no locking.
type Table struct {
	basePath  string
	endpoints []compiledEndpoint
}

// New compiles every endpoint of def into a Table. Construction is O(E) in
// the endpoint count. Callers are expected to run validator.Validate first;
// New does not re-check ambiguity, it only orders candidates deterministically
// (more specific, i.e. more literal segments, first).
func New(def *models.ServiceDefinition) *Table {
	t := &Table{basePath: normalizeBasePath(def.Server.BasePath)}
	for i := range def.Endpoints {
		ep := &def.Endpoints[i]
		segs, err := compile(ep.Path)
		if err != nil {
			continue
		}
		t.endpoints = append(t.endpoints, compiledEndpoint{
			method:   strings.ToUpper(ep.Method),
			segments: segs,
			endpoint: ep,
		})
	}
	sort.SliceStable(t.endpoints, func(i, j int) bool {
		return specificity(t.endpoints[i].segments) > specificity(t.endpoints[j].segments)
	})
	return t
}

func specificity(segs []compiledSegment) int {
	n := 0
	for _, s := range segs {
		if !s.isParam {
			n++
		}
	}
	return n
}

func compile(pattern string) ([]compiledSegment, error) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return []compiledSegment{}, nil
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]compiledSegment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			segs = append(segs, compiledSegment{isParam: true, name: p[1:]})
		} else {
			segs = append(segs, compiledSegment{literal: p})
		}
	}
	return segs, nil
}

func normalizeBasePath(base string) string {
	base = strings.Trim(base, "/")
	return base
}

// Route matches method and rawPath against the table. rawPath is the
// original request path; Route performs the normalisation described in
// C3 (trailing-slash stripping except root, duplicate-slash collapse,
// NUL rejection, percent-decoded captures, base-path stripping) itself.
func (t *Table) Route(method, rawPath string) Result {
	path, ok := normalizePath(rawPath)
	if !ok {
		return Result{Outcome: NoMatch}
	}

	path = stripBasePath(path, t.basePath)
	if path == "" {
		return Result{Outcome: NoMatch}
	}

	reqSegs := splitRequestPath(path)
	method = strings.ToUpper(method)

	var allow []string
	allowSeen := map[string]bool{}
	for _, ce := range t.endpoints {
		params, ok := matchSegments(ce.segments, reqSegs)
		if !ok {
			continue
		}
		if ce.method == method {
			return Result{Outcome: Matched, EndpointID: ce.endpoint.ID, Endpoint: ce.endpoint, PathParams: params}
		}
		if !allowSeen[ce.method] {
			allowSeen[ce.method] = true
			allow = append(allow, ce.method)
		}
	}
	if len(allow) > 0 {
		sort.Strings(allow)
		return Result{Outcome: MethodNotAllowed, Allow: allow}
	}
	return Result{Outcome: NoMatch}
}

func matchSegments(pattern []compiledSegment, req []string) (map[string]string, bool) {
	if len(pattern) != len(req) {
		return nil, false
	}
	var params map[string]string
	for i, ps := range pattern {
		if ps.isParam {
			if params == nil {
				params = map[string]string{}
			}
			params[ps.name] = req[i]
			continue
		}
		if ps.literal != req[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

func splitRequestPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

// normalizePath strips a redundant trailing slash (except on root),
// collapses duplicate slashes and rejects NUL bytes. Percent-decoding
// happens up front on the whole path, so captures are decoded and literal
// segments are compared against the decoded text too (an encoded "%2F"
// therefore becomes a segment separator).
func normalizePath(raw string) (string, bool) {
	if strings.IndexByte(raw, 0) >= 0 {
		return "", false
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	for strings.Contains(decoded, "//") {
		decoded = strings.ReplaceAll(decoded, "//", "/")
	}
	if len(decoded) > 1 && strings.HasSuffix(decoded, "/") {
		decoded = strings.TrimSuffix(decoded, "/")
	}
	if decoded == "" {
		decoded = "/"
	}
	return decoded, true
}

func stripBasePath(path, base string) string {
	if base == "" {
		return path
	}
	prefix := "/" + base
	if path == prefix {
		return "/"
	}
	if !strings.HasPrefix(path, prefix+"/") {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		rest = "/"
	}
	return rest
}
