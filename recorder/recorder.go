// Package recorder implements C7: a recording reverse proxy that forwards
// requests to a configured upstream, captures both sides of the
// round-trip in a capped session buffer, and synthesises a
// ServiceDefinition from what it observed. It is grounded on the
// teacher's server/proxy.go (request/response capture, header copying,
// capture-group substitution) and server/overlay.go (upstream HTTP client
// construction, DNS/real-IP handling), generalized from the teacher's
// single global proxy handler to per-session recording with synthesis.
package recorder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"apisim/models"
)

var hopByHopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func isHopByHop(name string) bool {
	if hopByHopHeaders[name] {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), "proxy-")
}

// DefaultUpstreamTimeout matches spec.md §5's recording-proxy timeout.
const DefaultUpstreamTimeout = 30 * time.Second

// DefaultSessionCap bounds the number of captures held per session before
// the oldest is evicted.
const DefaultSessionCap = 2000

// MaxRedirectHops is the same-origin redirect policy: beyond this many
// hops, or on a redirect to another host, the proxy gives up with a 502
// whose body names the redirect chain rather than following it.
const MaxRedirectHops = 3

// Capture is one recorded round-trip.
type Capture struct {
	Method          string
	Path            string
	Query           url.Values
	RequestHeaders  http.Header
	RequestBody     []byte
	ResponseStatus  int
	ResponseHeaders http.Header
	ResponseBody    []byte
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Session is a capped, ordered buffer of captures for one recording run
// against one upstream.
type Session struct {
	ID          string
	UpstreamURL string

	mu       sync.Mutex
	captures []Capture
	cap      int
}

// NewSession starts a recording session for upstreamURL.
func NewSession(id, upstreamURL string, capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultSessionCap
	}
	return &Session{ID: id, UpstreamURL: upstreamURL, cap: capacity}
}

func (s *Session) add(c Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) >= s.cap {
		s.captures = s.captures[1:]
	}
	s.captures = append(s.captures, c)
}

// Count returns the number of captures currently buffered.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

// Proxy forwards requests to a Session's upstream and records each
// round-trip.
type Proxy struct {
	Session *Session
	Client  *http.Client
}

// NewProxy returns a Proxy with the default upstream timeout and a
// same-origin-bounded redirect policy, grounded on the teacher's overlay
// client construction (custom http.Client{Timeout, CheckRedirect}).
func NewProxy(session *Session) *Proxy {
	return &Proxy{
		Session: session,
		Client: &http.Client{
			Timeout:       DefaultUpstreamTimeout,
			CheckRedirect: sameOriginRedirectPolicy,
		},
	}
}

func sameOriginRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) > MaxRedirectHops || req.URL.Host != via[0].URL.Host {
		chain := make([]string, 0, len(via)+1)
		for _, v := range via {
			chain = append(chain, v.URL.String())
		}
		chain = append(chain, req.URL.String())
		return fmt.Errorf("redirect not followed: %s", strings.Join(chain, " -> "))
	}
	return nil
}

// ServeHTTP forwards r to the session's upstream, preserving method, path,
// query, body and non-hop-by-hop headers, and records the round-trip.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	target, err := url.Parse(p.Session.UpstreamURL)
	if err != nil {
		http.Error(w, "invalid upstream url", http.StatusInternalServerError)
		return
	}
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	upstreamReq, err := http.NewRequest(r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}

	resp, err := p.Client.Do(upstreamReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	p.Session.add(Capture{
		Method:          r.Method,
		Path:            r.URL.Path,
		Query:           r.URL.Query(),
		RequestHeaders:  cloneHeader(r.Header),
		RequestBody:     body,
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: cloneHeader(resp.Header),
		ResponseBody:    respBody,
		StartedAt:       start,
		FinishedAt:      time.Now(),
	})
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

var (
	uuidPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
)

func classifySegment(seg string) (param string, ok bool) {
	switch {
	case uuidPattern.MatchString(seg):
		return "uuid", true
	case numericPattern.MatchString(seg):
		return "num", true
	case looksLikeIdentifier(seg):
		return "id", true
	default:
		return "", false
	}
}

// looksLikeIdentifier is a conservative heuristic: a mixed alnum token of
// at least 6 characters containing both letters and digits, distinct from
// ordinary path words.
func looksLikeIdentifier(seg string) bool {
	if len(seg) < 6 {
		return false
	}
	hasDigit, hasAlpha := false, false
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasAlpha = true
		default:
			return false
		}
	}
	return hasDigit && hasAlpha
}

// Synthesize builds a ServiceDefinition from every capture in the session,
// per spec.md's C7 synthesis rules: one endpoint per distinct
// (method, path-template); segments that look like identifiers, UUIDs or
// numbers become :id/:uuid/:num parameters, whether or not they vary across
// captures; captures that disagree on status code class
// become distinct scenarios.
func Synthesize(serviceName string, session *Session) *models.ServiceDefinition {
	session.mu.Lock()
	captures := append([]Capture(nil), session.captures...)
	session.mu.Unlock()

	type endpointKey struct{ method, template string }
	grouped := map[endpointKey][]Capture{}
	var order []endpointKey

	for _, c := range captures {
		template, params := pathTemplate(c.Path)
		_ = params
		key := endpointKey{method: c.Method, template: template}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], c)
	}

	def := &models.ServiceDefinition{
		Name:    serviceName,
		Version: "1.0.0",
		Server:  models.ServerBlock{Port: "auto"},
		Recording: &models.RecordingMeta{
			SessionID:   session.ID,
			UpstreamURL: session.UpstreamURL,
		},
	}

	scenarioNames := map[string]bool{}
	for _, key := range order {
		group := grouped[key]
		ep := models.Endpoint{Method: key.method, Path: key.template}

		byClass := map[string][]Capture{}
		for _, c := range group {
			class := statusClass(c.ResponseStatus)
			byClass[class] = append(byClass[class], c)
		}

		multi := len(byClass) > 1
		for class, classCaptures := range byClass {
			rep := classCaptures[len(classCaptures)-1]
			rule := models.ResponseRule{
				Status:      rep.ResponseStatus,
				ContentType: rep.ResponseHeaders.Get("Content-Type"),
				Body:        string(rep.ResponseBody),
			}
			if multi && class != "success" {
				name := class
				if !scenarioNames[name] {
					def.Scenarios = append(def.Scenarios, models.Scenario{Name: name})
					scenarioNames[name] = true
				}
				rule.Scenario = name
			}
			ep.Responses = append(ep.Responses, rule)
		}
		def.Endpoints = append(def.Endpoints, ep)
	}

	return def
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status >= 400 && status < 500:
		return "error-4xx"
	case status >= 500:
		return "error-5xx"
	default:
		return "other"
	}
}

// pathTemplate replaces varying-looking segments with named parameters
// and returns both the template and the ordered parameter names used.
func pathTemplate(path string) (string, []string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/", nil
	}
	parts := strings.Split(trimmed, "/")
	var params []string
	counts := map[string]int{}
	for i, seg := range parts {
		kind, ok := classifySegment(seg)
		if !ok {
			continue
		}
		counts[kind]++
		name := kind
		if counts[kind] > 1 {
			name = kind + strconv.Itoa(counts[kind])
		}
		params = append(params, name)
		parts[i] = ":" + name
	}
	return "/" + strings.Join(parts, "/"), params
}
