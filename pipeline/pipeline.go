// Package pipeline implements the per-request handling pipeline of C5:
// scenario resolution, rule selection, delay, template rendering, state
// mutation, response emission and logging, with cooperative cancellation
// on client disconnect. It is grounded on the teacher's
// server/handlers.go (ResponseHandler composition, CORS/header merge) and
// server/context.go (RequestContext construction).
package pipeline

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"apisim/apitemplate"
	"apisim/hooks"
	"apisim/models"
	"apisim/router"
	"apisim/statestore"
)

const (
	defaultMaxBodyBytes = 2 << 20  // 2 MiB
	hardCapBodyBytes    = 64 << 20 // 64 MiB
	maxRequestIDLen     = 128
	headerCaptureCap    = 64
	bodySnippetCap      = 8 << 10 // 8 KiB captured into logs
)

// Publisher is the C9 ingress the pipeline logs every handled request to.
type Publisher interface {
	Publish(event models.RequestLog)
}

// Pipeline is the per-service request handler. One Pipeline serves one
// ServiceDefinition; it is safe for concurrent use by many goroutines (one
// per in-flight request).
type Pipeline struct {
	ServiceName    string
	ServiceVersion string
	Definition     *models.ServiceDefinition
	Router         *router.Table
	State          *statestore.Store
	Hooks          hooks.Registry // may be nil
	Events         Publisher

	MaxBodyBytes int64 // 0 => defaultMaxBodyBytes
	CORSOrigins  []string

	activeScenario atomic.Value // string
}

// New constructs a Pipeline. The active scenario starts at the
// definition's default.
func New(name, version string, def *models.ServiceDefinition, rt *router.Table, state *statestore.Store, events Publisher) *Pipeline {
	p := &Pipeline{
		ServiceName:    name,
		ServiceVersion: version,
		Definition:     def,
		Router:         rt,
		State:          state,
		Events:         events,
		MaxBodyBytes:   defaultMaxBodyBytes,
	}
	p.SetScenario(def.EffectiveDefaultScenario())
	return p
}

// SetScenario swaps the active scenario with release semantics: every
// request whose ServeHTTP call starts after this returns observes the new
// value (Go's atomic.Value guarantees happens-before on Store/Load).
func (p *Pipeline) SetScenario(name string) {
	p.activeScenario.Store(name)
}

// ActiveScenario returns the scenario currently selecting response rules.
func (p *Pipeline) ActiveScenario() string {
	s, _ := p.activeScenario.Load().(string)
	if s == "" {
		return p.Definition.EffectiveDefaultScenario()
	}
	return s
}

func (p *Pipeline) maxBody() int64 {
	if p.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	if p.MaxBodyBytes > hardCapBodyBytes {
		return hardCapBodyBytes
	}
	return p.MaxBodyBytes
}

// ServeHTTP implements the full seven-step pipeline for one request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := requestID(r)

	body, truncatedRead, tooLarge := readBoundedBody(r.Body, p.maxBody())
	if tooLarge {
		p.writeError(w, reqID, r, start, http.StatusRequestEntityTooLarge, models.ErrKindBodyTooLarge, "", nil, nil)
		return
	}

	res := p.Router.Route(r.Method, r.URL.Path)
	switch res.Outcome {
	case router.NoMatch:
		p.writeError(w, reqID, r, start, http.StatusNotFound, models.ErrKindRouteNotFound, "", nil, nil)
		return
	case router.MethodNotAllowed:
		w.Header().Set("Allow", strings.Join(res.Allow, ", "))
		p.writeError(w, reqID, r, start, http.StatusMethodNotAllowed, models.ErrKindMethodNotAllowed, "", nil, nil)
		return
	}

	endpoint := res.Endpoint
	scenario := p.ActiveScenario()
	rule := selectRule(endpoint, scenario)
	if rule == nil {
		p.writeError(w, reqID, r, start, http.StatusInternalServerError, models.ErrKindNoMatchingRule, res.EndpointID, nil, nil)
		return
	}

	reqCtx := &models.RequestContext{
		RequestID:   reqID,
		Method:      r.Method,
		Path:        r.URL.Path,
		MatchedPath: endpoint.Path,
		PathParams:  res.PathParams,
		QueryParams: map[string][]string(r.URL.Query()),
		Headers:     map[string][]string(r.Header),
		Body:        body,
		ArrivalTime: start,
		Vars:        map[string]any{},
	}

	if p.Hooks != nil {
		if outcome, ok := p.Hooks.Lookup(endpoint.Hook); ok {
			decision, err := outcome.OnBeforeRender(r.Context(), reqCtx, p.State)
			if err != nil {
				p.writeError(w, reqID, r, start, http.StatusInternalServerError, models.ErrKindInternalError, res.EndpointID, nil, nil)
				return
			}
			if decision.Override != nil {
				p.emit(w, reqID, r, start, res.EndpointID, scenario, decision.Override.Status, decision.Override.Headers, []byte(decision.Override.Body), truncatedRead, body)
				return
			}
		}
	}

	if rule.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(rule.DelayMs) * time.Millisecond):
		case <-r.Context().Done():
			p.logCancelled(reqID, r, start, res.EndpointID, scenario)
			return
		}
	}

	if rule.StateMutation != nil && rule.StateMutation.PreRender {
		p.applyMutation(rule.StateMutation)
	}

	rendered, rerr := apitemplate.Render(rule.Body, &apitemplate.Context{
		Request:        reqCtx,
		State:          p.State,
		Mutator:        p.State,
		Now:            time.Now(),
		ServiceName:    p.ServiceName,
		ServiceVersion: p.ServiceVersion,
	})
	if rerr != nil {
		p.writeError(w, reqID, r, start, http.StatusInternalServerError, models.ErrKindRenderError, res.EndpointID, nil, nil)
		return
	}

	select {
	case <-r.Context().Done():
		p.logCancelled(reqID, r, start, res.EndpointID, scenario)
		return
	default:
	}

	if rule.StateMutation != nil && !rule.StateMutation.PreRender {
		p.applyMutation(rule.StateMutation)
	}

	headers := mergeHeaders(p.CORSOrigins, rule.Headers, rule.ContentType)
	p.emit(w, reqID, r, start, res.EndpointID, scenario, rule.Status, headers, rendered, truncatedRead, body)
}

func (p *Pipeline) applyMutation(m *models.StateMutation) {
	switch m.Op {
	case models.MutateSet:
		p.State.Write(m.Key, m.Value)
	case models.MutateIncr:
		p.State.Mutate(m.Key, func(cur any) any {
			n, _ := cur.(int64)
			if f, ok := cur.(float64); ok {
				n = int64(f)
			}
			return n + 1
		})
	case models.MutateAppend:
		p.State.Mutate(m.Key, func(cur any) any {
			list, _ := cur.([]any)
			return append(list, m.Value)
		})
	}
}

func selectRule(ep *models.Endpoint, scenario string) *models.ResponseRule {
	var def *models.ResponseRule
	for i := range ep.Responses {
		r := &ep.Responses[i]
		if r.IsDefault() {
			if def == nil {
				def = r
			}
			continue
		}
		if r.Scenario == scenario {
			return r
		}
	}
	return def
}

func mergeHeaders(corsOrigins []string, ruleHeaders []models.Header, contentType string) http.Header {
	h := http.Header{}
	if len(corsOrigins) > 0 {
		h.Set("Access-Control-Allow-Origin", strings.Join(corsOrigins, ", "))
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	} else {
		h.Set("Content-Type", "application/json")
	}
	for _, hdr := range ruleHeaders {
		h.Set(hdr.Name, hdr.Value)
	}
	return h
}

func (p *Pipeline) emit(w http.ResponseWriter, reqID string, r *http.Request, start time.Time, endpointID, scenario string, status int, headers http.Header, body []byte, bodyTruncated bool, reqBody []byte) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(status)
	_, _ = w.Write(body)

	p.publish(models.RequestLog{
		ServiceName:     p.ServiceName,
		RequestID:       reqID,
		Timestamp:       start,
		Method:          r.Method,
		Path:            r.URL.Path,
		EndpointID:      endpointID,
		Scenario:        scenario,
		Status:          status,
		DurationMs:      time.Since(start).Milliseconds(),
		ClientAddr:      clientAddr(r),
		RequestHeaders:  captureHeaders(r.Header),
		ResponseHeaders: captureHeaders(headers),
		RequestBody:     snippet(reqBody),
		ResponseBody:    snippet(body),
		BodyTruncated:   bodyTruncated || len(body) > bodySnippetCap,
	})
}

func (p *Pipeline) writeError(w http.ResponseWriter, reqID string, r *http.Request, start time.Time, status int, kind models.ErrorKind, endpointID string, _ any, _ any) {
	w.Header().Set("X-Simulator-Error-Kind", string(kind))
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(status)

	p.publish(models.RequestLog{
		ServiceName: p.ServiceName,
		RequestID:   reqID,
		Timestamp:   start,
		Method:      r.Method,
		Path:        r.URL.Path,
		EndpointID:  endpointID,
		Status:      status,
		DurationMs:  time.Since(start).Milliseconds(),
		ClientAddr:  clientAddr(r),
		ErrorKind:   string(kind),
	})
}

func (p *Pipeline) logCancelled(reqID string, r *http.Request, start time.Time, endpointID, scenario string) {
	p.publish(models.RequestLog{
		ServiceName: p.ServiceName,
		RequestID:   reqID,
		Timestamp:   start,
		Method:      r.Method,
		Path:        r.URL.Path,
		EndpointID:  endpointID,
		Scenario:    scenario,
		Status:      499,
		DurationMs:  time.Since(start).Milliseconds(),
		ClientAddr:  clientAddr(r),
		ErrorKind:   string(models.ErrKindClientCancelled),
	})
}

func (p *Pipeline) publish(log models.RequestLog) {
	if p.Events != nil {
		p.Events.Publish(log)
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.New().String()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func captureHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := map[string][]string{}
	n := 0
	for k, v := range h {
		if n >= headerCaptureCap {
			break
		}
		out[k] = v
		n++
	}
	return out
}

func snippet(body []byte) string {
	if len(body) > bodySnippetCap {
		return string(body[:bodySnippetCap])
	}
	return string(body)
}

// readBoundedBody reads r fully up to limit+1 bytes. tooLarge is true if the
// body exceeds limit; in that case the caller must respond 413 without
// consuming the rest of the stream. truncated is true if the body is
// longer than bodySnippetCap, so its logged copy is cut; the returned body
// itself is whole (kept separate from tooLarge, which is a hard rejection).
func readBoundedBody(r io.Reader, limit int64) (data []byte, truncated bool, tooLarge bool) {
	limited := io.LimitReader(r, limit+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, false
	}
	if int64(len(b)) > limit {
		return nil, false, true
	}
	return b, len(b) > bodySnippetCap, false
}
