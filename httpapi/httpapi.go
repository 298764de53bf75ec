// Package httpapi layers the transport-neutral control-plane contract of
// §6 onto HTTP/JSON, plus one WebSocket endpoint for event streaming. It
// is grounded on the teacher's server/cors.go for its small fixed route
// set computed once (it sets no CORS headers) and on gorilla/websocket
// (already in the teacher's go.mod for its own proxy upgrade handling)
// for the event stream.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"apisim/definitionio"
	"apisim/eventbus"
	"apisim/fleet"
	"apisim/logexport"
	"apisim/logsink"
	"apisim/models"
	"apisim/recorder"
)

// API wires the fleet manager, log sink, event bus and recording sessions
// behind the §6 HTTP/JSON control surface.
type API struct {
	Fleet    *fleet.Manager
	Logs     *logsink.Sink
	Events   *eventbus.Bus
	Upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*recordingSession
}

// recordingSession pairs a recorder.Session with the proxy listener
// actually capturing traffic for it, so Stop can tear the listener down.
type recordingSession struct {
	session  *recorder.Session
	listener net.Listener
	server   *http.Server
}

// New constructs an API ready to be mounted with Routes.
func New(f *fleet.Manager, logs *logsink.Sink, events *eventbus.Bus) *API {
	return &API{
		Fleet:    f,
		Logs:     logs,
		Events:   events,
		Upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: map[string]*recordingSession{},
	}
}

// Routes returns the control-plane handler, ready to be served directly or
// mounted under a prefix.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/services", a.handleServices)
	mux.HandleFunc("/v1/services/load", a.handleLoad)
	mux.HandleFunc("/v1/services/start", a.handleStart)
	mux.HandleFunc("/v1/services/stop", a.handleStop)
	mux.HandleFunc("/v1/services/scenario", a.handleSetScenario)
	mux.HandleFunc("/v1/services/reload", a.handleReload)
	mux.HandleFunc("/v1/logs", a.handleQueryLogs)
	mux.HandleFunc("/v1/logs/export", a.handleExportLogs)
	mux.HandleFunc("/v1/recording/start", a.handleStartRecording)
	mux.HandleFunc("/v1/recording/stop", a.handleStopRecording)
	mux.HandleFunc("/v1/recording/generate", a.handleGenerateFromRecording)
	mux.HandleFunc("/v1/events/stream", a.handleEventStream)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		st, err := a.Fleet.Status(name)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, a.Fleet.List())
}

func (a *API) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	replace := r.URL.Query().Get("replace") == "true"
	body, err := readAll(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := definitionio.Parse(body, formatFromContentType(r))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	report, err := a.Fleet.Load(def, replace)
	if !report.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	st, _ := a.Fleet.Status(def.Name)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := a.Fleet.Start(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, _ := a.Fleet.Status(name)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := a.Fleet.Stop(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, _ := a.Fleet.Status(name)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleSetScenario(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	scenario := r.URL.Query().Get("scenario")
	if err := a.Fleet.SetScenario(name, scenario); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, _ := a.Fleet.Status(name)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	body, err := readAll(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := definitionio.Parse(body, formatFromContentType(r))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	report, err := a.Fleet.Reload(name, def)
	if !report.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, _ := a.Fleet.Status(name)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := logsink.Filter{
		ServiceName:  q.Get("service"),
		PathContains: q.Get("path_contains"),
	}
	if methods := q.Get("methods"); methods != "" {
		filter.Methods = strings.Split(methods, ",")
	}
	if v := q.Get("status_min"); v != "" {
		filter.StatusMin, _ = strconv.Atoi(v)
	}
	if v := q.Get("status_max"); v != "" {
		filter.StatusMax, _ = strconv.Atoi(v)
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	writeJSON(w, http.StatusOK, a.Logs.Query(filter, limit, offset))
}

func (a *API) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := logsink.Filter{ServiceName: q.Get("service")}
	logs := a.Logs.Query(filter, 0, 0)

	switch q.Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="request_logs.csv"`)
		_ = logexport.ToCSV(w, logs)
	case "curl":
		w.Header().Set("Content-Type", "text/x-shellscript")
		w.Header().Set("Content-Disposition", `attachment; filename="request_logs.sh"`)
		_ = logexport.ToCurlScript(w, logs, q.Get("base_url"))
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = logexport.ToJSON(w, logs)
	}
}

// handleStartRecording stands up a recorder.Proxy listening on bind_port
// (or an ephemeral port, when bind_port is "0" or "auto") and forwards
// everything it receives to upstream_url, recording each round-trip into
// the session. The bound port is returned so the caller can point traffic
// at it.
func (a *API) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	upstream := r.URL.Query().Get("upstream_url")
	bindArg := r.URL.Query().Get("bind_port")

	addr := ":0"
	if bindArg != "" && bindArg != "auto" {
		port, err := strconv.Atoi(bindArg)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("bind_port %q is not numeric or \"auto\"", bindArg)})
			return
		}
		addr = fmt.Sprintf(":%d", port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	session := recorder.NewSession(sessionID, upstream, recorder.DefaultSessionCap)
	proxy := recorder.NewProxy(session)
	server := &http.Server{Handler: proxy}
	go server.Serve(ln)

	rs := &recordingSession{session: session, listener: ln, server: server}
	a.mu.Lock()
	a.sessions[sessionID] = rs
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "recording",
		"bind_port":  ln.Addr().(*net.TCPAddr).Port,
	})
}

func (a *API) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	a.mu.Lock()
	rs, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	_ = rs.server.Close()

	if rs.session.Count() == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": (&models.NoCapturesError{SessionID: sessionID}).Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "captures": rs.session.Count()})
}

func (a *API) handleGenerateFromRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	serviceName := r.URL.Query().Get("service_name")
	a.mu.Lock()
	rs, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	def := recorder.Synthesize(serviceName, rs.session)
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.Events.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, lagged, ok := sub.Next(done)
		if !ok {
			return
		}
		if lagged > 0 {
			_ = conn.WriteJSON(map[string]any{"kind": "Lagged", "dropped": lagged})
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func formatFromContentType(r *http.Request) definitionio.Format {
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		return definitionio.FormatJSON
	}
	return definitionio.FormatYAML
}
