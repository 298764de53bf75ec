package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/eventbus"
	"apisim/fleet"
	"apisim/logsink"
	"apisim/models"
)

func newTestAPI() *API {
	events := eventbus.New(64)
	f := fleet.New(events)
	logs := logsink.New(100)
	events.Subscribe() // keep at least one live subscriber around for Publish coverage elsewhere
	return New(f, logs, events)
}

func TestLoadStartStopOverHTTP(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	body := strings.NewReader(`{"name":"orders","server":{"port":"auto"},"endpoints":[{"method":"GET","path":"/orders","responses":[{"status":200,"body":"{}"}]}]}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/services/load", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/services/start?name=orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/services?name=orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/services/stop?name=orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestLoadRejectsInvalidDefinitionWithReport(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	body := strings.NewReader(`{"name":"","server":{"port":"auto"}}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/services/load", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestQueryLogsReturnsEmptyArrayInitially(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/logs?service=orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got []models.RequestLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecordingLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/recording/start?session_id=s1&upstream_url=http://example.invalid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/recording/stop?session_id=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode) // no captures recorded
}

func TestRecordingStartBindsProxyThatCapturesTraffic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/recording/start?session_id=s2&upstream_url=" + upstream.URL + "&bind_port=auto")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	port := int(started["bind_port"].(float64))
	require.NotZero(t, port)

	proxyResp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/widgets/1", port))
	require.NoError(t, err)
	proxyResp.Body.Close()
	assert.Equal(t, http.StatusOK, proxyResp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/recording/stop?session_id=s2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stopped map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopped))
	assert.EqualValues(t, 1, stopped["captures"])
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the Subscribe registration land
	api.Events.Publish(models.RequestLog{ServiceName: "orders", Status: 200})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload map[string]any
	require.NoError(t, conn.ReadJSON(&payload))
	assert.Equal(t, "RequestLog", payload["Kind"])
}
