package pipeline

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/models"
	"apisim/router"
	"apisim/statestore"
)

type recordingPublisher struct {
	logs []models.RequestLog
}

func (p *recordingPublisher) Publish(log models.RequestLog) {
	p.logs = append(p.logs, log)
}

func newPipeline(def *models.ServiceDefinition) (*Pipeline, *recordingPublisher) {
	pub := &recordingPublisher{}
	p := New("orders", "v1", def, router.New(def), statestore.New(), pub)
	return p, pub
}

func TestPipelineMatchedRequestRenders(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{ID: "get-order", Method: "GET", Path: "/orders/:id", Responses: []models.ResponseRule{
				{Status: 200, ContentType: "application/json", Body: `{"id":"{{params.id}}"}`},
			}},
		},
	}
	p, pub := newPipeline(def)

	req := httptest.NewRequest("GET", "/orders/42", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"id":"42"}`, rec.Body.String())
	require.Len(t, pub.logs, 1)
	assert.Equal(t, 200, pub.logs[0].Status)
}

func TestPipelineNoMatchIs404(t *testing.T) {
	def := &models.ServiceDefinition{Name: "orders"}
	p, pub := newPipeline(def)

	req := httptest.NewRequest("GET", "/missing", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "RouteNotFound", rec.Header().Get("X-Simulator-Error-Kind"))
	require.Len(t, pub.logs, 1)
	assert.Equal(t, "RouteNotFound", pub.logs[0].ErrorKind)
}

func TestPipelineMethodNotAllowedSetsAllowHeader(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/orders", Responses: []models.ResponseRule{{Status: 200, Body: "{}"}}},
		},
	}
	p, _ := newPipeline(def)

	req := httptest.NewRequest("DELETE", "/orders", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 405, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestPipelineScenarioSelectsRule(t *testing.T) {
	def := &models.ServiceDefinition{
		Name:      "orders",
		Scenarios: []models.Scenario{{Name: "empty"}},
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/orders", Responses: []models.ResponseRule{
				{Status: 200, Body: `{"mode":"default"}`},
				{Scenario: "empty", Status: 200, Body: `{"mode":"empty"}`},
			}},
		},
	}
	p, _ := newPipeline(def)
	p.SetScenario("empty")

	req := httptest.NewRequest("GET", "/orders", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.JSONEq(t, `{"mode":"empty"}`, rec.Body.String())
}

func TestPipelineBodyTooLargeIs413(t *testing.T) {
	def := &models.ServiceDefinition{Name: "orders"}
	p, _ := newPipeline(def)
	p.MaxBodyBytes = 4

	req := httptest.NewRequest("POST", "/orders", bytes.NewReader(make([]byte, 100)))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 413, rec.Code)
}

func TestPipelineUnknownHelperRenderErrorIs500(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/orders", Responses: []models.ResponseRule{
				{Status: 200, Body: `{{unknown-helper}}`},
			}},
		},
	}
	p, pub := newPipeline(def)

	req := httptest.NewRequest("GET", "/orders", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "RenderError", rec.Header().Get("X-Simulator-Error-Kind"))
	require.Len(t, pub.logs, 1)
}

func TestPipelineStateMutationAppliedAfterRenderByDefault(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{Method: "POST", Path: "/orders", Responses: []models.ResponseRule{
				{Status: 200, Body: `{{state.counter}}`, StateMutation: &models.StateMutation{
					Key: "counter", Op: models.MutateIncr,
				}},
			}},
		},
	}
	p, _ := newPipeline(def)

	req := httptest.NewRequest("POST", "/orders", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	// template observed pre-mutation state (empty store => counter absent)
	assert.Equal(t, "", rec.Body.String())

	v, ok := p.State.Read("counter")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestPipelineCancellationLogs499(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/slow", Responses: []models.ResponseRule{
				{Status: 200, Body: "{}", DelayMs: 5000},
			}},
		},
	}
	p, pub := newPipeline(def)

	req := httptest.NewRequest("GET", "/slow", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	p.ServeHTTP(rec, req)

	require.Len(t, pub.logs, 1)
	assert.Equal(t, 499, pub.logs[0].Status)
}
