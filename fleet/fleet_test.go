package fleet

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/eventbus"
	"apisim/models"
)

func ordersDef() *models.ServiceDefinition {
	return &models.ServiceDefinition{
		Name:   "orders",
		Server: models.ServerBlock{Port: "auto"},
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/orders", Responses: []models.ResponseRule{{Status: 200, Body: `{"ok":true}`}}},
		},
	}
}

func TestLoadStartStopLifecycle(t *testing.T) {
	m := New(eventbus.New(0))
	report, err := m.Load(ordersDef(), false)
	require.NoError(t, err)
	require.True(t, report.OK())

	require.NoError(t, m.Start("orders"))
	defer m.Stop("orders")

	st, err := m.Status("orders")
	require.NoError(t, err)
	assert.Equal(t, models.ActualRunning, st.Actual)
	assert.NotZero(t, st.Port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/orders", st.Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	require.NoError(t, m.Stop("orders"))
	st, err = m.Status("orders")
	require.NoError(t, err)
	assert.Equal(t, models.DesiredStopped, st.Desired)
}

func counterDef() *models.ServiceDefinition {
	return &models.ServiceDefinition{
		Name:   "counter",
		Server: models.ServerBlock{Port: "auto"},
		Endpoints: []models.Endpoint{
			{
				Method: "GET",
				Path:   "/count",
				Responses: []models.ResponseRule{{
					Status:        200,
					Body:          `{"n":{{state.n}}}`,
					StateMutation: &models.StateMutation{Key: "n", Op: models.MutateIncr, PreRender: true},
				}},
			},
		},
	}
}

func TestRestartResetsStateEvenWithNoScenarios(t *testing.T) {
	m := New(eventbus.New(0))
	_, err := m.Load(counterDef(), false)
	require.NoError(t, err)

	require.NoError(t, m.Start("counter"))
	st, err := m.Status("counter")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/count", st.Port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"n":1}`, string(body))

	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/count", st.Port))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"n":2}`, string(body))

	require.NoError(t, m.Stop("counter"))
	require.NoError(t, m.Start("counter"))
	defer m.Stop("counter")

	st, err = m.Status("counter")
	require.NoError(t, err)
	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/count", st.Port))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"n":1}`, string(body))
}

func TestLoadRejectsNameConflictWithoutReplace(t *testing.T) {
	m := New(eventbus.New(0))
	_, err := m.Load(ordersDef(), false)
	require.NoError(t, err)

	_, err = m.Load(ordersDef(), false)
	require.Error(t, err)
	_, ok := err.(*models.NameConflictError)
	assert.True(t, ok)
}

func TestStartUnknownServiceErrors(t *testing.T) {
	m := New(eventbus.New(0))
	err := m.Start("ghost")
	require.Error(t, err)
	_, ok := err.(*models.ServiceNotFoundError)
	assert.True(t, ok)
}

func TestSetScenarioRejectsUndefinedScenario(t *testing.T) {
	m := New(eventbus.New(0))
	_, err := m.Load(ordersDef(), false)
	require.NoError(t, err)

	err = m.SetScenario("orders", "does-not-exist")
	require.Error(t, err)
	_, ok := err.(*models.ScenarioNotFoundError)
	assert.True(t, ok)
}

func TestShutdownStopsAllServicesConcurrently(t *testing.T) {
	m := New(eventbus.New(0))
	for i := 0; i < 3; i++ {
		def := ordersDef()
		def.Name = fmt.Sprintf("orders-%d", i)
		_, err := m.Load(def, false)
		require.NoError(t, err)
		require.NoError(t, m.Start(def.Name))
	}

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown did not complete in time")
	}

	for _, st := range m.List() {
		assert.Equal(t, models.DesiredStopped, st.Desired)
	}
}
