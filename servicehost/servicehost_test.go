package servicehost

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/models"
	"apisim/pipeline"
	"apisim/router"
	"apisim/statestore"
)

type noopPublisher struct{}

func (noopPublisher) Publish(models.RequestLog) {}

func TestHostStartServeShutdown(t *testing.T) {
	def := &models.ServiceDefinition{
		Name: "orders",
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/orders", Responses: []models.ResponseRule{{Status: 200, Body: `{"ok":true}`}}},
		},
	}
	p := pipeline.New("orders", "v1", def, router.New(def), statestore.New(), noopPublisher{})
	h := New("orders", p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, h.Start(ln, def))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	}()

	actual, _ := h.Status()
	assert.Equal(t, models.ActualRunning, actual)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/orders", h.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHostShutdownTransitionsToStopped(t *testing.T) {
	def := &models.ServiceDefinition{Name: "orders"}
	p := pipeline.New("orders", "v1", def, router.New(def), statestore.New(), noopPublisher{})
	h := New("orders", p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, h.Start(ln, def))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	actual, _ := h.Status()
	assert.Equal(t, models.ActualStopped, actual)
}

func TestWriteTimeoutExceedsMaxResponseDelay(t *testing.T) {
	// A ResponseRule's delay_ms is capped at 60s (maxResponseDelay); the
	// server's WriteTimeout must exceed that cap with room to spare, or a
	// spec-legal delay gets the connection killed before the handler ever
	// writes a byte.
	assert.Greater(t, writeTimeout, maxResponseDelay)

	def := &models.ServiceDefinition{
		Name: "slow",
		Endpoints: []models.Endpoint{
			{Method: "GET", Path: "/slow", Responses: []models.ResponseRule{{Status: 200, Body: `{}`, DelayMs: 50}}},
		},
	}
	p := pipeline.New("slow", "v1", def, router.New(def), statestore.New(), noopPublisher{})
	h := New("slow", p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, h.Start(ln, def))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	}()

	require.Equal(t, writeTimeout, h.server.WriteTimeout)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/slow", h.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
