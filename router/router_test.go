package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/models"
)

func def() *models.ServiceDefinition {
	return &models.ServiceDefinition{
		Endpoints: []models.Endpoint{
			{ID: "get-order", Method: "GET", Path: "/orders/:id"},
			{ID: "list-orders", Method: "GET", Path: "/orders"},
			{ID: "post-order", Method: "POST", Path: "/orders"},
			{ID: "get-literal", Method: "GET", Path: "/orders/pending"},
		},
	}
}

func TestRouteMatch(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("GET", "/orders/42")
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, "get-order", res.EndpointID)
	assert.Equal(t, "42", res.PathParams["id"])
}

func TestRouteLiteralBeatsParam(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("GET", "/orders/pending")
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, "get-literal", res.EndpointID)
}

func TestRouteMethodNotAllowed(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("DELETE", "/orders")
	require.Equal(t, MethodNotAllowed, res.Outcome)
	assert.ElementsMatch(t, []string{"GET", "POST"}, res.Allow)
}

func TestRouteNoMatch(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("GET", "/widgets")
	assert.Equal(t, NoMatch, res.Outcome)
}

func TestRouteTrailingSlashAndDuplicateSlashNormalized(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("GET", "/orders//42/")
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, "42", res.PathParams["id"])
}

func TestRouteBasePathStripped(t *testing.T) {
	d := def()
	d.Server.BasePath = "/api/v1"
	tbl := New(d)
	res := tbl.Route("GET", "/api/v1/orders/7")
	require.Equal(t, Matched, res.Outcome)

	res = tbl.Route("GET", "/orders/7")
	assert.Equal(t, NoMatch, res.Outcome)
}

func TestRouteRejectsNulByte(t *testing.T) {
	tbl := New(def())
	res := tbl.Route("GET", "/orders/\x00")
	assert.Equal(t, NoMatch, res.Outcome)
}
