package apitemplate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/models"
)

type fakeState struct {
	data map[string]any
}

func (f *fakeState) Read(key string) (any, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeState) Mutate(key string, reduce func(any) any) any {
	if f.data == nil {
		f.data = map[string]any{}
	}
	next := reduce(f.data[key])
	f.data[key] = next
	return next
}

func newCtx(req *models.RequestContext, state *fakeState) *Context {
	return &Context{
		Request:        req,
		State:          state,
		Mutator:        state,
		Now:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ServiceName:    "orders",
		ServiceVersion: "v1",
	}
}

func TestRenderPathExpressions(t *testing.T) {
	req := &models.RequestContext{
		RequestID:   "req-1",
		PathParams:  map[string]string{"id": "42"},
		QueryParams: map[string][]string{"page": {"2"}},
		Headers:     map[string][]string{"X-Trace": {"abc"}},
		Body:        []byte(`{"name":"ada"}`),
	}
	out, err := Render(`id={{params.id}} page={{query.page}} trace={{headers.x-trace}} name={{body.json.name}}`, newCtx(req, &fakeState{}))
	require.NoError(t, err)
	assert.Equal(t, "id=42 page=2 trace=abc name=ada", string(out))
}

func TestRenderMissingPathIsEmptyNotError(t *testing.T) {
	out, err := Render(`[{{params.missing}}]`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestRenderEachAndIndex(t *testing.T) {
	state := &fakeState{data: map[string]any{"items": []any{"a", "b", "c"}}}
	out, err := Render(`{{#each state.items}}{{@index}}:{{this}} {{/each}}`, newCtx(&models.RequestContext{}, state))
	require.NoError(t, err)
	assert.Equal(t, "0:a 1:b 2:c ", string(out))
}

func TestRenderIfElse(t *testing.T) {
	req := &models.RequestContext{QueryParams: map[string][]string{"admin": {"true"}}}
	out, err := Render(`{{#if query.admin}}yes{{else}}no{{/if}}`, newCtx(req, &fakeState{}))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(out))

	out, err = Render(`{{#if query.missing}}yes{{else}}no{{/if}}`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.NoError(t, err)
	assert.Equal(t, "no", string(out))
}

func TestRenderUnknownHelperIsError(t *testing.T) {
	_, err := Render(`{{unknown-helper}}`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.Error(t, err)
	re, ok := err.(*RenderError)
	require.True(t, ok)
	assert.Equal(t, KindUnknownHelper, re.Kind)
	assert.Equal(t, 0, re.Offset)
}

func TestRenderHelperArity(t *testing.T) {
	_, err := Render(`{{random-int 1}}`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.Error(t, err)
	re, ok := err.(*RenderError)
	require.True(t, ok)
	assert.Equal(t, KindArityError, re.Kind)
}

func TestRenderIncrPersistsAcrossCalls(t *testing.T) {
	state := &fakeState{}
	ctx := newCtx(&models.RequestContext{}, state)
	out1, err := Render(`{{incr state.counter}}`, ctx)
	require.NoError(t, err)
	out2, err := Render(`{{incr state.counter}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(out1))
	assert.Equal(t, "2", string(out2))
}

func TestRenderDeterministicPerRequestID(t *testing.T) {
	req := &models.RequestContext{RequestID: "same-id"}
	out1, err := Render(`{{random-int 1 1000000}}`, newCtx(req, &fakeState{}))
	require.NoError(t, err)
	out2, err := Render(`{{random-int 1 1000000}}`, newCtx(req, &fakeState{}))
	require.NoError(t, err)
	assert.Equal(t, string(out1), string(out2))
}

func TestParseUnbalancedBlockIsParseError(t *testing.T) {
	_, err := Render(`{{#each state.items}}no close`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.Error(t, err)
	re, ok := err.(*RenderError)
	require.True(t, ok)
	assert.Equal(t, KindParseError, re.Kind)
}

func TestParseStrayElseIsParseError(t *testing.T) {
	_, err := Render(`{{else}}`, newCtx(&models.RequestContext{}, &fakeState{}))
	require.Error(t, err)
	re, ok := err.(*RenderError)
	require.True(t, ok)
	assert.Equal(t, KindParseError, re.Kind)
}
