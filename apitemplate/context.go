package apitemplate

import (
	"encoding/json"
	"math/rand"
	"time"

	"apisim/models"
)

// StateReader is the read-only view of the state store (C4) the template
// engine is given. It never mutates; mutation goes through Mutator.
type StateReader interface {
	Read(key string) (any, bool)
}

// StateMutator lets the `incr` helper and equivalent constructs apply an
// atomic read-modify-write to a single state key.
type StateMutator interface {
	Mutate(key string, reduce func(current any) any) any
}

// Context bundles everything Render needs: the request, a read-only state
// view, an optional mutator (nil renders are still deterministic; `incr`
// without a mutator is a StateConflict RenderError), and the server's
// predefined variables.
type Context struct {
	Request        *models.RequestContext
	State          StateReader
	Mutator        StateMutator
	Now            time.Time
	ServiceName    string
	ServiceVersion string

	bodyJSON    any
	bodyParsed  bool
	rng         *rand.Rand
}

func (c *Context) rand() *rand.Rand {
	if c.rng == nil {
		seed := int64(0)
		if c.Request != nil {
			for _, b := range []byte(c.Request.RequestID) {
				seed = seed*31 + int64(b)
			}
		}
		c.rng = rand.New(rand.NewSource(seed))
	}
	return c.rng
}

func (c *Context) parsedBody() (any, bool) {
	if c.bodyParsed {
		return c.bodyJSON, c.bodyJSON != nil
	}
	c.bodyParsed = true
	if c.Request == nil || len(c.Request.Body) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(c.Request.Body, &v); err != nil {
		return nil, false
	}
	c.bodyJSON = v
	return v, true
}

// evalContext adds the per-render scope stack (current `{{#each}}` item and
// index) on top of the immutable Context.
type evalContext struct {
	base  *Context
	scope []scopeFrame
}

type scopeFrame struct {
	item  any
	index int
}

func (ec *evalContext) top() (scopeFrame, bool) {
	if len(ec.scope) == 0 {
		return scopeFrame{}, false
	}
	return ec.scope[len(ec.scope)-1], true
}
