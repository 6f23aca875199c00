// Package pipeline executes named middleware chains around channel
// authorization callbacks. Steps run in priority order, cheap high-rejection
// checks first, and the first rejection short-circuits the rest. Any panic
// inside a step is absorbed into a deny verdict: authorization fails closed.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/types"
)

// Request is the subject of an authorization decision.
type Request struct {
	ConnectionID string
	Identity     string
	RemoteIP     string
	Channel      string
	// Params are path parameters extracted from the channel route pattern.
	Params map[string]string
	// Attributes carry caller-supplied facts about the connection
	// (roles, verified/premium flags) consumed by business middleware.
	Attributes map[string]any
}

// Next advances the chain. A middleware that wants the request to proceed
// calls next; returning false without calling it rejects the request.
type Next func(*Request) bool

// Middleware is the single capability every step implements.
type Middleware interface {
	Handle(req *Request, next Next) bool
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(req *Request, next Next) bool

func (f MiddlewareFunc) Handle(req *Request, next Next) bool { return f(req, next) }

// Pipeline resolves middleware specs through a registry and runs them in
// priority order around a terminal callback.
type Pipeline struct {
	registry *Registry
	cache    *VerdictCache
	logger   zerolog.Logger
}

// New creates a pipeline. cache may be nil to disable verdict caching.
func New(registry *Registry, cache *VerdictCache, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		cache:    cache,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Authorize runs the middleware named by specs (each "name" or
// "name:arg1,arg2") and then terminal. Steps execute in priority order, not
// declaration order. An unresolvable spec, a rejection, or a fault in any
// step yields false; terminal only runs if every step passed the request on.
func (p *Pipeline) Authorize(specs []string, req *Request, terminal Next) bool {
	if p.cache != nil {
		if verdict, ok := p.cache.Get(specs, req); ok {
			return verdict
		}
	}

	steps, err := p.registry.resolveAll(specs)
	if err != nil {
		p.logger.Error().Err(err).Strs("middleware", specs).Msg("middleware resolution failed")
		return false
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

	var run func(i int, r *Request) bool
	run = func(i int, r *Request) bool {
		if i == len(steps) {
			return p.invoke("terminal", func() bool { return terminal(r) })
		}
		step := steps[i]
		return p.invoke(step.name, func() bool {
			return step.mw.Handle(r, func(next *Request) bool { return run(i+1, next) })
		})
	}

	verdict := run(0, req)
	if p.cache != nil {
		p.cache.Put(specs, req, verdict)
	}
	return verdict
}

// invoke runs one step and converts a panic into a deny verdict.
func (p *Pipeline) invoke(name string, fn func() bool) (verdict bool) {
	defer func() {
		if r := recover(); r != nil {
			fault := &types.MiddlewareFaultError{Middleware: name, Err: fmt.Errorf("%v", r)}
			p.logger.Error().Err(fault).Msg("middleware fault, request denied")
			verdict = false
		}
	}()
	return fn()
}
