// Package routes maps channel name patterns to authorization declarations.
// Patterns are dot-separated; a segment written as {name} captures a path
// parameter and a trailing * matches any remainder. Declarations are
// evaluated in registration order and the first match wins.
package routes

import (
	"strings"
	"sync"
)

// Authorizer decides whether the requesting connection may join the channel.
// params holds the values captured by {name} segments.
type Authorizer func(connectionID, identity string, params map[string]string) bool

// Declaration binds a channel pattern to its middleware list and authorizer.
type Declaration struct {
	Pattern    string
	Middleware []string
	Authorize  Authorizer

	segments []string
}

// Match is the result of a successful lookup.
type Match struct {
	Declaration *Declaration
	Params      map[string]string
}

// Registry holds ordered channel route declarations.
type Registry struct {
	mu           sync.RWMutex
	declarations []*Declaration
}

// NewRegistry creates an empty route registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Declare registers a channel route. Declarations are matched
// first-declared-wins; register more specific patterns before catch-alls.
func (r *Registry) Declare(pattern string, middleware []string, authorize Authorizer) *Declaration {
	decl := &Declaration{
		Pattern:    pattern,
		Middleware: middleware,
		Authorize:  authorize,
		segments:   strings.Split(pattern, "."),
	}
	r.mu.Lock()
	r.declarations = append(r.declarations, decl)
	r.mu.Unlock()
	return decl
}

// Match returns the first declaration whose pattern matches name, along
// with any captured parameters, or nil when no declaration matches.
func (r *Registry) Match(name string) *Match {
	segments := strings.Split(name, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, decl := range r.declarations {
		if params, ok := matchSegments(decl.segments, segments); ok {
			return &Match{Declaration: decl, Params: params}
		}
	}
	return nil
}

func matchSegments(pattern, name []string) (map[string]string, bool) {
	params := make(map[string]string)
	for i, seg := range pattern {
		if seg == "*" && i == len(pattern)-1 {
			return params, true
		}
		if i >= len(name) {
			return nil, false
		}
		switch {
		case len(seg) > 1 && seg[0] == '{' && seg[len(seg)-1] == '}':
			params[seg[1:len(seg)-1]] = name[i]
		case seg != name[i]:
			return nil, false
		}
	}
	if len(name) != len(pattern) {
		return nil, false
	}
	return params, true
}
