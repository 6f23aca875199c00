package pipeline

import (
	"fmt"
	"strings"
	"sync"
)

// Fixed priorities for the built-in categories. Lower runs first: cheap
// checks with high rejection rates come before expensive ones.
const (
	PrioritySecurity = 10
	PriorityIPAllow  = 20
	PriorityAbuse    = 30
	PriorityThrottle = 40
	PriorityAuth     = 50
	PriorityRole     = 60
	PriorityBusiness = 70
	// PriorityDefault applies to middleware registered without an
	// explicit priority; they run last.
	PriorityDefault = 1000
)

// Factory builds a middleware instance from the arguments of its spec
// ("throttle:10,60" yields args ["10", "60"]).
type Factory func(args []string) (Middleware, error)

// Registry maps middleware names to factories and priorities. It replaces
// dynamic class-name resolution with a closed dispatch table.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	priorities map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		priorities: make(map[string]int),
	}
}

// Register installs a factory under name with an explicit priority.
func (r *Registry) Register(name string, priority int, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.priorities[name] = priority
}

// RegisterDefault installs a factory that runs after every prioritized step.
func (r *Registry) RegisterDefault(name string, factory Factory) {
	r.Register(name, PriorityDefault, factory)
}

// Priority returns the priority registered for name.
func (r *Registry) Priority(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.priorities[name]
	return p, ok
}

type step struct {
	name     string
	priority int
	mw       Middleware
}

// resolveAll turns specs into instantiated steps, preserving declaration
// order for equal priorities.
func (r *Registry) resolveAll(specs []string) ([]step, error) {
	steps := make([]step, 0, len(specs))
	for _, spec := range specs {
		name, args := parseSpec(spec)
		r.mu.RLock()
		factory, ok := r.factories[name]
		priority := r.priorities[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		mw, err := factory(args)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", name, err)
		}
		steps = append(steps, step{name: name, priority: priority, mw: mw})
	}
	return steps, nil
}

// parseSpec splits "name:arg1,arg2" into its name and argument list.
func parseSpec(spec string) (string, []string) {
	name, rest, found := strings.Cut(spec, ":")
	if !found || rest == "" {
		return name, nil
	}
	args := strings.Split(rest, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return name, args
}
