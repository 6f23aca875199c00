// Package broker fans broadcasts out to other server processes. One
// Strategy exists per backend technology; the coordinator treats every
// publish as best-effort and every consume loop as a long-lived worker that
// survives any single failure.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/signalmesh/realtime/src/types"
)

// OnMessage receives each inbound cross-process message. Consumers wire it
// to the coordinator's local-only broadcast, never to the publishing
// broadcast, so a relayed message is never re-published.
type OnMessage func(channel, event string, payload map[string]any)

// Strategy is the contract a broker backend implements.
type Strategy interface {
	// Publish delivers msg to every other process subscribed to channel.
	// Failures are reported to the caller, who logs and continues.
	Publish(ctx context.Context, channel string, msg types.Message) error

	// Subscribe runs an indefinite consume loop for the given channel
	// pattern. It reconnects with bounded exponential backoff on
	// connection loss and returns nil only once running reports false or
	// ctx is done. Intended for a long-lived worker goroutine, never a
	// request path.
	Subscribe(ctx context.Context, pattern string, onMessage OnMessage, running func() bool) error

	// Name returns the canonical strategy name.
	Name() string

	// Supports reports whether name is the canonical name or a known
	// alias of this strategy.
	Supports(name string) bool
}

// Registry resolves configured broker names to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a strategy. Later registrations do not shadow earlier ones.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
}

// Resolve returns the first strategy whose canonical name or alias matches.
func (r *Registry) Resolve(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.strategies {
		if s.Supports(name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no broker strategy supports %q", name)
}

// matchPattern reports whether a dot-separated channel name matches a
// pattern with an optional trailing * wildcard.
func matchPattern(pattern, channel string) bool {
	if pattern == "*" || pattern == channel {
		return true
	}
	if prefix, found := strings.CutSuffix(pattern, ".*"); found {
		return channel == prefix || strings.HasPrefix(channel, prefix+".")
	}
	return false
}
