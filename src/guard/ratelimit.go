package guard

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/types"
)

// limitState tracks one key inside a window. The count is only meaningful
// while resetAt is in the future; an expired state is logically zero and is
// lazily reset before being read or incremented. extended records whether
// the window has already been snapped forward by a violation.
type limitState struct {
	count    int
	resetAt  time.Time
	extended bool
}

// Limiter is a fixed-window counter with one deliberate twist: the first
// violation inside a window snaps the reset time forward to now + window, so
// the first denial always buys the full configured cooldown. Later
// violations inside the same window do not extend it again.
type Limiter struct {
	name   string
	max    int
	window time.Duration
	clock  clock.Clock
	lock   *AtomicLock
	states map[string]*limitState
	logger zerolog.Logger
}

// NewLimiter creates a limiter for one dimension (ip, connection, identity
// or channel). max attempts per window must be positive.
func NewLimiter(name string, max int, window time.Duration, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		name:   name,
		max:    max,
		window: window,
		clock:  clk,
		lock:   NewAtomicLock(),
		states: make(map[string]*limitState),
		logger: logger.With().Str("component", "ratelimit").Str("layer", name).Logger(),
	}
}

// Name returns the layer name this limiter was configured with.
func (l *Limiter) Name() string { return l.name }

// Attempt performs a single atomic check-and-record: it admits the request
// and increments the counter, or denies it and reports how long until the
// key becomes available again. Deciding and recording under one lock closes
// the check-then-record race that separate calls would reopen.
func (l *Limiter) Attempt(key string) (bool, time.Duration) {
	var allowed bool
	var retryAfter time.Duration

	ok := l.lock.Synchronized(func() {
		now := l.clock.Now()
		st := l.stateLocked(key, now)
		if st.count < l.max {
			st.count++
			allowed = true
			return
		}
		if !st.extended {
			st.resetAt = now.Add(l.window)
			st.extended = true
		}
		retryAfter = st.resetAt.Sub(now)
	})
	if !ok {
		// Lock budget exhausted under extreme contention. Admit rather
		// than stall the hot path.
		l.logger.Warn().Str("key", key).Msg("lock contention, admitting without count")
		return true, 0
	}
	return allowed, retryAfter
}

// TooManyAttempts reports whether key is currently over its limit, without
// recording an attempt.
func (l *Limiter) TooManyAttempts(key string) bool {
	over := false
	l.lock.Synchronized(func() {
		now := l.clock.Now()
		st := l.stateLocked(key, now)
		if st.count >= l.max {
			over = true
			if !st.extended {
				st.resetAt = now.Add(l.window)
				st.extended = true
			}
		}
	})
	return over
}

// AvailableIn returns the time until key may attempt again. Zero when the
// key is under its limit.
func (l *Limiter) AvailableIn(key string) time.Duration {
	var d time.Duration
	l.lock.Synchronized(func() {
		now := l.clock.Now()
		st := l.stateLocked(key, now)
		if st.count >= l.max {
			d = st.resetAt.Sub(now)
		}
	})
	return d
}

// Remaining returns how many attempts key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	remaining := l.max
	l.lock.Synchronized(func() {
		st := l.stateLocked(key, l.clock.Now())
		remaining = l.max - st.count
		if remaining < 0 {
			remaining = 0
		}
	})
	return remaining
}

// Clear forgets all state for key.
func (l *Limiter) Clear(key string) {
	l.lock.Synchronized(func() {
		delete(l.states, key)
	})
}

// Sweep evicts expired keys to bound memory. Safe to call periodically from
// a background goroutine.
func (l *Limiter) Sweep() {
	l.lock.Synchronized(func() {
		now := l.clock.Now()
		for key, st := range l.states {
			if !now.Before(st.resetAt) {
				delete(l.states, key)
			}
		}
	})
}

// stateLocked returns the live state for key, lazily resetting it when the
// window has expired. Callers must hold the lock.
func (l *Limiter) stateLocked(key string, now time.Time) *limitState {
	st, ok := l.states[key]
	if !ok || !now.Before(st.resetAt) {
		st = &limitState{resetAt: now.Add(l.window)}
		l.states[key] = st
	}
	return st
}

// LimitRequest carries the dimensions a multi-layer check evaluates. Layers
// whose dimension is empty are skipped.
type LimitRequest struct {
	IP           string
	ConnectionID string
	Identity     string
	Channel      string
}

// MultiLimiter composes independently configured layers. A request passes
// only if every applicable layer admits it; the first failing layer
// determines the reported retry-after.
type MultiLimiter struct {
	layers []*Limiter
}

// NewMultiLimiter composes the given layers in evaluation order.
func NewMultiLimiter(layers ...*Limiter) *MultiLimiter {
	return &MultiLimiter{layers: layers}
}

// Layer returns the named layer, or nil.
func (m *MultiLimiter) Layer(name string) *Limiter {
	for _, l := range m.layers {
		if l.name == name {
			return l
		}
	}
	return nil
}

// Allow checks every layer against req. It returns a *types.RateLimitedError
// for the first layer that denies.
func (m *MultiLimiter) Allow(req LimitRequest) error {
	for _, layer := range m.layers {
		key := req.keyFor(layer.name)
		if key == "" {
			continue
		}
		if ok, retryAfter := layer.Attempt(key); !ok {
			return &types.RateLimitedError{
				Layer:      layer.name,
				Key:        key,
				RetryAfter: retryAfter,
			}
		}
	}
	return nil
}

// Standard layer names.
const (
	LayerIP         = "ip"
	LayerConnection = "connection"
	LayerIdentity   = "identity"
	LayerChannel    = "channel"
)

func (r LimitRequest) keyFor(layer string) string {
	switch layer {
	case LayerIP:
		return r.IP
	case LayerConnection:
		return r.ConnectionID
	case LayerIdentity:
		return r.Identity
	case LayerChannel:
		return r.Channel
	default:
		return ""
	}
}
