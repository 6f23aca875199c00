package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to the immediate caller.
var (
	// ErrConnectionNotFound is returned by direct sends to an unknown
	// connection id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSubscriptionDenied is returned when the authorization pipeline
	// rejects a subscription request.
	ErrSubscriptionDenied = errors.New("subscription denied")
)

// ValidationError reports a malformed channel or event name. It is returned
// before any side effect has taken place.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// RateLimitedError is returned when a rate-limit layer denies a request.
// RetryAfter is how long the caller should wait before retrying.
type RateLimitedError struct {
	Layer      string
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s layer (key %s), retry after %s", e.Layer, e.Key, e.RetryAfter)
}

// BlockedError is returned when a source is denied by the DDoS guard or an
// IP filter. It carries no retry-after; the caller should not retry soon.
type BlockedError struct {
	Source string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("source %s blocked: %s", e.Source, e.Reason)
}

// SendBufferFullError is returned when a direct send is dropped because
// the connection's outbound buffer is full.
type SendBufferFullError struct {
	ConnectionID string
}

func (e *SendBufferFullError) Error() string {
	return fmt.Sprintf("connection %s send buffer full", e.ConnectionID)
}

// BrokerUnavailableError wraps a failed broker publish. It is always
// non-fatal: callers log it and continue with local delivery.
type BrokerUnavailableError struct {
	Broker string
	Err    error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker %s unavailable: %v", e.Broker, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// MiddlewareFaultError records a panic or error raised inside a middleware
// step. The pipeline converts every fault into a deny verdict.
type MiddlewareFaultError struct {
	Middleware string
	Err        error
}

func (e *MiddlewareFaultError) Error() string {
	return fmt.Sprintf("middleware %s fault: %v", e.Middleware, e.Err)
}

func (e *MiddlewareFaultError) Unwrap() error { return e.Err }
