package guard

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BlockEntry records a time-boxed block on a source. A source is blocked iff
// an entry exists and Until is still in the future; expired entries are
// evicted lazily on lookup.
type BlockEntry struct {
	Source string
	Until  time.Time
	Reason string
}

// SharedStore lets multiple server processes agree on connection velocity.
// Implementations must be safe for concurrent use.
type SharedStore interface {
	// Incr increments the counter for key, starting a window of the given
	// width when the key is first seen, and returns the new count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ProtectorConfig configures an AbuseProtector.
type ProtectorConfig struct {
	// ConnectionThreshold is the number of connections a source may open
	// inside ConnectionWindow before it gets blocked.
	ConnectionThreshold int
	// ConnectionWindow is the sliding observation window.
	ConnectionWindow time.Duration
	// BlockDuration is how long an automatic block lasts.
	BlockDuration time.Duration
}

// DefaultProtectorConfig returns the default DDoS guard thresholds.
func DefaultProtectorConfig() ProtectorConfig {
	return ProtectorConfig{
		ConnectionThreshold: 20,
		ConnectionWindow:    10 * time.Second,
		BlockDuration:       5 * time.Minute,
	}
}

// AbuseProtector tracks per-source connection velocity over a sliding window
// and issues time-boxed blocks. Sources on trusted (loopback/private)
// networks always pass. When a shared store is configured and fails, the
// protector fails open: a monitoring outage must not become a full outage.
type AbuseProtector struct {
	cfg    ProtectorConfig
	clock  clock.Clock
	lock   *AtomicLock
	filter *IpFilter
	store  SharedStore
	logger zerolog.Logger

	seen   map[string][]time.Time
	blocks map[string]BlockEntry
}

// NewAbuseProtector creates a protector. filter may be nil, in which case
// only the built-in loopback/private bypass applies. store may be nil for
// single-process deployments.
func NewAbuseProtector(cfg ProtectorConfig, filter *IpFilter, store SharedStore, clk clock.Clock, logger zerolog.Logger) *AbuseProtector {
	if clk == nil {
		clk = clock.New()
	}
	return &AbuseProtector{
		cfg:    cfg,
		clock:  clk,
		lock:   NewAtomicLock(),
		filter: filter,
		store:  store,
		logger: logger.With().Str("component", "ddos-guard").Logger(),
		seen:   make(map[string][]time.Time),
		blocks: make(map[string]BlockEntry),
	}
}

// Admit atomically checks and records one observed connection from source.
// It returns false when the source is blocked or when admitting this
// connection would exceed the threshold (in which case the source
// transitions to blocked).
func (p *AbuseProtector) Admit(source string) bool {
	if p.bypass(source) {
		return true
	}
	allowed := true
	ok := p.lock.Synchronized(func() {
		now := p.clock.Now()
		if p.blockedLocked(source, now) {
			allowed = false
			return
		}
		window := p.pruneLocked(source, now)
		window = append(window, now)
		p.seen[source] = window
		if len(window) > p.cfg.ConnectionThreshold {
			p.blockLocked(source, "connection threshold exceeded", p.cfg.BlockDuration, now)
			allowed = false
			return
		}
	})
	if !ok {
		return true
	}
	if !allowed {
		return false
	}
	return p.admitShared(source)
}

// IsAllowed reports whether source would currently be admitted, without
// recording anything. Pair with Admit for the real admission decision.
func (p *AbuseProtector) IsAllowed(source string) bool {
	if p.bypass(source) {
		return true
	}
	allowed := true
	p.lock.Synchronized(func() {
		now := p.clock.Now()
		if p.blockedLocked(source, now) {
			allowed = false
			return
		}
		if len(p.pruneLocked(source, now)) >= p.cfg.ConnectionThreshold {
			allowed = false
		}
	})
	return allowed
}

// Block places an explicit administrative block on source. With no duration
// the configured BlockDuration applies.
func (p *AbuseProtector) Block(source, reason string, duration ...time.Duration) {
	d := p.cfg.BlockDuration
	if len(duration) > 0 {
		d = duration[0]
	}
	p.lock.Synchronized(func() {
		p.blockLocked(source, reason, d, p.clock.Now())
	})
}

// Unblock lifts any block on source and resets its counters.
func (p *AbuseProtector) Unblock(source string) {
	p.lock.Synchronized(func() {
		delete(p.blocks, source)
		delete(p.seen, source)
	})
}

// BlockInfo returns the active block entry for source, if any.
func (p *AbuseProtector) BlockInfo(source string) (BlockEntry, bool) {
	var entry BlockEntry
	found := false
	p.lock.Synchronized(func() {
		now := p.clock.Now()
		if p.blockedLocked(source, now) {
			entry = p.blocks[source]
			found = true
		}
	})
	return entry, found
}

// Sweep evicts expired blocks and stale observation windows. Correctness
// does not depend on it; it only bounds memory.
func (p *AbuseProtector) Sweep() {
	p.lock.Synchronized(func() {
		now := p.clock.Now()
		for source, entry := range p.blocks {
			if !now.Before(entry.Until) {
				delete(p.blocks, source)
			}
		}
		for source := range p.seen {
			if len(p.pruneLocked(source, now)) == 0 {
				delete(p.seen, source)
			}
		}
	})
}

// bypass covers loopback/private sources and explicitly allow-listed IPs.
func (p *AbuseProtector) bypass(source string) bool {
	if IsTrusted(source) {
		return true
	}
	if p.filter == nil {
		return false
	}
	return p.filter.AllowListed(source)
}

// admitShared consults the cross-process counter. Store failures are logged
// and the connection is admitted: fail open, not closed.
func (p *AbuseProtector) admitShared(source string) bool {
	if p.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	count, err := p.store.Incr(ctx, "ddos:"+source, p.cfg.ConnectionWindow)
	if err != nil {
		p.logger.Warn().Err(err).Str("source", source).Msg("shared store unavailable, failing open")
		return true
	}
	if count > int64(p.cfg.ConnectionThreshold) {
		p.lock.Synchronized(func() {
			p.blockLocked(source, "cluster connection threshold exceeded", p.cfg.BlockDuration, p.clock.Now())
		})
		return false
	}
	return true
}

func (p *AbuseProtector) blockedLocked(source string, now time.Time) bool {
	entry, ok := p.blocks[source]
	if !ok {
		return false
	}
	if !now.Before(entry.Until) {
		delete(p.blocks, source)
		delete(p.seen, source)
		return false
	}
	return true
}

func (p *AbuseProtector) blockLocked(source, reason string, d time.Duration, now time.Time) {
	p.blocks[source] = BlockEntry{Source: source, Until: now.Add(d), Reason: reason}
	p.logger.Warn().
		Str("source", source).
		Str("reason", reason).
		Dur("duration", d).
		Msg("source blocked")
}

// pruneLocked drops observations older than the window and returns the rest.
func (p *AbuseProtector) pruneLocked(source string, now time.Time) []time.Time {
	window := p.seen[source]
	cutoff := now.Add(-p.cfg.ConnectionWindow)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(p.seen, source)
		return nil
	}
	p.seen[source] = kept
	return kept
}

// RedisStore implements SharedStore on Redis INCR with a window-wide TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr increments key and sets its expiry on first increment.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}
