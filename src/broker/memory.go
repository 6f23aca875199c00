package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalmesh/realtime/src/types"
)

// MemoryBus is a process-local message bus for standalone deployments and
// tests. Each participant takes its own Strategy off the bus; like the
// Redis envelope, the bus stamps every publish with the originating
// instance so a participant never consumes its own messages.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int64]*memorySub
	nextID int64
}

type memoryEnvelope struct {
	instanceID string
	channel    string
	msg        types.Message
}

type memorySub struct {
	pattern string
	ch      chan memoryEnvelope
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int64]*memorySub)}
}

// Strategy returns a new participant handle with its own instance identity.
func (b *MemoryBus) Strategy() *MemoryStrategy {
	return &MemoryStrategy{bus: b, instanceID: uuid.New().String()}
}

func (b *MemoryBus) publish(instanceID, channel string, msg types.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	env := memoryEnvelope{instanceID: instanceID, channel: channel, msg: msg}
	for _, sub := range b.subs {
		if !matchPattern(sub.pattern, channel) {
			continue
		}
		// A subscriber with a full buffer misses the message rather
		// than blocking the publisher.
		select {
		case sub.ch <- env:
		default:
		}
	}
}

func (b *MemoryBus) add(pattern string) (int64, *memorySub) {
	sub := &memorySub{pattern: pattern, ch: make(chan memoryEnvelope, 256)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = sub
	return b.nextID, sub
}

func (b *MemoryBus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// MemoryStrategy is one participant's handle on a MemoryBus.
type MemoryStrategy struct {
	bus        *MemoryBus
	instanceID string
}

// NewMemoryStrategy creates a strategy on its own private bus, for
// single-node use where no cross-process traffic exists.
func NewMemoryStrategy() *MemoryStrategy {
	return NewMemoryBus().Strategy()
}

// Name returns the canonical strategy name.
func (s *MemoryStrategy) Name() string { return "memory" }

// Supports matches the canonical name and the "local" alias.
func (s *MemoryStrategy) Supports(name string) bool {
	return name == "memory" || name == "local"
}

// InstanceID returns this participant's identity on the bus.
func (s *MemoryStrategy) InstanceID() string { return s.instanceID }

// Publish delivers msg to every other participant whose pattern matches.
func (s *MemoryStrategy) Publish(_ context.Context, channel string, msg types.Message) error {
	s.bus.publish(s.instanceID, channel, msg)
	return nil
}

// Subscribe consumes matching messages from other participants until
// running flips false or ctx is done. The in-process transport cannot lose
// its connection, so no backoff is involved.
func (s *MemoryStrategy) Subscribe(ctx context.Context, pattern string, onMessage OnMessage, running func() bool) error {
	id, sub := s.bus.add(pattern)
	defer s.bus.remove(id)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case env := <-sub.ch:
			if env.instanceID != s.instanceID {
				onMessage(env.msg.Channel, env.msg.Event, env.msg.Payload)
			}
			if !running() {
				return nil
			}
		case <-ticker.C:
			if !running() {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
