package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/types"
)

// Authorizer decides whether a subscription request may join the channel.
type Authorizer func(conn *Connection, params map[string]string) bool

// Channel owns the set of connections subscribed to one channel name and
// performs local fan-out. Channels are created lazily on first reference
// and live for the coordinator's lifetime; an empty channel persists so its
// resolved authorizer is not re-resolved on the next subscription.
type Channel struct {
	name       string
	middleware []string
	authorize  Authorizer
	params     map[string]string

	mu          sync.RWMutex
	subscribers map[string]*Connection
	logger      zerolog.Logger
}

func newChannel(name string, logger zerolog.Logger) *Channel {
	return &Channel{
		name:        name,
		subscribers: make(map[string]*Connection),
		logger:      logger.With().Str("channel", name).Logger(),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Middleware returns the middleware specs declared for this channel's route.
func (ch *Channel) Middleware() []string { return ch.middleware }

// Params returns the path parameters captured from the route pattern.
func (ch *Channel) Params() map[string]string { return ch.params }

// Len returns the current subscriber count.
func (ch *Channel) Len() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers)
}

// Subscribers returns the ids of the subscribed connections.
func (ch *Channel) Subscribers() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether the connection id is subscribed.
func (ch *Channel) Has(connectionID string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, ok := ch.subscribers[connectionID]
	return ok
}

func (ch *Channel) add(conn *Connection) {
	ch.mu.Lock()
	ch.subscribers[conn.ID] = conn
	ch.mu.Unlock()
	conn.addChannel(ch.name)
}

func (ch *Channel) remove(connectionID string) bool {
	ch.mu.Lock()
	conn, ok := ch.subscribers[connectionID]
	if ok {
		delete(ch.subscribers, connectionID)
	}
	ch.mu.Unlock()
	if ok {
		conn.removeChannel(ch.name)
	}
	return ok
}

// Broadcast fans msg out to every subscriber. A subscriber with a full send
// buffer is skipped rather than blocking the rest of the fan-out.
func (ch *Channel) Broadcast(msg types.Message) int {
	ch.mu.RLock()
	conns := make([]*Connection, 0, len(ch.subscribers))
	for _, conn := range ch.subscribers {
		conns = append(conns, conn)
	}
	ch.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		select {
		case conn.Send <- msg:
			delivered++
		default:
			ch.logger.Warn().Str("connection_id", conn.ID).Msg("send buffer full, dropping")
		}
	}
	return delivered
}
