package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/broker"
	"github.com/signalmesh/realtime/src/guard"
	"github.com/signalmesh/realtime/src/pipeline"
	"github.com/signalmesh/realtime/src/routes"
	"github.com/signalmesh/realtime/src/types"
)

const brokerPublishTimeout = 5 * time.Second

// Coordinator owns the connection and channel registries and orchestrates
// broadcast delivery: local fan-out always, broker publish when a broker is
// configured. Local delivery has strong guarantees; the cross-process leg is
// best-effort and its failure never blocks local subscribers.
type Coordinator struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	channels    map[string]*Channel

	register   chan *Connection
	unregister chan *Connection
	incoming   chan types.Message
	done       chan struct{}

	handlers  map[string]types.MessageHandler
	onConnect []func(string)
	onDisconn []func(string)

	routes    *routes.Registry
	pipeline  *pipeline.Pipeline
	limiter   *guard.MultiLimiter
	protector *guard.AbuseProtector
	broker    broker.Strategy
	metrics   *Metrics
	validate  bool

	running atomic.Bool
	logger  zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRoutes supplies the channel route declarations used to resolve
// authorizers.
func WithRoutes(r *routes.Registry) Option {
	return func(c *Coordinator) { c.routes = r }
}

// WithPipeline supplies the authorization middleware pipeline.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(c *Coordinator) { c.pipeline = p }
}

// WithLimiter supplies the multi-layer rate limiter.
func WithLimiter(l *guard.MultiLimiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithProtector supplies the DDoS guard consulted on transport accept.
func WithProtector(p *guard.AbuseProtector) Option {
	return func(c *Coordinator) { c.protector = p }
}

// WithBroker attaches a cross-process broker strategy.
func WithBroker(s broker.Strategy) Option {
	return func(c *Coordinator) { c.broker = s }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithValidation toggles channel/event name validation on broadcast and
// subscribe.
func WithValidation(enabled bool) Option {
	return func(c *Coordinator) { c.validate = enabled }
}

// New creates a coordinator. Call Run in a goroutine to start the lifecycle
// loop.
func New(logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		connections: make(map[string]*Connection),
		channels:    make(map[string]*Channel),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		incoming:    make(chan types.Message, 256),
		done:        make(chan struct{}),
		handlers:    make(map[string]types.MessageHandler),
		validate:    true,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// The coordinator accepts work from construction. Broker consume loops
	// use the running predicate as their termination signal, so it must be
	// true before any worker goroutine observes it; only Stop flips it.
	c.running.Store(true)
	return c
}

// Run drains the lifecycle event loop. Call in a goroutine.
func (c *Coordinator) Run() {
	for {
		select {
		case conn := <-c.register:
			c.addConnection(conn)
		case conn := <-c.unregister:
			c.removeConnection(conn)
		case msg := <-c.incoming:
			c.handleIncoming(msg)
		case <-c.done:
			return
		}
	}
}

// Stop halts the event loop and flips the running predicate consumed by
// broker subscribe loops.
func (c *Coordinator) Stop() {
	c.running.Store(false)
	close(c.done)
}

// Running reports whether the coordinator accepts work. Broker consume
// loops use it as their termination predicate.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Register queues a connection for registration.
func (c *Coordinator) Register(conn *Connection) {
	c.register <- conn
}

// Unregister queues a connection for removal.
func (c *Coordinator) Unregister(conn *Connection) {
	c.unregister <- conn
}

// RegisterConnection adds a connection to the registry synchronously.
func (c *Coordinator) RegisterConnection(conn *Connection) {
	c.addConnection(conn)
}

// RemoveConnection removes a connection by id, unsubscribing it from every
// channel it was a member of before discarding it.
func (c *Coordinator) RemoveConnection(id string) {
	c.mu.RLock()
	conn, ok := c.connections[id]
	c.mu.RUnlock()
	if ok {
		c.removeConnection(conn)
	}
}

// AdmitSource runs the DDoS guard check-and-record for a new transport
// connection. It returns a *types.BlockedError when the source is denied.
func (c *Coordinator) AdmitSource(ip string) error {
	if c.protector == nil {
		return nil
	}
	if !c.protector.Admit(ip) {
		if c.metrics != nil {
			c.metrics.BlockedTotal.Inc()
		}
		return &types.BlockedError{Source: ip, Reason: "connection velocity exceeded"}
	}
	return nil
}

// Channel returns the channel registered under name, creating it on first
// reference. The same name always yields the same instance for the
// coordinator's lifetime; an emptied channel persists so its authorizer is
// resolved only once.
func (c *Coordinator) Channel(name string) *Channel {
	c.mu.RLock()
	ch, ok := c.channels[name]
	c.mu.RUnlock()
	if ok {
		return ch
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok = c.channels[name]; ok {
		return ch
	}
	ch = newChannel(name, c.logger)
	c.resolveAuthorizer(ch)
	c.channels[name] = ch
	return ch
}

// resolveAuthorizer finds the first matching route declaration for the
// channel and captures its middleware list, params, and authorization
// callback. A channel with no declaration is open.
func (c *Coordinator) resolveAuthorizer(ch *Channel) {
	if c.routes == nil {
		return
	}
	m := c.routes.Match(ch.name)
	if m == nil {
		return
	}
	ch.middleware = m.Declaration.Middleware
	ch.params = m.Params
	if authorize := m.Declaration.Authorize; authorize != nil {
		ch.authorize = func(conn *Connection, params map[string]string) bool {
			return authorize(conn.ID, conn.UserID, params)
		}
	}
}

// Subscribe runs the channel's middleware pipeline and, on pass, registers
// the connection as a subscriber.
func (c *Coordinator) Subscribe(connectionID, channelName string) error {
	if c.validate {
		if err := ValidateChannelName(channelName); err != nil {
			return err
		}
	}
	c.mu.RLock()
	conn, ok := c.connections[connectionID]
	c.mu.RUnlock()
	if !ok {
		return types.ErrConnectionNotFound
	}

	ch := c.Channel(channelName)
	if !c.authorized(conn, ch) {
		return types.ErrSubscriptionDenied
	}

	ch.add(conn)
	c.logger.Debug().
		Str("connection_id", connectionID).
		Str("channel", channelName).
		Msg("subscribed")
	return nil
}

func (c *Coordinator) authorized(conn *Connection, ch *Channel) bool {
	terminal := func(*pipeline.Request) bool {
		if ch.authorize == nil {
			return true
		}
		return ch.authorize(conn, ch.params)
	}
	if c.pipeline == nil || len(ch.middleware) == 0 {
		return terminal(nil)
	}
	req := &pipeline.Request{
		ConnectionID: conn.ID,
		Identity:     conn.UserID,
		RemoteIP:     conn.RemoteIP(),
		Channel:      ch.name,
		Params:       ch.params,
		Attributes:   conn.Attributes(),
	}
	return c.pipeline.Authorize(ch.middleware, req, terminal)
}

// Unsubscribe removes the connection from the channel. The channel object
// itself persists even when it becomes empty.
func (c *Coordinator) Unsubscribe(connectionID, channelName string) bool {
	c.mu.RLock()
	ch, ok := c.channels[channelName]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return ch.remove(connectionID)
}

// Broadcast validates the message, applies the channel-layer rate limit,
// fans out to local subscribers, and publishes to the broker when one is
// configured. A broker failure is logged and swallowed: local subscribers
// receive the message regardless.
func (c *Coordinator) Broadcast(channel, event string, payload map[string]any) error {
	return c.broadcast(channel, event, payload, true)
}

// BroadcastLocalOnly behaves exactly like Broadcast but never publishes to
// the broker. Broker consumers re-deliver relayed messages through this
// path, which is what keeps a publish from echoing between processes
// forever.
func (c *Coordinator) BroadcastLocalOnly(channel, event string, payload map[string]any) error {
	return c.broadcast(channel, event, payload, false)
}

func (c *Coordinator) broadcast(channel, event string, payload map[string]any, publish bool) error {
	if c.validate {
		if err := ValidateChannelName(channel); err != nil {
			return err
		}
		if err := ValidateEventName(event); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Allow(guard.LimitRequest{Channel: channel}); err != nil {
			if c.metrics != nil {
				c.metrics.RateLimitedTotal.Inc()
			}
			return err
		}
	}

	msg := types.Message{
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	delivered := c.Channel(channel).Broadcast(msg)
	if c.metrics != nil {
		c.metrics.BroadcastsTotal.Inc()
	}
	c.logger.Debug().
		Str("channel", channel).
		Str("event", event).
		Int("delivered", delivered).
		Msg("broadcast")

	if publish && c.broker != nil {
		c.publishToBroker(channel, msg)
	}
	return nil
}

// publishToBroker runs the best-effort cross-process leg. Errors are fully
// absorbed here.
func (c *Coordinator) publishToBroker(channel string, msg types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerPublishTimeout)
	defer cancel()
	if err := c.broker.Publish(ctx, channel, msg); err != nil {
		if c.metrics != nil {
			c.metrics.BrokerPublishFailures.Inc()
		}
		c.logger.Error().Err(err).Str("channel", channel).Msg("broker publish failed")
	}
}

// Send delivers directly to one connection, bypassing channels.
func (c *Coordinator) Send(connectionID, event string, payload map[string]any) error {
	if c.validate {
		if err := ValidateEventName(event); err != nil {
			return err
		}
	}
	c.mu.RLock()
	conn, ok := c.connections[connectionID]
	c.mu.RUnlock()
	if !ok {
		return types.ErrConnectionNotFound
	}

	msg := types.Message{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	select {
	case conn.Send <- msg:
		if c.metrics != nil {
			c.metrics.DirectSendsTotal.Inc()
		}
		return nil
	default:
		return &types.SendBufferFullError{ConnectionID: connectionID}
	}
}

// ConsumeBroker runs the broker consume loop until ctx is done or the
// coordinator stops. Relayed messages are re-delivered locally only.
// Intended for a long-lived worker goroutine.
func (c *Coordinator) ConsumeBroker(ctx context.Context, pattern string) error {
	if c.broker == nil {
		return fmt.Errorf("no broker configured")
	}
	onMessage := func(channel, event string, payload map[string]any) {
		if err := c.BroadcastLocalOnly(channel, event, payload); err != nil {
			c.logger.Error().Err(err).Str("channel", channel).Msg("relay delivery failed")
		}
	}
	return c.broker.Subscribe(ctx, pattern, onMessage, c.Running)
}

func (c *Coordinator) addConnection(conn *Connection) {
	c.mu.Lock()
	c.connections[conn.ID] = conn
	count := len(c.connections)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveConnections.Set(float64(count))
	}
	c.logger.Info().Str("connection_id", conn.ID).Msg("connection registered")

	for _, cb := range c.onConnect {
		cb(conn.ID)
	}
}

func (c *Coordinator) removeConnection(conn *Connection) {
	c.mu.Lock()
	if _, ok := c.connections[conn.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.connections, conn.ID)
	count := len(c.connections)
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	// Unsubscribe everywhere before discarding, so no channel keeps a
	// dangling reference.
	for _, ch := range channels {
		ch.remove(conn.ID)
	}

	conn.Close()
	if c.metrics != nil {
		c.metrics.ActiveConnections.Set(float64(count))
	}
	c.logger.Info().Str("connection_id", conn.ID).Msg("connection removed")

	for _, cb := range c.onDisconn {
		cb(conn.ID)
	}
}

func (c *Coordinator) handleIncoming(msg types.Message) {
	c.mu.RLock()
	handler, ok := c.handlers[msg.Channel]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug().Str("channel", msg.Channel).Msg("no handler")
		return
	}
	if err := handler(msg.ConnectionID, msg); err != nil {
		c.logger.Error().Err(err).Str("channel", msg.Channel).Msg("handler error")
	}
}
