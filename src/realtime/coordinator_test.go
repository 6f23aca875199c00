package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/realtime/src/broker"
	"github.com/signalmesh/realtime/src/guard"
	"github.com/signalmesh/realtime/src/pipeline"
	"github.com/signalmesh/realtime/src/routes"
	"github.com/signalmesh/realtime/src/types"
)

// mockConn implements types.Conn without a real transport.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Message
	readCh   chan types.Message
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan types.Message, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := v.(types.Message); ok {
		m.written = append(m.written, msg)
	}
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case msg := <-m.readCh:
		if ptr, ok := v.(*types.Message); ok {
			*ptr = msg
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c := New(zerolog.Nop(), opts...)
	go c.Run()
	t.Cleanup(c.Stop)
	return c
}

// addConn registers a connection synchronously.
func addConn(t *testing.T, c *Coordinator, id string) (*Connection, *mockConn) {
	t.Helper()
	mc := newMockConn()
	conn := NewConnection(id, mc, c)
	c.RegisterConnection(conn)
	return conn, mc
}

// receive pops one delivered message off the connection's send queue.
func receive(t *testing.T, conn *Connection) types.Message {
	t.Helper()
	select {
	case msg := <-conn.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return types.Message{}
	}
}

func assertNoMessage(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case msg := <-conn.Send:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelGetOrCreateIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)

	first := c.Channel("room.1")
	second := c.Channel("room.1")
	assert.Same(t, first, second, "same name must return the identical instance")

	other := c.Channel("room.2")
	assert.NotSame(t, first, other)
}

func TestEmptyChannelPersists(t *testing.T) {
	c := newTestCoordinator(t)
	addConn(t, c, "c1")

	require.NoError(t, c.Subscribe("c1", "room.1"))
	ch := c.Channel("room.1")
	c.Unsubscribe("c1", "room.1")

	assert.Equal(t, 0, ch.Len())
	assert.Same(t, ch, c.Channel("room.1"), "an emptied channel is not recreated")
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	c := newTestCoordinator(t)
	conn1, _ := addConn(t, c, "c1")
	conn2, _ := addConn(t, c, "c2")

	require.NoError(t, c.Subscribe("c1", "updates"))
	require.NoError(t, c.Subscribe("c2", "updates"))

	require.NoError(t, c.Broadcast("updates", "changed", map[string]any{"key": "value"}))

	for _, conn := range []*Connection{conn1, conn2} {
		msg := receive(t, conn)
		assert.Equal(t, "updates", msg.Channel)
		assert.Equal(t, "changed", msg.Event)
		assert.Equal(t, "value", msg.Payload["key"])
	}
}

func TestBroadcastSkipsUnsubscribed(t *testing.T) {
	c := newTestCoordinator(t)
	conn1, _ := addConn(t, c, "c1")
	conn2, _ := addConn(t, c, "c2")

	require.NoError(t, c.Subscribe("c1", "private"))
	require.NoError(t, c.Broadcast("private", "note", nil))

	receive(t, conn1)
	assertNoMessage(t, conn2)
}

func TestBroadcastValidatesNames(t *testing.T) {
	c := newTestCoordinator(t)

	err := c.Broadcast("bad channel name!", "event", nil)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "channel", verr.Field)

	err = c.Broadcast("room.1", "bad event name!", nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event", verr.Field)
}

// With no broker configured, Broadcast and BroadcastLocalOnly are
// indistinguishable.
func TestBroadcastWithoutBrokerEqualsLocalOnly(t *testing.T) {
	c := newTestCoordinator(t)
	conn, _ := addConn(t, c, "c1")
	require.NoError(t, c.Subscribe("c1", "room.1"))

	require.NoError(t, c.Broadcast("room.1", "a", nil))
	first := receive(t, conn)

	require.NoError(t, c.BroadcastLocalOnly("room.1", "a", nil))
	second := receive(t, conn)

	assert.Equal(t, first.Channel, second.Channel)
	assert.Equal(t, first.Event, second.Event)
}

// failingBroker always fails to publish.
type failingBroker struct {
	publishes int
}

func (b *failingBroker) Publish(context.Context, string, types.Message) error {
	b.publishes++
	return &types.BrokerUnavailableError{Broker: b.Name(), Err: errors.New("connection refused")}
}

func (b *failingBroker) Subscribe(context.Context, string, broker.OnMessage, func() bool) error {
	return nil
}

func (b *failingBroker) Name() string              { return "failing" }
func (b *failingBroker) Supports(name string) bool { return name == "failing" }

// Local delivery has strong guarantees; the broker leg is best-effort. A
// broker failure must neither surface to the caller nor starve local
// subscribers.
func TestBrokerFailureDoesNotBlockLocalDelivery(t *testing.T) {
	fb := &failingBroker{}
	c := newTestCoordinator(t, WithBroker(fb))
	conn, _ := addConn(t, c, "c1")
	require.NoError(t, c.Subscribe("c1", "room.1"))

	require.NoError(t, c.Broadcast("room.1", "msg", map[string]any{"a": 1}))

	msg := receive(t, conn)
	assert.Equal(t, "msg", msg.Event)
	assert.Equal(t, 1, fb.publishes, "publish must have been attempted")
}

func TestBroadcastLocalOnlyNeverPublishes(t *testing.T) {
	fb := &failingBroker{}
	c := newTestCoordinator(t, WithBroker(fb))
	conn, _ := addConn(t, c, "c1")
	require.NoError(t, c.Subscribe("c1", "room.1"))

	require.NoError(t, c.BroadcastLocalOnly("room.1", "msg", nil))

	receive(t, conn)
	assert.Zero(t, fb.publishes)
}

func TestBroadcastChannelRateLimit(t *testing.T) {
	mock := clock.NewMock()
	channelLayer := guard.NewLimiter(guard.LayerChannel, 2, time.Minute, mock, zerolog.Nop())
	c := newTestCoordinator(t, WithLimiter(guard.NewMultiLimiter(channelLayer)))

	require.NoError(t, c.Broadcast("room.1", "a", nil))
	require.NoError(t, c.Broadcast("room.1", "b", nil))

	err := c.Broadcast("room.1", "c", nil)
	var rl *types.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, guard.LayerChannel, rl.Layer)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rl.RetryAfter, time.Minute)

	// Another channel is unaffected.
	require.NoError(t, c.Broadcast("room.2", "a", nil))
}

func TestSendDirect(t *testing.T) {
	c := newTestCoordinator(t)
	conn, _ := addConn(t, c, "target")

	require.NoError(t, c.Send("target", "direct", map[string]any{"hello": "world"}))
	msg := receive(t, conn)
	assert.Empty(t, msg.Channel, "direct messages carry no channel")
	assert.Equal(t, "direct", msg.Event)

	err := c.Send("ghost", "direct", nil)
	assert.ErrorIs(t, err, types.ErrConnectionNotFound)
}

func TestRemoveConnectionUnsubscribesEverywhere(t *testing.T) {
	c := newTestCoordinator(t)
	addConn(t, c, "c1")

	require.NoError(t, c.Subscribe("c1", "room.1"))
	require.NoError(t, c.Subscribe("c1", "room.2"))

	c.RemoveConnection("c1")

	assert.Equal(t, 0, c.Channel("room.1").Len())
	assert.Equal(t, 0, c.Channel("room.2").Len())
	assert.ErrorIs(t, c.Send("c1", "e", nil), types.ErrConnectionNotFound)
}

func TestSubscribeUnknownConnection(t *testing.T) {
	c := newTestCoordinator(t)
	assert.ErrorIs(t, c.Subscribe("ghost", "room.1"), types.ErrConnectionNotFound)
}

func TestSubscribeRunsRouteAuthorizer(t *testing.T) {
	r := routes.NewRegistry()
	r.Declare("user.{id}", nil, func(connectionID, identity string, params map[string]string) bool {
		return identity == params["id"]
	})

	c := newTestCoordinator(t, WithRoutes(r))

	alice, _ := addConn(t, c, "conn-alice")
	alice.UserID = "alice"
	bob, _ := addConn(t, c, "conn-bob")
	bob.UserID = "bob"

	require.NoError(t, c.Subscribe("conn-alice", "user.alice"))
	assert.ErrorIs(t, c.Subscribe("conn-bob", "user.alice"), types.ErrSubscriptionDenied)
}

func TestSubscribeRunsDeclaredMiddleware(t *testing.T) {
	reg := pipeline.NewRegistry()
	pipeline.RegisterBuiltins(reg, pipeline.BuiltinDeps{Logger: zerolog.Nop()})
	p := pipeline.New(reg, nil, zerolog.Nop())

	r := routes.NewRegistry()
	r.Declare("private.*", []string{"auth"}, nil)

	c := newTestCoordinator(t, WithRoutes(r), WithPipeline(p))

	guest, _ := addConn(t, c, "guest-conn")
	_ = guest
	assert.ErrorIs(t, c.Subscribe("guest-conn", "private.room"), types.ErrSubscriptionDenied)

	user, _ := addConn(t, c, "user-conn")
	user.UserID = "u1"
	require.NoError(t, c.Subscribe("user-conn", "private.room"))
}

func TestAdmitSource(t *testing.T) {
	cfg := guard.ProtectorConfig{
		ConnectionThreshold: 2,
		ConnectionWindow:    10 * time.Second,
		BlockDuration:       time.Minute,
	}
	protector := guard.NewAbuseProtector(cfg, nil, nil, clock.NewMock(), zerolog.Nop())
	c := newTestCoordinator(t, WithProtector(protector))

	require.NoError(t, c.AdmitSource("203.0.113.5"))
	require.NoError(t, c.AdmitSource("203.0.113.5"))

	err := c.AdmitSource("203.0.113.5")
	var blocked *types.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "203.0.113.5", blocked.Source)
}

func TestConnectionLifecycleCallbacks(t *testing.T) {
	c := newTestCoordinator(t)

	var mu sync.Mutex
	var connected, disconnected string
	c.OnConnection(func(id string) { mu.Lock(); connected = id; mu.Unlock() })
	c.OnDisconnection(func(id string) { mu.Lock(); disconnected = id; mu.Unlock() })

	addConn(t, c, "cb-conn")
	c.RemoveConnection("cb-conn")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cb-conn", connected)
	assert.Equal(t, "cb-conn", disconnected)
}

func TestQueries(t *testing.T) {
	c := newTestCoordinator(t)
	conn, _ := addConn(t, c, "q1")
	conn.UserID = "user-9"
	conn.SetMeta("ip", "203.0.113.4")
	conn.SetMeta("user_agent", "test-agent")
	addConn(t, c, "q2")

	require.NoError(t, c.Subscribe("q1", "alpha"))
	require.NoError(t, c.Subscribe("q2", "alpha"))
	require.NoError(t, c.Subscribe("q1", "beta"))

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Len(t, c.ConnectionIDs(), 2)

	channels := c.Channels()
	assert.Equal(t, 2, channels["alpha"])
	assert.Equal(t, 1, channels["beta"])

	info := c.ConnectionInfo("q1")
	require.NotNil(t, info)
	assert.Equal(t, "user-9", info.UserID)
	assert.Equal(t, "203.0.113.4", info.RemoteIP)
	assert.Equal(t, "test-agent", info.UserAgent)
	assert.Len(t, info.Channels, 2)

	assert.Nil(t, c.ConnectionInfo("ghost"))
}

// Two coordinators sharing a broker: a broadcast on one reaches the other's
// local subscribers exactly once, and the relay never echoes back.
func TestCrossProcessRelayViaBroker(t *testing.T) {
	bus := broker.NewMemoryBus()

	a := newTestCoordinator(t, WithBroker(bus.Strategy()))
	b := newTestCoordinator(t, WithBroker(bus.Strategy()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.ConsumeBroker(ctx, "*") }()
	go func() { _ = b.ConsumeBroker(ctx, "*") }()
	time.Sleep(20 * time.Millisecond)

	localConn, _ := addConn(t, a, "local")
	remoteConn, _ := addConn(t, b, "remote")
	require.NoError(t, a.Subscribe("local", "room.1"))
	require.NoError(t, b.Subscribe("remote", "room.1"))

	require.NoError(t, a.Broadcast("room.1", "msg", map[string]any{"n": 1}))

	localMsg := receive(t, localConn)
	remoteMsg := receive(t, remoteConn)
	assert.Equal(t, "msg", localMsg.Event)
	assert.Equal(t, "msg", remoteMsg.Event)

	// No echo: each side received exactly one copy.
	assertNoMessage(t, localConn)
	assertNoMessage(t, remoteConn)
}

// A consume loop may be scheduled before the lifecycle loop. The running
// predicate is true from construction, so an early consumer keeps waiting
// instead of exiting and leaving the cross-process leg dead.
func TestConsumeBrokerBeforeRunStillRelays(t *testing.T) {
	bus := broker.NewMemoryBus()
	sender := newTestCoordinator(t, WithBroker(bus.Strategy()))

	receiver := New(zerolog.Nop(), WithBroker(bus.Strategy()))
	assert.True(t, receiver.Running(), "must accept work from construction")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = receiver.ConsumeBroker(ctx, "*") }()
	time.Sleep(150 * time.Millisecond)

	go receiver.Run()
	t.Cleanup(receiver.Stop)

	conn, _ := addConn(t, receiver, "late")
	require.NoError(t, receiver.Subscribe("late", "room.1"))

	require.NoError(t, sender.Broadcast("room.1", "msg", nil))
	msg := receive(t, conn)
	assert.Equal(t, "msg", msg.Event)
}

// A broadcaster can hold a subscriber snapshot taken before the connection
// was removed and closed. The late send lands in the abandoned buffer (or
// is dropped when full); it must never panic.
func TestLateSendToClosedConnection(t *testing.T) {
	c := newTestCoordinator(t)
	conn, _ := addConn(t, c, "stale")
	require.NoError(t, c.Subscribe("stale", "room.1"))

	ch := c.Channel("room.1")
	c.RemoveConnection("stale")

	require.NotPanics(t, func() {
		select {
		case conn.Send <- types.Message{Event: "late"}:
		default:
		}
		ch.Broadcast(types.Message{Event: "after-removal"})
	})
}

func TestConcurrentBroadcastAndRemoval(t *testing.T) {
	c := newTestCoordinator(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = c.Broadcast("churn", "tick", nil)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		addConn(t, c, "churn-conn")
		require.NoError(t, c.Subscribe("churn-conn", "churn"))
		c.RemoveConnection("churn-conn")
	}
	close(done)
	wg.Wait()
}

func TestSendBufferFull(t *testing.T) {
	c := newTestCoordinator(t)
	conn, _ := addConn(t, c, "slow")

	// No write pump runs, so the buffer fills to capacity.
	for i := 0; i < cap(conn.Send); i++ {
		require.NoError(t, c.Send("slow", "fill", nil))
	}

	err := c.Send("slow", "overflow", nil)
	var full *types.SendBufferFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, "slow", full.ConnectionID)
}

func TestReadPumpRoutesToHandler(t *testing.T) {
	c := newTestCoordinator(t)

	var mu sync.Mutex
	var from string
	c.RegisterHandler("commands", func(connectionID string, msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		from = connectionID
		return nil
	})

	conn, mc := addConn(t, c, "sender")
	go conn.ReadPump()

	mc.readCh <- types.Message{Channel: "commands", Event: "run"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return from == "sender"
	}, time.Second, 10*time.Millisecond)
}

func TestWritePumpDrainsSendQueue(t *testing.T) {
	c := newTestCoordinator(t)
	conn, mc := addConn(t, c, "writer")
	go conn.WritePump()

	require.NoError(t, c.Subscribe("writer", "room.1"))
	require.NoError(t, c.Broadcast("room.1", "one", nil))
	require.NoError(t, c.Broadcast("room.1", "two", nil))

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return len(mc.written) == 2
	}, time.Second, 10*time.Millisecond)

	// Per-connection order is preserved.
	mc.mu.Lock()
	defer mc.mu.Unlock()
	assert.Equal(t, "one", mc.written[0].Event)
	assert.Equal(t, "two", mc.written[1].Event)
}
