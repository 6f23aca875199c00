package realtime

import (
	"sync"
	"time"

	"github.com/signalmesh/realtime/src/types"
)

// Connection wraps one transport connection and manages its message flow.
// It is owned by the coordinator's registry from registration to removal.
type Connection struct {
	ID     string
	UserID string

	conn        types.Conn
	coordinator *Coordinator
	Send        chan types.Message
	connectedAt time.Time

	mu         sync.RWMutex
	metadata   map[string]any
	attributes map[string]any
	channels   map[string]bool
	done       chan struct{}
	closed     bool
}

// NewConnection creates a connection wrapper around a transport conn.
func NewConnection(id string, conn types.Conn, c *Coordinator) *Connection {
	return &Connection{
		ID:          id,
		conn:        conn,
		coordinator: c,
		Send:        make(chan types.Message, 256),
		connectedAt: time.Now(),
		metadata:    make(map[string]any),
		attributes:  make(map[string]any),
		channels:    make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// SetMeta stores a metadata value (remote ip, user agent, ...).
func (c *Connection) SetMeta(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Meta returns a metadata value.
func (c *Connection) Meta(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[key]
}

// RemoteIP returns the "ip" metadata entry, if set.
func (c *Connection) RemoteIP() string {
	ip, _ := c.Meta("ip").(string)
	return ip
}

// SetAttribute stores an authorization attribute (roles, verified, premium).
func (c *Connection) SetAttribute(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[key] = value
}

// Attributes returns a copy of the authorization attributes.
func (c *Connection) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

// Info returns metadata about this connection.
func (c *Connection) Info() types.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	userAgent, _ := c.metadata["user_agent"].(string)
	ip, _ := c.metadata["ip"].(string)
	return types.ConnectionInfo{
		ID:          c.ID,
		UserID:      c.UserID,
		RemoteIP:    ip,
		UserAgent:   userAgent,
		ConnectedAt: c.connectedAt,
		Channels:    channels,
	}
}

// Channels returns the names of the channels this connection subscribes to.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (c *Connection) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = true
}

func (c *Connection) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// ReadPump reads messages from the transport and routes them to the
// coordinator until the connection drops.
func (c *Connection) ReadPump() {
	defer func() {
		c.coordinator.Unregister(c)
		c.conn.Close()
	}()

	for {
		var msg types.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.ConnectionID = c.ID
		msg.Timestamp = time.Now()
		c.coordinator.incoming <- msg
	}
}

// WritePump writes queued messages to the transport. Per-connection order
// is preserved: messages leave the Send channel in the order they entered.
func (c *Connection) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.Send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the pumps and releases held references so the registry entry
// can be garbage collected. Send stays open: broadcasters may hold a
// subscriber snapshot taken before removal, and a send into the abandoned
// buffer must stay safe. The pumps exit through done instead.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.metadata = make(map[string]any)
	c.attributes = make(map[string]any)
}
