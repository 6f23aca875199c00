package realtime

import (
	"github.com/signalmesh/realtime/src/types"
)

// RegisterHandler registers a handler for inbound messages on a channel.
func (c *Coordinator) RegisterHandler(channel string, handler types.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = handler
}

// OnConnection registers a callback invoked after each registration.
func (c *Coordinator) OnConnection(cb func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, cb)
}

// OnDisconnection registers a callback invoked after each removal.
func (c *Coordinator) OnDisconnection(cb func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconn = append(c.onDisconn, cb)
}

// ConnectionIDs returns the ids of all registered connections.
func (c *Coordinator) ConnectionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.connections))
	for id := range c.connections {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionInfo returns info for a registered connection, or nil.
func (c *Coordinator) ConnectionInfo(connectionID string) *types.ConnectionInfo {
	c.mu.RLock()
	conn, ok := c.connections[connectionID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	info := conn.Info()
	return &info
}

// ConnectionCount returns the number of registered connections.
func (c *Coordinator) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.connections)
}

// Channels returns channel names with their subscriber counts. Channels
// that have become empty are included with a zero count.
func (c *Coordinator) Channels() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]int, len(c.channels))
	for name, ch := range c.channels {
		result[name] = ch.Len()
	}
	return result
}
