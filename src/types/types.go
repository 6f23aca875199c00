package types

import "time"

// Message is a single realtime message. A Message is constructed once per
// broadcast or direct send and never mutated afterwards. Channel is empty
// for direct-to-connection delivery.
type Message struct {
	Channel      string         `json:"channel,omitempty"`
	Event        string         `json:"event"`
	Payload      map[string]any `json:"payload,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// MessageHandler handles incoming messages on a channel.
type MessageHandler func(connectionID string, msg Message) error

// ConnectionInfo holds metadata about a registered connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Channels    []string  `json:"channels"`
}

// Conn abstracts the underlying transport connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}
