package providers

import (
	"fmt"

	"github.com/signalmesh/realtime/src/types"
)

// ControlChannel is the reserved channel clients address subscription
// commands to.
const ControlChannel = "_control"

// Control events understood on the wire.
const (
	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
	eventPublish     = "publish"
)

// RegisterControlHandlers installs the wire protocol: clients send messages
// on the control channel to subscribe, unsubscribe, or publish. Results are
// acknowledged with a direct message back to the sender.
func (s *Server) RegisterControlHandlers() {
	s.coordinator.RegisterHandler(ControlChannel, func(connectionID string, msg types.Message) error {
		channel, _ := msg.Payload["channel"].(string)

		switch msg.Event {
		case eventSubscribe:
			if err := s.coordinator.Subscribe(connectionID, channel); err != nil {
				return s.ack(connectionID, "subscribe_failed", channel, err)
			}
			return s.ack(connectionID, "subscribed", channel, nil)

		case eventUnsubscribe:
			s.coordinator.Unsubscribe(connectionID, channel)
			return s.ack(connectionID, "unsubscribed", channel, nil)

		case eventPublish:
			event, _ := msg.Payload["event"].(string)
			payload, _ := msg.Payload["data"].(map[string]any)
			if err := s.coordinator.Broadcast(channel, event, payload); err != nil {
				return s.ack(connectionID, "publish_failed", channel, err)
			}
			return nil

		default:
			return fmt.Errorf("unknown control event %q", msg.Event)
		}
	})
}

// ack reports a control outcome back to the requesting connection. The
// connection may already be gone; that is not an error worth propagating.
func (s *Server) ack(connectionID, event, channel string, cause error) error {
	payload := map[string]any{"channel": channel}
	if cause != nil {
		payload["reason"] = cause.Error()
	}
	if err := s.coordinator.Send(connectionID, event, payload); err != nil {
		s.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("ack not delivered")
	}
	return nil
}
