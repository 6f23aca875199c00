package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/types"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// A connection that survives this long counts as sustained and
	// resets the backoff sequence.
	sustainedConnection = time.Minute
)

// envelope wraps a message with the originating instance ID so a node can
// skip messages it published itself.
type envelope struct {
	InstanceID string        `json:"instance_id"`
	Message    types.Message `json:"message"`
}

// RedisStrategy relays messages between server processes over Redis pub/sub.
type RedisStrategy struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     zerolog.Logger
}

// RedisConfig holds connection settings for the Redis strategy.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "realtime:",
	}
}

// NewRedisStrategy creates a Redis pub/sub strategy.
func NewRedisStrategy(cfg RedisConfig, logger zerolog.Logger) *RedisStrategy {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStrategy{
		client:     client,
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-broker").Logger(),
	}
}

// Name returns the canonical strategy name.
func (s *RedisStrategy) Name() string { return "redis" }

// Supports matches the canonical name and known driver aliases.
func (s *RedisStrategy) Supports(name string) bool {
	switch name {
	case "redis", "redis-pubsub", "rediss":
		return true
	}
	return false
}

// InstanceID returns the identifier stamped on every published envelope.
func (s *RedisStrategy) InstanceID() string { return s.instanceID }

// Client exposes the underlying connection for components that share it,
// such as the cross-process abuse counter.
func (s *RedisStrategy) Client() *redis.Client { return s.client }

// Publish sends msg to all other processes subscribed to channel.
func (s *RedisStrategy) Publish(ctx context.Context, channel string, msg types.Message) error {
	data, err := json.Marshal(envelope{InstanceID: s.instanceID, Message: msg})
	if err != nil {
		return &types.BrokerUnavailableError{Broker: s.Name(), Err: err}
	}
	if err := s.client.Publish(ctx, s.prefix+channel, data).Err(); err != nil {
		return &types.BrokerUnavailableError{Broker: s.Name(), Err: err}
	}
	return nil
}

// Subscribe consumes the prefixed pattern until running flips false or ctx
// is done. Connection loss triggers a reconnect with exponential backoff,
// doubling from one second to a thirty-second cap; a sustained connection
// resets the sequence.
func (s *RedisStrategy) Subscribe(ctx context.Context, pattern string, onMessage OnMessage, running func() bool) error {
	backoff := initialBackoff
	for running() {
		if ctx.Err() != nil {
			return nil
		}
		connectedAt := time.Now()
		err := s.consume(ctx, pattern, onMessage, running)
		if ctx.Err() != nil || !running() {
			return nil
		}
		if time.Since(connectedAt) >= sustainedConnection {
			backoff = initialBackoff
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("consume loop lost connection, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
	return nil
}

// consume holds one subscription until it fails or the loop is told to stop.
func (s *RedisStrategy) consume(ctx context.Context, pattern string, onMessage OnMessage, running func() bool) error {
	sub := s.client.PSubscribe(ctx, s.prefix+pattern)
	defer sub.Close()

	// Wait for subscription confirmation before reporting healthy.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("pattern", s.prefix+pattern).Msg("consuming")

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(msg, onMessage)
			if !running() {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch decodes one wire message and hands it to the consumer. A message
// is either fully handled or dropped; decode failures never kill the loop.
func (s *RedisStrategy) dispatch(msg *redis.Message, onMessage OnMessage) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		s.logger.Error().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable message")
		return
	}
	if env.InstanceID == s.instanceID {
		return
	}
	onMessage(env.Message.Channel, env.Message.Event, env.Message.Payload)
}

// Ping verifies the Redis connection.
func (s *RedisStrategy) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStrategy) Close() error {
	return s.client.Close()
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
