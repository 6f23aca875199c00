package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "websocket", cfg.DefaultTransport)
	assert.Empty(t, cfg.DefaultBroker)
	assert.True(t, cfg.ValidateInput)
	assert.True(t, cfg.UseEnhancedPipeline)
	assert.Equal(t, 20, cfg.ConnectionThreshold)
	assert.Equal(t, 10*time.Second, cfg.ConnectionWindow)
	assert.Equal(t, 5*time.Minute, cfg.BlockDuration)
	assert.True(t, cfg.ChannelLimit.Enabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REALTIME_BROKER", "redis")
	t.Setenv("REALTIME_VALIDATE_INPUT", "false")
	t.Setenv("REALTIME_DDOS_THRESHOLD", "50")
	t.Setenv("REALTIME_DDOS_BLOCK_DURATION", "90s")
	t.Setenv("REALTIME_LIMIT_CHANNEL_MAX", "1000")
	t.Setenv("REALTIME_LIMIT_CHANNEL_WINDOW", "30s")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")

	cfg := FromEnv()

	assert.Equal(t, "redis", cfg.DefaultBroker)
	assert.False(t, cfg.ValidateInput)
	assert.Equal(t, 50, cfg.ConnectionThreshold)
	assert.Equal(t, 90*time.Second, cfg.BlockDuration)
	assert.Equal(t, 1000, cfg.ChannelLimit.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ChannelLimit.Window)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REALTIME_DDOS_THRESHOLD", "a-lot")
	t.Setenv("REALTIME_DDOS_WINDOW", "soon")

	cfg := FromEnv()

	assert.Equal(t, 20, cfg.ConnectionThreshold)
	assert.Equal(t, 10*time.Second, cfg.ConnectionWindow)
}
