// Package config holds the recognized configuration surface of the realtime
// core. Values come from defaults overridden by environment variables; the
// composition root loads a .env file before reading them.
package config

import (
	"os"
	"strconv"
	"time"
)

// LayerLimit configures one rate-limit layer.
type LayerLimit struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

// Config is the full configuration surface.
type Config struct {
	// DefaultTransport selects the transport layer ("websocket").
	DefaultTransport string
	// DefaultBroker selects the broker strategy by canonical name or
	// alias ("redis", "memory"); empty runs without a broker.
	DefaultBroker string
	// ValidateInput toggles channel/event name validation.
	ValidateInput bool
	// UseEnhancedPipeline enables the authorization verdict cache.
	UseEnhancedPipeline bool
	// VerdictCacheBucket is the verdict cache time-bucket width.
	VerdictCacheBucket time.Duration
	// MetricsEnabled toggles prometheus instrumentation.
	MetricsEnabled bool

	// Rate-limit layers.
	IPLimit         LayerLimit
	ConnectionLimit LayerLimit
	IdentityLimit   LayerLimit
	ChannelLimit    LayerLimit

	// DDoS guard thresholds.
	ConnectionThreshold int
	ConnectionWindow    time.Duration
	BlockDuration       time.Duration

	// Redis connection settings, used by the redis broker strategy and
	// the cross-process abuse store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// HTTP listen address for the websocket/info/metrics surface.
	ListenAddr string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DefaultTransport:    "websocket",
		DefaultBroker:       "",
		ValidateInput:       true,
		UseEnhancedPipeline: true,
		VerdictCacheBucket:  time.Minute,
		MetricsEnabled:      true,

		IPLimit:         LayerLimit{Enabled: true, MaxAttempts: 120, Window: time.Minute},
		ConnectionLimit: LayerLimit{Enabled: true, MaxAttempts: 60, Window: time.Minute},
		IdentityLimit:   LayerLimit{Enabled: true, MaxAttempts: 120, Window: time.Minute},
		ChannelLimit:    LayerLimit{Enabled: true, MaxAttempts: 600, Window: time.Minute},

		ConnectionThreshold: 20,
		ConnectionWindow:    10 * time.Second,
		BlockDuration:       5 * time.Minute,

		RedisAddr:   "localhost:6379",
		RedisPrefix: "realtime:",

		ListenAddr: ":8080",
	}
}

// FromEnv loads the configuration from environment variables, falling back
// to defaults for any missing value.
func FromEnv() *Config {
	cfg := Default()

	envString(&cfg.DefaultTransport, "REALTIME_TRANSPORT")
	envString(&cfg.DefaultBroker, "REALTIME_BROKER")
	envBool(&cfg.ValidateInput, "REALTIME_VALIDATE_INPUT")
	envBool(&cfg.UseEnhancedPipeline, "REALTIME_ENHANCED_PIPELINE")
	envBool(&cfg.MetricsEnabled, "REALTIME_METRICS")
	envDuration(&cfg.VerdictCacheBucket, "REALTIME_VERDICT_BUCKET")

	envLayer(&cfg.IPLimit, "REALTIME_LIMIT_IP")
	envLayer(&cfg.ConnectionLimit, "REALTIME_LIMIT_CONNECTION")
	envLayer(&cfg.IdentityLimit, "REALTIME_LIMIT_IDENTITY")
	envLayer(&cfg.ChannelLimit, "REALTIME_LIMIT_CHANNEL")

	envInt(&cfg.ConnectionThreshold, "REALTIME_DDOS_THRESHOLD")
	envDuration(&cfg.ConnectionWindow, "REALTIME_DDOS_WINDOW")
	envDuration(&cfg.BlockDuration, "REALTIME_DDOS_BLOCK_DURATION")

	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	envInt(&cfg.RedisDB, "REDIS_DB")
	envString(&cfg.RedisPrefix, "REDIS_PREFIX")

	envString(&cfg.ListenAddr, "REALTIME_LISTEN_ADDR")

	return cfg
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envLayer reads "<key>_MAX" and "<key>_WINDOW", e.g. REALTIME_LIMIT_IP_MAX.
func envLayer(dst *LayerLimit, key string) {
	envBool(&dst.Enabled, key+"_ENABLED")
	envInt(&dst.MaxAttempts, key+"_MAX")
	envDuration(&dst.Window, key+"_WINDOW")
}
