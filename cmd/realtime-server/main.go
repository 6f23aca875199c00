// Command realtime-server runs the realtime broadcast core behind a
// websocket endpoint. All wiring lives here: no hidden singletons and no
// container. Every component is constructed once and passed by reference.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/signalmesh/realtime/config"
	"github.com/signalmesh/realtime/providers"
	"github.com/signalmesh/realtime/src/broker"
	"github.com/signalmesh/realtime/src/guard"
	"github.com/signalmesh/realtime/src/pipeline"
	"github.com/signalmesh/realtime/src/realtime"
	"github.com/signalmesh/realtime/src/routes"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.FromEnv()

	// Abuse protection.
	filter := guard.NewIpFilter()
	protectorCfg := guard.ProtectorConfig{
		ConnectionThreshold: cfg.ConnectionThreshold,
		ConnectionWindow:    cfg.ConnectionWindow,
		BlockDuration:       cfg.BlockDuration,
	}
	var store guard.SharedStore
	var redisStrategy *broker.RedisStrategy
	if cfg.DefaultBroker != "" {
		redisStrategy = broker.NewRedisStrategy(broker.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
		if redisStrategy.Supports(cfg.DefaultBroker) {
			store = guard.NewRedisStore(redisStrategy.Client())
		} else {
			_ = redisStrategy.Close()
			redisStrategy = nil
		}
	}
	protector := guard.NewAbuseProtector(protectorCfg, filter, store, nil, logger)

	// Rate limiting, one limiter per layer.
	var layers []*guard.Limiter
	for _, l := range []struct {
		name string
		cfg  config.LayerLimit
	}{
		{guard.LayerIP, cfg.IPLimit},
		{guard.LayerConnection, cfg.ConnectionLimit},
		{guard.LayerIdentity, cfg.IdentityLimit},
		{guard.LayerChannel, cfg.ChannelLimit},
	} {
		if l.cfg.Enabled {
			layers = append(layers, guard.NewLimiter(l.name, l.cfg.MaxAttempts, l.cfg.Window, nil, logger))
		}
	}
	limiter := guard.NewMultiLimiter(layers...)

	// Authorization pipeline.
	middlewareRegistry := pipeline.NewRegistry()
	pipeline.RegisterBuiltins(middlewareRegistry, pipeline.BuiltinDeps{
		Filter:    filter,
		Protector: protector,
		Limiter:   limiter,
		Logger:    logger,
	})
	var verdictCache *pipeline.VerdictCache
	if cfg.UseEnhancedPipeline {
		verdictCache = pipeline.NewVerdictCache(cfg.VerdictCacheBucket, nil)
	}
	authPipeline := pipeline.New(middlewareRegistry, verdictCache, logger)

	// Channel route declarations.
	channelRoutes := routes.NewRegistry()
	channelRoutes.Declare("private.*", []string{"security", "ddos", "throttle", "auth"}, nil)
	channelRoutes.Declare("presence.*", []string{"security", "ddos", "throttle", "auth"}, nil)
	channelRoutes.Declare("user.{id}", []string{"auth"}, func(_, identity string, params map[string]string) bool {
		return identity == params["id"]
	})
	channelRoutes.Declare("admin.*", []string{"auth", "role:admin"}, nil)

	// Metrics.
	var metricsRegistry *prometheus.Registry
	var metrics *realtime.Metrics
	if cfg.MetricsEnabled {
		metricsRegistry = prometheus.NewRegistry()
		metricsRegistry.MustRegister(collectors.NewGoCollector())
		metrics = realtime.NewMetrics(metricsRegistry)
	}

	// Broker selection.
	brokerRegistry := broker.NewRegistry()
	if redisStrategy != nil {
		brokerRegistry.Register(redisStrategy)
	}
	brokerRegistry.Register(broker.NewMemoryStrategy())

	opts := []realtime.Option{
		realtime.WithRoutes(channelRoutes),
		realtime.WithPipeline(authPipeline),
		realtime.WithLimiter(limiter),
		realtime.WithProtector(protector),
		realtime.WithValidation(cfg.ValidateInput),
	}
	if metrics != nil {
		opts = append(opts, realtime.WithMetrics(metrics))
	}
	if cfg.DefaultBroker != "" {
		strategy, err := brokerRegistry.Resolve(cfg.DefaultBroker)
		if err != nil {
			logger.Fatal().Err(err).Str("broker", cfg.DefaultBroker).Msg("unknown broker")
		}
		opts = append(opts, realtime.WithBroker(strategy))
		logger.Info().Str("broker", strategy.Name()).Msg("broker configured")
	}

	coordinator := realtime.New(logger, opts...)
	go coordinator.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.DefaultBroker != "" {
		go func() {
			if err := coordinator.ConsumeBroker(ctx, "*"); err != nil {
				logger.Error().Err(err).Msg("broker consumer stopped")
			}
		}()
	}

	// Periodic sweeps bound guard memory.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				protector.Sweep()
				for _, l := range layers {
					l.Sweep()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	server := providers.NewServer(coordinator, protector, metricsRegistry, logger)
	server.RegisterControlHandlers()

	app := fiber.New()
	server.RegisterRoutes(app)

	wsHandler := server.WebsocketHandler()
	appHandler := app.Handler()
	httpServer := &fasthttp.Server{
		Handler: func(reqCtx *fasthttp.RequestCtx) {
			if string(reqCtx.Path()) == "/ws" {
				wsHandler(reqCtx)
				return
			}
			appHandler(reqCtx)
		},
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
	coordinator.Stop()
	if err := httpServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if redisStrategy != nil {
		_ = redisStrategy.Close()
	}
}
