// Package injector assembles the application graph. Build is the
// hand-rolled path cmd/server uses; the wireinject stub in injector.go
// mirrors it for wire's generator.
package injector

import (
	"context"
	"time"

	"github.com/google/wire"

	"github.com/pulsegate/pulsegate/internal/auth"
	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/monitoring"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/ratelimit"
	"github.com/pulsegate/pulsegate/internal/core/registry"
	"github.com/pulsegate/pulsegate/internal/core/relay"
	"github.com/pulsegate/pulsegate/internal/core/routing"
	"github.com/pulsegate/pulsegate/internal/server"
	"github.com/pulsegate/pulsegate/internal/store"
)

// ProviderSet lists every provider for wire.
var ProviderSet = wire.NewSet(
	NewLogger,
	NewStore,
	NewVerifier,
	NewRelay,
	NewLimiter,
	NewRegistry,
	NewRouter,
	NewMonitor,
	NewResponder,
	NewServer,
	NewApp,
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config) log.Log {
	return log.New(log.ParseLevel(cfg.Log.Level), cfg.Log.Encoding)
}

// NewStore connects the shared Redis store. A disabled or unreachable
// store degrades the node to single-node mode instead of failing boot:
// fan-out stays local and rate limits fall back to in-process windows.
func NewStore(ctx context.Context, cfg *config.Config, logger log.Log) store.Store {
	if !cfg.Redis.Enabled {
		logger.Info("shared store disabled, running single-node")
		return nil
	}
	st, err := store.NewRedis(ctx, store.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  seconds(cfg.Redis.DialTimeoutSeconds),
		ReadTimeout:  seconds(cfg.Redis.ReadTimeoutSeconds),
		WriteTimeout: seconds(cfg.Redis.WriteTimeoutSeconds),
	}, logger)
	if err != nil {
		logger.Warn("shared store unreachable, running single-node",
			log.String("addr", cfg.Redis.Addr), log.Error(err))
		return nil
	}
	return st
}

// NewVerifier builds the token verifier for the handshake.
func NewVerifier(cfg *config.Config, logger log.Log) (auth.Verifier, error) {
	v, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewRelay builds the cross-node relay. With a nil store it stays
// constructed but disabled.
func NewRelay(cfg *config.Config, st store.Store, logger log.Log) *relay.Relay {
	return relay.New(st, logger, relay.Options{
		Channel:              cfg.Relay.Channel,
		CompressionThreshold: cfg.Relay.CompressionThreshold,
	})
}

// NewLimiter builds the connection and message rate limiter.
func NewLimiter(cfg *config.Config, st store.Store, logger log.Log) *ratelimit.RateLimiter {
	return ratelimit.New(ratelimit.Config{
		MaxConnectionsPerUser:    cfg.Limits.MaxConnectionsPerUser,
		MaxConnectionsPerSession: cfg.Limits.MaxConnectionsPerSession,
		MessagesPerConnSecond:    cfg.Limits.MessagesPerConnSecond,
		MessagesPerUserMinute:    cfg.Limits.MessagesPerUserMinute,
	}, st, logger)
}

// NewRegistry builds the connection registry and its lifecycle loops.
func NewRegistry(cfg *config.Config, verifier auth.Verifier, limiter *ratelimit.RateLimiter,
	rel *relay.Relay, logger log.Log) *registry.Registry {
	r := cfg.Registry
	return registry.New(registry.Config{
		HeartbeatInterval: seconds(r.HeartbeatIntervalSeconds),
		CleanupInterval:   seconds(r.CleanupIntervalSeconds),
		StaleTimeout:      seconds(r.StaleTimeoutSeconds),
		PingTimeout:       seconds(r.PingTimeoutSeconds),
		DrainBusyInterval: millis(r.DrainBusyIntervalMs),
		DrainIdleInterval: millis(r.DrainIdleIntervalMs),
		FanoutWorkers:     r.FanoutWorkers,
		Connection:        connectionConfig(cfg.Connection),
	}, verifier, limiter, rel, logger)
}

// NewRouter builds the delivery router over the registry indexes.
func NewRouter(cfg *config.Config, reg *registry.Registry, limiter *ratelimit.RateLimiter,
	rel *relay.Relay, logger log.Log) *routing.Router {
	return routing.New(reg, limiter, rel, logger, cfg.Registry.FanoutWorkers)
}

// NewMonitor builds the metrics sampler over the registry.
func NewMonitor(cfg *config.Config, reg *registry.Registry, logger log.Log) *monitoring.Monitor {
	m := cfg.Monitoring
	return monitoring.New(monitoring.Config{
		SampleInterval:       seconds(m.SampleIntervalSeconds),
		AggregationInterval:  seconds(m.AggregationIntervalSeconds),
		CleanupInterval:      seconds(m.CleanupIntervalSeconds),
		RetentionHours:       m.RetentionHours,
		AlertCooldown:        seconds(m.AlertCooldownSeconds),
		SnapshotCapacity:     m.SnapshotCapacity,
		AggregateCapacity:    m.AggregateCapacity,
		LatencyWarningMs:     m.LatencyWarningMs,
		LatencyCriticalMs:    m.LatencyCriticalMs,
		QueueSizeWarning:     m.QueueSizeWarning,
		QueueSizeCritical:    m.QueueSizeCritical,
		ErrorRateWarning:     m.ErrorRateWarning,
		ErrorRateCritical:    m.ErrorRateCritical,
		BackpressureDuration: seconds(m.BackpressureDurationSeconds),
	}, reg, logger)
}

// NewResponder picks the chat backend. Echo stands in until a real
// conversational service is attached.
func NewResponder() server.ChatResponder {
	return server.EchoResponder{}
}

// NewServer builds the HTTP listener and websocket endpoint.
func NewServer(cfg *config.Config, reg *registry.Registry, router *routing.Router,
	limiter *ratelimit.RateLimiter, monitor *monitoring.Monitor, st store.Store,
	responder server.ChatResponder, logger log.Log) *server.Server {
	s := cfg.Server
	return server.New(server.Config{
		Addr:              s.Addr,
		WSPath:            s.WSPath,
		AllowedOrigins:    s.AllowedOrigins,
		AvailableChannels: s.AvailableChannels,
		AuthTimeout:       seconds(s.AuthTimeoutSeconds),
		WriteTimeout:      seconds(s.WriteTimeoutSeconds),
		ReadLimit:         s.ReadLimitBytes,
		HeartbeatInterval: seconds(cfg.Registry.HeartbeatIntervalSeconds),
	}, reg, router, limiter, monitor, st, responder, logger)
}

// App owns the long-lived components in lifecycle order.
type App struct {
	Config   *config.Config
	Logger   log.Log
	Store    store.Store
	Relay    *relay.Relay
	Limiter  *ratelimit.RateLimiter
	Registry *registry.Registry
	Router   *routing.Router
	Monitor  *monitoring.Monitor
	Server   *server.Server
}

// NewApp finishes cross-component wiring: frames arriving over the
// relay re-enter local delivery through the router.
func NewApp(cfg *config.Config, logger log.Log, st store.Store, rel *relay.Relay,
	limiter *ratelimit.RateLimiter, reg *registry.Registry, router *routing.Router,
	monitor *monitoring.Monitor, srv *server.Server) *App {
	reg.SetRelayDispatch(router.DispatchLocal)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Relay:    rel,
		Limiter:  limiter,
		Registry: reg,
		Router:   router,
		Monitor:  monitor,
		Server:   srv,
	}
}

// Build assembles the graph by hand in dependency order.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg)
	st := NewStore(ctx, cfg, logger)
	verifier, err := NewVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	rel := NewRelay(cfg, st, logger)
	limiter := NewLimiter(cfg, st, logger)
	reg := NewRegistry(cfg, verifier, limiter, rel, logger)
	router := NewRouter(cfg, reg, limiter, rel, logger)
	monitor := NewMonitor(cfg, reg, logger)
	srv := NewServer(cfg, reg, router, limiter, monitor, st, NewResponder(), logger)
	return NewApp(cfg, logger, st, rel, limiter, reg, router, monitor, srv), nil
}

// Start brings the components up: registry loops, then the monitor,
// then the listener.
func (a *App) Start(ctx context.Context) error {
	if err := a.Registry.Start(ctx); err != nil {
		return err
	}
	if err := a.Monitor.Start(ctx); err != nil {
		return err
	}
	return a.Server.Start(ctx)
}

// Stop tears down in reverse dependency order. The registry goes first
// so DisconnectAll ends every session and releases the handlers the
// HTTP shutdown waits on.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.Registry.Stop(ctx))
	keep(a.Server.Stop(ctx))
	keep(a.Monitor.Stop(ctx))
	if a.Store != nil {
		keep(a.Store.Close())
	}
	return firstErr
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func connectionConfig(c config.Connection) connection.Config {
	return connection.Config{
		HighQueueCapacity:     c.HighQueueCapacity,
		MediumQueueCapacity:   c.MediumQueueCapacity,
		LowQueueCapacity:      c.LowQueueCapacity,
		GeneralQueueCapacity:  c.GeneralQueueCapacity,
		BackpressureThreshold: c.BackpressureThreshold,
		DrainBatch:            c.DrainBatch,
		DrainBatchDegraded:    c.DrainBatchDegraded,
		BreakerThreshold:      c.BreakerThreshold,
		BreakerRecovery:       seconds(c.BreakerRecoverySec),
		BackoffBase:           millis(c.BackoffBaseMs),
		BackoffMax:            millis(c.BackoffMaxMs),
		BackoffMaxAttempts:    c.BackoffMaxAttempts,
		BackoffJitter:         c.BackoffJitter,
	}
}
