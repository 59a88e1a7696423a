// Package server binds the connection core to its network edge: the
// websocket upgrade endpoint, first-frame authentication, inbound frame
// dispatch, and the read-only ops endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/monitoring"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/ratelimit"
	"github.com/pulsegate/pulsegate/internal/core/registry"
	"github.com/pulsegate/pulsegate/internal/core/routing"
	"github.com/pulsegate/pulsegate/internal/store"
)

// Handshake close codes. Registry teardown uses the standard 1001/1008.
const (
	CloseMalformedAuth    = 4000
	CloseAuthFailed       = 4001
	CloseIdentityMismatch = 4003
)

var ErrAlreadyRunning = errors.New("server: already running")

// Config tunes the HTTP listener and the websocket handshake.
type Config struct {
	Addr              string
	WSPath            string
	AllowedOrigins    []string
	AvailableChannels []string
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		WSPath:            "/ws",
		AvailableChannels: []string{"general", "notifications", "alerts"},
		AuthTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         1 << 20,
		HeartbeatInterval: 20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.WSPath == "" {
		c.WSPath = d.WSPath
	}
	if c.AvailableChannels == nil {
		c.AvailableChannels = d.AvailableChannels
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Server owns the HTTP listener and drives one session per upgraded
// websocket. Session lifecycle beyond the socket (indexes, queues,
// loops) belongs to the registry.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	router    *routing.Router
	limiter   *ratelimit.RateLimiter
	monitor   *monitoring.Monitor
	store     store.Store
	responder ChatResponder
	logger    log.Log

	upgrader websocket.Upgrader
	http     *http.Server
	running  atomic.Bool
}

// New assembles the server. store and responder may be nil.
func New(cfg Config, reg *registry.Registry, router *routing.Router, limiter *ratelimit.RateLimiter,
	monitor *monitoring.Monitor, st store.Store, responder ChatResponder, logger log.Log) *Server {
	return &Server{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		router:    router,
		limiter:   limiter,
		monitor:   monitor,
		store:     st,
		responder: responder,
		logger:    logger.With(log.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is checked after the upgrade so browsers see a close
			// code instead of an opaque HTTP 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP surface: the websocket endpoint plus the
// read-only ops endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/performance", s.handlePerformance)
	mux.HandleFunc("/alerts", s.handleAlerts)
	return mux
}

// Start begins serving on cfg.Addr. It returns once the listener
// goroutine is launched; serve errors are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.http = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", log.Error(err))
		}
	}()

	s.logger.Info("websocket server started",
		log.String("addr", s.cfg.Addr), log.String("path", s.cfg.WSPath))
	return nil
}

// Stop closes the listener and waits for in-flight handlers within the
// context deadline. Open sessions are ended by the registry's
// DisconnectAll, which the caller runs first.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) || s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server: shutdown")
	}
	s.logger.Info("websocket server stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Server) Running() bool {
	return s.running.Load()
}
