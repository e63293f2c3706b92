package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Davincible/claude-code-mux/internal/config"
	"github.com/Davincible/claude-code-mux/internal/credentials"
	"github.com/Davincible/claude-code-mux/internal/failover"
	"github.com/Davincible/claude-code-mux/internal/handlers"
	"github.com/Davincible/claude-code-mux/internal/metrics"
	"github.com/Davincible/claude-code-mux/internal/middleware"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/tokens"
	"github.com/Davincible/claude-code-mux/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config   *config.Manager
	store    *routing.Store
	registry *providers.Registry
	pool     *upstream.Pool
	metrics  *metrics.Collector
	executor *failover.Executor
	counter  *tokens.Counter
	logger   *slog.Logger
	server   *http.Server
}

// Option tweaks a Server before it starts.
type Option func(*Server)

// WithTokenCounter replaces the tiktoken based counter.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(s *Server) { s.counter = c }
}

// New builds a server from the loaded configuration. An invalid routing
// configuration is reported here, before anything listens.
func New(configManager *config.Manager, logger *slog.Logger, opts ...Option) (*Server, error) {
	cfg := configManager.Get()

	snap, err := config.BuildSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	registry.Initialize()

	collector := metrics.NewCollector()

	execOpts := []failover.Option{failover.WithObserver(collector)}
	if cb := cfg.Breaker(); cb != nil {
		execOpts = append(execOpts, failover.WithCircuitBreaker(cb))
	}

	s := &Server{
		config:   configManager,
		store:    routing.NewStore(snap),
		registry: registry,
		pool:     upstream.NewPool(upstream.DefaultOptions(), logger),
		metrics:  collector,
		executor: failover.NewExecutor(cfg.Policy(), logger, execOpts...),
		counter:  tokens.NewCounter(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start serves until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := s.config.Get()
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and watches the configuration until ctx is done, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		watcher := config.NewWatcher(s.config, s.logger, s.applyReload)
		if err := watcher.Run(watchCtx); err != nil {
			s.logger.Warn("Configuration hot reload disabled", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "address", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// applyReload installs a freshly built snapshot. Requests already in flight
// keep the snapshot they started with. Listen address and failover policy
// changes need a restart.
func (s *Server) applyReload(_ *config.Config, snap *routing.Snapshot, err error) {
	s.metrics.ObserveReload(err)
	if err != nil {
		return
	}

	s.store.Swap(snap)
	s.pool.Forget(func(id string) bool {
		_, ok := snap.Provider(id)
		return ok
	})
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	proxyHandler := handlers.NewProxyHandler(handlers.Deps{
		Config:      s.config,
		Store:       s.store,
		Registry:    s.registry,
		Pool:        s.pool,
		Credentials: credentials.NewResolver(),
		Executor:    s.executor,
		Counter:     s.counter,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})
	healthHandler := handlers.NewHealthHandler(s.store, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/health", middlewareSet.HealthChain().Handler(healthHandler))
	r.Method(http.MethodGet, "/metrics", middlewareSet.PublicChain().Handler(s.metrics.Handler()))
	r.Handle("/*", middlewareSet.DefaultChain().Handler(proxyHandler))

	return r
}
