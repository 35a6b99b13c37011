// Package server wires the gateway's HTTP surface: route table, middleware
// chains, and graceful shutdown, generalized from the teacher's single
// proxy-handler server into the full multi-endpoint dispatch service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/gateway"
	"github.com/jeffersonwarrior/aimux/internal/handlers"
	"github.com/jeffersonwarrior/aimux/internal/metrics"
	"github.com/jeffersonwarrior/aimux/internal/middleware"
)

// Server owns the gateway manager's lifecycle and the http.Server that
// fronts it.
type Server struct {
	config  *config.Manager
	gw      *gateway.Manager
	promReg *prometheus.Registry
	logger  *slog.Logger
	server  *http.Server

	runCancel context.CancelFunc
	watcher   *fsnotify.Watcher
}

// New builds a Server and its gateway.Manager from the active config,
// registering every configured provider up front.
func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	cfg := configManager.Get()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	promReg := prometheus.NewRegistry()
	prom := metrics.NewPrometheus(promReg)

	gw := gateway.New(gateway.Options{
		Routing:    cfg.Routing.WithDefaults(),
		RingSize:   config.DefaultMetricsRingSize,
		Prometheus: prom,
	})

	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		if err := gw.AddProvider(p); err != nil {
			logger.Warn("skipping invalid provider", "provider", p.Name, "error", err)
		}
	}

	return &Server{
		config:  configManager,
		gw:      gw,
		promReg: promReg,
		logger:  logger,
	}, nil
}

// Start runs the health monitor and HTTP server until interrupted.
func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go func() {
		if err := s.gw.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("health monitor stopped", "error", err)
		}
	}()

	s.startConfigWatcher()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.logger.Info("starting server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			if strings.Contains(err.Error(), "address already in use") {
				return fmt.Errorf("address %s already in use: %w", addr, err)
			}
			return fmt.Errorf("server error: %w", err)
		}
	case <-quit:
		s.logger.Info("server is shutting down")
	}

	return s.Stop()
}

// startConfigWatcher watches the active config file for writes and hot
// reloads the provider registry on change, in the teacher's
// watchConfigFile style. Failures to start the watcher are logged, not
// fatal: the gateway still runs fine on its initial snapshot.
func (s *Server) startConfigWatcher() {
	path := s.config.GetPath()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("init config watcher", "error", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		s.logger.Error("add config watcher", "error", err)
		watcher.Close()
		return
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.logger.Info("config change detected, reloading")
					cfg, err := s.config.Reload()
					if err != nil {
						s.logger.Error("reload config", "error", err)
						continue
					}
					s.reconcileProviders(cfg)
					s.logger.Info("config reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("config watcher error", "error", err)
			}
		}
	}()
}

// reconcileProviders applies a reloaded config snapshot to the running
// gateway.Manager: registers new or changed providers and removes ones no
// longer present or disabled. Provider identity for "changed" is whole-struct
// equality against the live registration, matching AddProvider's own
// validate-then-replace semantics.
func (s *Server) reconcileProviders(cfg *config.Config) {
	live := s.gw.ProviderConfigs()

	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		seen[p.Name] = true
		if !p.IsEnabled() {
			if _, ok := live[p.Name]; ok {
				s.gw.RemoveProvider(p.Name)
			}
			continue
		}
		if cur, ok := live[p.Name]; ok {
			want := p
			want.Health = want.Health.WithDefaults()
			if reflect.DeepEqual(cur, want) {
				continue
			}
		}
		if err := s.gw.AddProvider(p); err != nil {
			s.logger.Warn("skipping invalid provider on reload", "provider", p.Name, "error", err)
		}
	}
	for name := range live {
		if !seen[name] {
			s.gw.RemoveProvider(name)
		}
	}
}

// Stop gracefully shuts down the HTTP server and stops the health monitor.
func (s *Server) Stop() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("server exited")
	return nil
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	dispatchHandler := handlers.NewDispatchHandler(s.gw, s.logger)
	gatewayHealthHandler := handlers.NewGatewayHealthHandler(s.gw)
	detailedHealthHandler := handlers.NewDetailedHealthHandler(s.gw)
	providersHandler := handlers.NewProvidersHandler(s.gw)
	modelsHandler := handlers.NewModelsHandler(s.gw)
	configHandler := handlers.NewConfigHandler(s.config, s.logger)
	metricsHandler := handlers.NewMetricsHandler(s.gw)
	prometheusHandler := handlers.NewPrometheusHandler(s.promReg)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("/health", middlewareSet.HealthChain().Handler(gatewayHealthHandler))
	mux.Handle("/health/detailed", middlewareSet.HealthChain().Handler(detailedHealthHandler))
	mux.Handle("/providers", middlewareSet.DefaultChain().Handler(providersHandler))
	mux.Handle("/v1/models", middlewareSet.DefaultChain().Handler(modelsHandler))
	mux.Handle("/anthropic/v1/models", middlewareSet.DefaultChain().Handler(modelsHandler))
	mux.Handle("/config", middlewareSet.DefaultChain().Handler(configHandler))
	mux.Handle("/metrics", middlewareSet.DefaultChain().Handler(metricsHandler))
	mux.Handle("/metrics/prometheus", middlewareSet.PublicChain().Handler(prometheusHandler))
	mux.Handle("/", middlewareSet.DefaultChain().Handler(dispatchHandler))

	return mux
}
