package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config defines metrics exporter configuration
type Config struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the exporter defaults. The exporter is off unless
// enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ListenAddr:  ":9090",
		MetricsPath: "/metrics",
		Namespace:   "euler",
	}
}

// HealthCheck reports whether the process is healthy.
type HealthCheck func() error

// Exporter serves a Prometheus registry and a health endpoint over HTTP.
type Exporter struct {
	logger   *zap.Logger
	config   Config
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	health   HealthCheck
}

// NewExporter creates an exporter with its own registry, preloaded with the
// Go runtime and process collectors.
func NewExporter(logger *zap.Logger, config Config) *Exporter {
	d := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = d.ListenAddr
	}
	if config.MetricsPath == "" {
		config.MetricsPath = d.MetricsPath
	}
	if config.Namespace == "" {
		config.Namespace = d.Namespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Exporter{
		logger:   logger,
		config:   config,
		registry: registry,
	}
}

// Registry is where components register their collectors.
func (e *Exporter) Registry() prometheus.Registerer {
	return e.registry
}

// Gatherer exposes the registry for tests and in-process inspection.
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Namespace returns the metric namespace components should use.
func (e *Exporter) Namespace() string {
	return e.config.Namespace
}

// SetHealthCheck installs the check behind /health.
func (e *Exporter) SetHealthCheck(check HealthCheck) {
	e.mu.Lock()
	e.health = check
	e.mu.Unlock()
}

// Start binds the listener and serves in the background until ctx is done
// or Stop is called. It is a no-op when the exporter is disabled.
func (e *Exporter) Start(ctx context.Context) error {
	if !e.config.Enabled {
		e.logger.Info("Metrics exporter disabled")
		return nil
	}

	e.mu.Lock()
	if e.server != nil {
		e.mu.Unlock()
		return errors.New("metrics exporter already started")
	}

	ln, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.MetricsPath, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", e.handleHealth)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.server = server
	e.listener = ln
	e.mu.Unlock()

	go func() {
		e.logger.Info("Starting metrics exporter",
			zap.String("address", ln.Addr().String()),
			zap.String("path", e.config.MetricsPath),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		if err := e.Stop(); err != nil {
			e.logger.Warn("Failed to stop metrics exporter", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, nil when not serving.
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Stop halts metrics export
func (e *Exporter) Stop() error {
	e.mu.Lock()
	server := e.server
	e.server = nil
	e.listener = nil
	e.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	e.logger.Info("Metrics exporter stopped")
	return nil
}

func (e *Exporter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	check := e.health
	e.mu.Unlock()

	if check != nil {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
