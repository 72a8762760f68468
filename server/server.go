package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/INLOpen/nexusflow/oplog"
	"github.com/INLOpen/nexusflow/worker"
)

// Options configures the read-only query API server.
type Options struct {
	ListenAddress string
	Statuses      *worker.StatusService
	Oplog         oplog.Store

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Registry receives the server's Prometheus metrics. A fresh registry is
	// created when nil. Nothing is registered when MetricsDisabled is set.
	Registry        *prometheus.Registry
	MetricsDisabled bool

	Logger *slog.Logger
}

// Server exposes the derived worker state over HTTP: status records, the
// public oplog projection with free-text search, the per-shard running sets,
// health and metrics. It never writes; the oplog stays owned by the worker
// execution path.
type Server struct {
	opts    Options
	logger  *slog.Logger
	router  *mux.Router
	metrics *Metrics
	httpSrv *http.Server
}

// New validates the options and builds the router. The listener is not
// opened until Start.
func New(opts Options) (*Server, error) {
	if opts.Statuses == nil {
		return nil, fmt.Errorf("server: Statuses is required")
	}
	if opts.Oplog == nil {
		return nil, fmt.Errorf("server: Oplog is required")
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = ":8088"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "QueryAPI")

	s := &Server{opts: opts, logger: logger}

	if !opts.MetricsDisabled {
		reg := opts.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
		}
		s.metrics = NewMetrics(reg)
		s.opts.Registry = reg
	}

	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:         opts.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s, nil
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workers/{component_id}/{worker_name}/status", s.handleWorkerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/workers/{component_id}/{worker_name}/oplog", s.handleWorkerOplog).Methods(http.MethodGet)
	v1.HandleFunc("/shards/{shard}/workers", s.handleRunningWorkers).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler, for serving through a caller-owned
// listener or an httptest server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).String())
	})
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("Query API listening", "address", s.opts.ListenAddress)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("query api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Query API shutting down")
	return s.httpSrv.Shutdown(ctx)
}
