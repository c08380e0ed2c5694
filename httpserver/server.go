package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/ruteri/secret-store-cluster/metrics"
)

// RouteRegistrar is implemented by handlers mounted on the server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// ReadinessReporter is implemented by handlers that can hold back readiness,
// such as the bootstrap handler while the node seed is not recovered.
type ReadinessReporter interface {
	IsReady() bool
}

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	reporters  []ReadinessReporter
}

// New creates the key server HTTP server. metricsSrv may be nil when
// metrics are disabled.
func New(cfg *HTTPServerConfig, metricsSrv *metrics.MetricsServer, registrars ...RouteRegistrar) (*Server, error) {
	if cfg.MetricsAddr != "" && metricsSrv == nil {
		return nil, errors.New("metrics address set without a metrics server")
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	for _, registrar := range registrars {
		if reporter, ok := registrar.(ReadinessReporter); ok {
			srv.reporters = append(srv.reporters, reporter)
		}
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(registrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Handler returns the router, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter(registrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, registrar := range registrars {
			registrar.RegisterRoutes(r)
		}
	})

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// IsReady reports whether the node should receive traffic.
func (srv *Server) IsReady() bool {
	if !srv.isReady.Load() {
		return false
	}
	for _, reporter := range srv.reporters {
		if !reporter.IsReady() {
			return false
		}
	}
	return true
}

type healthStatus struct {
	Status string `json:"status"`
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "ready"})
}

// handleDrain marks the node not ready so that load balancers stop routing
// admin traffic to it. Cluster messages keep being accepted.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, healthStatus{Status: "already draining"})
		return
	}

	srv.log.Info("server draining", slog.Duration("drainDuration", srv.cfg.DrainDuration))
	time.AfterFunc(srv.cfg.DrainDuration, func() {
		srv.log.Info("drain period completed")
	})
	writeJSON(w, http.StatusOK, healthStatus{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, healthStatus{Status: "already ready"})
		return
	}

	srv.log.Info("server ready again")
	writeJSON(w, http.StatusOK, healthStatus{Status: "ready"})
}

// RunInBackground starts the HTTP listener and, when configured, the metrics
// listener. Listener failures are logged.
func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go srv.serve("metrics", srv.cfg.MetricsAddr, srv.metricsSrv.ListenAndServe)
	}
	go srv.serve("http", srv.cfg.ListenAddr, srv.srv.ListenAndServe)
}

func (srv *Server) serve(name, addr string, listen func() error) {
	srv.log.Info("starting listener", slog.String("listener", name), slog.String("listenAddress", addr))
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.log.Error("listener failed", slog.String("listener", name), "err", err)
	}
}

// Shutdown stops both listeners, each within GracefulShutdownDuration.
func (srv *Server) Shutdown() {
	srv.shutdown("http", srv.srv.Shutdown)
	if srv.cfg.MetricsAddr != "" {
		srv.shutdown("metrics", srv.metricsSrv.Shutdown)
	}
}

func (srv *Server) shutdown(name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := stop(ctx); err != nil {
		srv.log.Error("graceful shutdown failed", slog.String("listener", name), "err", err)
		return
	}
	srv.log.Info("listener stopped", slog.String("listener", name))
}
