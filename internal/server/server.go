// Package server exposes the status endpoints of a running batch: liveness,
// version, Prometheus metrics and per-model capacity snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jwjohns/curator/internal/obs"
	"github.com/jwjohns/curator/internal/ratelimit"
)

const (
	maxBody         = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Addr        string
	MetricsPath string
	Version     string
}

// Deps are the collaborators behind the endpoints. Gatherer may be nil to
// disable /metrics.
type Deps struct {
	Source   obs.Source
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	// Middleware is applied inside access logging, outermost first.
	Middleware []Middleware
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Version string               `json:"version"`
	Time    time.Time            `json:"time"`
	Models  []ratelimit.Snapshot `json:"models"`
}

func NewHandler(cfg Config, deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(cfg.Version))
	})

	if deps.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{Version: cfg.Version, Time: time.Now().UTC()}
		if deps.Source != nil {
			resp.Models = deps.Source.Snapshots()
		}
		if resp.Models == nil {
			resp.Models = []ratelimit.Snapshot{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			deps.Logger.Error().Err(err).Msg("encode status")
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})

	mws := append([]Middleware{obs.Logger(deps.Logger), BodyLimit(maxBody)}, deps.Middleware...)
	return Chain(mux, mws...)
}

// Server is the status HTTP server.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

func New(cfg Config, deps Deps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewHandler(cfg, deps),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: deps.Logger.With().Str("component", "server").Logger(),
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown failed")
		return err
	}
	<-errc
	return nil
}
