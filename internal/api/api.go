// Package api provides the HTTP server for LabLab.
//
// It exposes the collaborator endpoints the participant runtime depends on
// (experiments, scenario data, wallet assets, progress, survey responses) and
// the participant session endpoints that drive a flow.Controller, including a
// websocket stream of session snapshots.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/LabLab/internal/flow"
	"github.com/BTreeMap/LabLab/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
	// maxBodyBytes bounds request bodies; a full survey answer map fits comfortably.
	maxBodyBytes = 1 << 20
)

// ParticipantHeader identifies the participant on every participant-scoped request.
const ParticipantHeader = "X-Participant-ID"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	StoreTimeout    time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the address the server listens on.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithStoreTimeout bounds each store call made by a collaborator endpoint.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.StoreTimeout = d
		}
	}
}

// Server serves the LabLab HTTP API.
type Server struct {
	st       store.Store
	sessions *flow.Registry
	opts     Opts
	mux      *http.ServeMux
}

// NewServer creates a Server over st, driving participant sessions through sessions.
func NewServer(st store.Store, sessions *flow.Registry, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout, StoreTimeout: flow.DefaultStoreTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{st: st, sessions: sessions, opts: o, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)

	s.mux.HandleFunc("GET /experiments", s.listExperimentsHandler)
	s.mux.HandleFunc("GET /experiments/{id}", s.getExperimentHandler)
	s.mux.HandleFunc("GET /scenarios/{id}", s.getScenarioHandler)
	s.mux.HandleFunc("GET /wallets/{id}/assets", s.getWalletAssetsHandler)
	s.mux.HandleFunc("GET /experiments/{id}/progress", s.getProgressHandler)
	s.mux.HandleFunc("POST /experiments/{id}/progress", s.saveProgressHandler)
	s.mux.HandleFunc("GET /experiments/{id}/progress/all", s.listProgressHandler)
	s.mux.HandleFunc("POST /experiments/{id}/stages/{stageId}/survey", s.surveyResponseHandler)

	s.mux.HandleFunc("POST /sessions", s.createSessionHandler)
	s.mux.HandleFunc("GET /sessions/{experimentId}", s.getSessionHandler)
	s.mux.HandleFunc("DELETE /sessions/{experimentId}", s.deleteSessionHandler)
	s.mux.HandleFunc("POST /sessions/{experimentId}/begin", s.beginHandler)
	s.mux.HandleFunc("POST /sessions/{experimentId}/acknowledge", s.acknowledgeHandler)
	s.mux.HandleFunc("POST /sessions/{experimentId}/survey", s.submitSurveyHandler)
	s.mux.HandleFunc("POST /sessions/{experimentId}/advance", s.advanceHandler)
	s.mux.HandleFunc("POST /sessions/{experimentId}/skip", s.skipHandler)
	s.mux.HandleFunc("GET /sessions/{experimentId}/events", s.sessionEventsHandler)
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully and closes
// every live session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: LabLab API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sessions.CloseAll()
	if err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
