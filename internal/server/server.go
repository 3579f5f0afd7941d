// Package server exposes the task protocol over HTTP. The surface is
// deliberately thin: every handler parses parameters, calls one
// dispatcher operation and maps its error to a status code.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jalmeida85/vector-pmda/internal/task"
)

// Dispatcher is the protocol surface the server fronts.
type Dispatcher interface {
	Store(metric string, ctxID int, arg string) error
	Fetch(metric string, ctxID int) (string, error)
	SetContainer(ctxID int, name string)
}

// Server serves the task protocol endpoints.
type Server struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
	httpServer *http.Server
}

// New creates a server listening on addr. gatherer may be nil to omit
// the /metrics endpoint.
func New(addr string, dispatcher Dispatcher, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /task/{metric}/store", s.handleStore)
	mux.HandleFunc("GET /task/{metric}/fetch", s.handleFetch)
	mux.HandleFunc("POST /context/container", s.handleContainer)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "OK\n")
	})
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleStore admits a profiling session. The duration argument is
// optional; admission errors map to client-visible status codes.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	metric := r.PathValue("metric")
	ctxID, ok := s.clientContext(w, r)
	if !ok {
		return
	}

	err := s.dispatcher.Store(metric, ctxID, r.FormValue("arg"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "REQUESTED\n")
}

// handleFetch reads the session status for (metric, ctx) as plain
// text.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	metric := r.PathValue("metric")
	ctxID, ok := s.clientContext(w, r)
	if !ok {
		return
	}

	value, err := s.dispatcher.Fetch(metric, ctxID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s\n", value)
}

// handleContainer sets or clears the container scope for a client
// context. An empty name clears it.
func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	ctxID, ok := s.clientContext(w, r)
	if !ok {
		return
	}
	s.dispatcher.SetContainer(ctxID, r.FormValue("name"))
	w.WriteHeader(http.StatusNoContent)
}

// clientContext parses the mandatory ctx parameter identifying the
// requesting client.
func (s *Server) clientContext(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.FormValue("ctx")
	ctxID, err := strconv.Atoi(raw)
	if err != nil || ctxID < 0 {
		http.Error(w, fmt.Sprintf("invalid ctx %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return ctxID, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrUnknownMetric):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, task.ErrBadInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, task.ErrAgainLater):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
