// Package gateway is the HTTP surface of the proxy: the chat endpoint
// with transparent context caching, session and archive management, and
// an event stream.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/cache"
	"ctxproxy/internal/config"
	"ctxproxy/internal/gateway/middleware"
	ws "ctxproxy/internal/gateway/websocket"
	"ctxproxy/internal/provider"
	"ctxproxy/pkg/logger"
)

// sessionHeader carries the session id on requests and responses.
const sessionHeader = "X-Session-ID"

// Server is the HTTP gateway.
type Server struct {
	cfg       config.Config
	manager   *cache.Manager
	backend   provider.Backend
	estimator *budget.Estimator
	hub       *ws.Hub
	http      *http.Server
}

// NewServer creates the gateway. hub may be nil when the event stream is
// not wanted.
func NewServer(cfg config.Config, manager *cache.Manager, backend provider.Backend, hub *ws.Hub) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		backend:   backend,
		estimator: manager.Budget().Estimator(),
		hub:       hub,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleMessages).Methods(http.MethodPost)
	v1.HandleFunc("/messages/count_tokens", s.handleCountTokens).Methods(http.MethodPost)
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/archive", s.handleArchiveSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/archives", s.handleListArchives).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/context", s.handleContext).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	v1.HandleFunc("/archives/{id}", s.handleGetArchive).Methods(http.MethodGet)
	v1.HandleFunc("/cache/stats", s.handleStats).Methods(http.MethodGet)

	if s.hub != nil {
		r.Handle("/v1/events", s.hub)
	}

	r.NotFoundHandler = http.HandlerFunc(s.handleUnknown)
	return r
}

// handleUnknown answers unimplemented API surfaces with 501 so clients
// can distinguish "not here" from "not supported". Paths outside the API
// prefix stay plain 404s.
func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotImplemented, "not_implemented",
			fmt.Sprintf("%s %s is not supported", r.Method, r.URL.Path))
		return
	}
	http.NotFound(w, r)
}

// Start serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.http.Addr).Msg("gateway listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	return s.http.Shutdown(shutdownCtx)
}
