// Package server is the HTTP surface: a chat endpoint that appends a
// turn and returns immediately, a polling endpoint for reply status, and
// conversation management. Processing happens on the worker queue; no
// handler blocks on a model call.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"concierge/internal/logging"
	"concierge/internal/pipeline"
	"concierge/internal/store"
	"concierge/internal/worker"
)

// Server wires the router over the store, the worker queue, and the
// per-reply pipeline.
type Server struct {
	store  *store.Store
	queue  *worker.Queue
	pipe   *pipeline.Pipeline
	scorer pipeline.Scorer
	router *mux.Router
	http   *http.Server
}

// Config carries the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds the server and its routes. scorer may be nil when critic
// evaluation is disabled; the score endpoint then just reports existing
// scores.
func New(cfg Config, st *store.Store, queue *worker.Queue, pipe *pipeline.Pipeline, scorer pipeline.Scorer) *Server {
	s := &Server{
		store:  st,
		queue:  queue,
		pipe:   pipe,
		scorer: scorer,
		router: mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/chat", s.handleChat).Methods("POST")
	s.router.HandleFunc("/chat/status/{replyID}", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/conversations", s.handleListConversations).Methods("GET")
	s.router.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods("GET")
	s.router.HandleFunc("/conversations/{id}/second-assistant", s.handleSecondAssistant).Methods("POST")
	s.router.HandleFunc("/conversations/{id}/score", s.handleScore).Methods("POST")
	s.router.HandleFunc("/turns/{id}/prefer", s.handlePrefer).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Use installs middleware on the router. Authentication stays pluggable:
// deployments that need it wrap the routes here.
func (s *Server) Use(mw mux.MiddlewareFunc) {
	s.router.Use(mw)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Get(logging.CategoryServer).Infof("Listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
