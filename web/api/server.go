// Package api serves run history and the live event stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/observer"
)

// Store is the read side of the run store
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]*domain.RunSummary, error)
	GetRun(ctx context.Context, id string) (*domain.RunSummary, error)
	LastRun(ctx context.Context) (*domain.RunSummary, error)
	Events(ctx context.Context, runID string) ([]events.Event, error)
}

// Config wires the server. Store, Bus and Observer are each optional:
// `cascade serve` has only a store, `cascade run --listen` has all three.
type Config struct {
	Addr     string
	Store    Store
	Bus      *events.Bus
	Observer *observer.Observer
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	store    Store
	bus      *events.Bus
	observer *observer.Observer
	addr     string
	mux      *http.ServeMux
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		observer: cfg.Observer,
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: cfg.Logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.runEventsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the live fan-out hub
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub, forwards bus events to it and serves HTTP until ctx
// ends. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	if s.bus != nil {
		sub := s.bus.Subscribe("web", 1024)
		go s.Pump(ctx, sub)
	}

	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Pump forwards a bus subscription into the hub until either ends
func (s *Server) Pump(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			s.hub.Broadcast(e)
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
