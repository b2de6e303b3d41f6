package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"arena-sync/internal/sim"

	"github.com/go-chi/chi/v5"
)

// Engine is everything the full server needs from the sync engine.
type Engine interface {
	EngineInterface
	SessionEngine
	SetFrameHandler(fn func(sim.Frame))
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with the WebSocket hub for session traffic.
type Server struct {
	engine      Engine
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *RequestLimiter
	httpServer  *http.Server
}

// NewServer creates a new API server with default production configuration.
//
// IMPORTANT: The hub does NOT start until Start() is called.
// For testing HTTP endpoints without WebSocket support, use NewRouter() directly.
func NewServer(engine Engine) *Server {
	s := &Server{
		engine: engine,
		wsHub:  NewWebSocketHub(engine),
	}

	s.rateLimiter = NewRequestLimiter(DefaultRateLimitConfig)

	s.router = NewRouter(RouterConfig{
		Engine:      engine,
		RateLimiter: s.rateLimiter,
	})

	// The websocket route needs the hub instance, so it can't be part of
	// the generic NewRouter factory.
	s.router.Get("/ws", s.wsHub.HandleWebSocket)

	return s
}

// Start runs the hub, routes engine frames to it and serves HTTP until
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.engine.SetFrameHandler(s.wsHub.Deliver)

	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	log.Printf("🌐 API server starting on %s", addr)
	log.Printf("🔌 WebSocket endpoint: ws://localhost%s/ws?uuid=<session>", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Shutdown stops accepting requests, closes every session and stops
// background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wsHub.Stop()
	s.engine.SetFrameHandler(nil)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return err
}
