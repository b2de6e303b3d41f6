package api

import (
	"net/http"
	"time"

	"arena-sync/internal/entity"
	"arena-sync/internal/sim"
	"arena-sync/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EngineInterface is the read-only view of the engine the HTTP API needs.
// Tests substitute a mock so no tick loop has to run.
type EngineInterface interface {
	State() *sim.State
	Stats() sim.Stats
	Visibility(client entity.ClientID) ([]entity.ID, bool)
}

// RouterConfig holds the router's dependencies.
//
//	router := api.NewRouter(api.RouterConfig{
//	    Engine:          mockEngine,
//	    RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	Engine EngineInterface // required

	// RateLimiter is used as is when set; otherwise one is built from
	// RateLimitConfig, or DefaultRateLimitConfig when that is nil too.
	RateLimiter     *RequestLimiter
	RateLimitConfig *RateLimitConfig

	CORSOrigins    []string // nil = localhost only
	DisableLogging bool
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	engine EngineInterface
}

// NewRouter builds the read-only API. It opens no listener; the only
// background work is the rate limiter's eviction loop.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Limit before CORS so rejected requests do no further work.
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewRequestLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	h := &routerHandlers{engine: cfg.Engine}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/clients/{id}/visibility", h.handleGetVisibility)
		r.Get("/schema", h.handleGetSchema)
	})

	return r
}

// metricsMiddleware records latency per route pattern, not per raw path,
// so client IDs do not blow up label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}
