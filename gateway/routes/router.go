package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakearena/gateway/middleware"
	"stakearena/storage/archive"
)

const (
	RateLimitRead   = "read"
	RateLimitEvents = "events"
)

type Config struct {
	Lobbies       LobbyReader
	Archive       archive.Store
	Events        http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New builds the public router: lobby and claim lookups, the authenticated
// game-event websocket, health and metrics.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	lobbies := &lobbyRoutes{live: cfg.Lobbies, archive: cfg.Archive}
	r.Route("/v1/lobby", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(RateLimitRead))
		}
		lobbies.mount(sr)
	})

	if cfg.Events != nil {
		r.Group(func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(RateLimitEvents))
			}
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware(middleware.ScopeGameEvents))
			}
			sr.Handle("/v1/events", cfg.Events)
		})
	}

	return otelhttp.NewHandler(r, "gateway")
}
