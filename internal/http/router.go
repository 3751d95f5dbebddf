package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/iago/genjobs-back/internal/http/handlers"
	"github.com/iago/genjobs-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Identity       middleware.IdentityVerifier
	Logger         *slog.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the public API. ctx bounds background middleware state.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Trace(deps.Logger),
		middleware.CORS(deps.CORSOrigins),
		middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst),
	)

	router.Get("/healthz", deps.API.Health)
	router.Post("/v1/callbacks/{provider}", deps.API.Callback)

	router.Route("/v1/jobs", func(r chi.Router) {
		r.Use(middleware.Identity(deps.Identity))
		r.Post("/", deps.API.CreateJob)
		r.Get("/", deps.API.ListJobs)
		r.Get("/{jobID}", deps.API.GetJob)
		r.Post("/{jobID}/cancel", deps.API.CancelJob)
	})

	return router
}
