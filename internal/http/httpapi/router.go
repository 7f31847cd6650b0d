package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"worker/internal/http/handlers"
	"worker/internal/middleware"
)

// NewRouter assembles the worker's HTTP surface.
func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	var lookup middleware.CountryLookup
	if app.Geo != nil {
		lookup = app.Geo.CountryCode
	}

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.CORSAllowedOrigins),
		middleware.Locale("en", lookup),
	)

	r.Get("/", app.Root)
	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		if app.Config.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute))
		}
		// With no secret configured the handler itself answers
		// server_not_ready, so the gate only runs when one exists.
		if app.Config.SharedSecret != "" {
			r.Use(middleware.WorkerSecret(app.Config.SharedSecret))
		}
		r.Post("/orchestrate", app.Orchestrate)
	})

	return r
}
