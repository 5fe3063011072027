package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// NewRouter wires the API surface.
func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Use(middleware.Logger(*app.Logger))
	r.Use(middleware.CORS(nil))
	r.Use(middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute))

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/stats", app.Stats)

	r.Post("/v1/upscale", app.Upscale)
	r.Post("/v1/face-enhance", app.FaceEnhance)
	r.Get("/v1/results/{task_id}", app.Result)

	r.Get("/v1/artifacts", app.ListArtifacts)

	r.Post("/v1/admin/unload-models", app.UnloadModels)

	return r
}
