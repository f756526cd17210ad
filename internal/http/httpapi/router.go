package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"photoforge/internal/http/handlers"
	"photoforge/internal/infra"
	"photoforge/internal/middleware"
)

func NewRouter(app *handlers.App, cfg *infra.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS([]string{"http://localhost:3000"}),
		middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
	)

	r.Get("/v1/healthz", app.Health)

	if cfg.StoragePath != "" {
		fs := http.FileServer(http.Dir(cfg.StoragePath))
		r.Handle("/static/*", http.StripPrefix("/static/", fs))
	}

	r.Route("/v1/pipelines", func(r chi.Router) {
		r.Use(middleware.Auth)
		r.Post("/", app.CreatePipeline)
		r.Get("/", app.ListPipelines)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetPipeline)
			r.Get("/status", app.PipelineStatus)
			r.Get("/archive", app.DownloadArchive)
			r.Patch("/analysis", app.UpdateAnalysis)
			r.Post("/images", app.GenerateImages)
			r.Post("/batch", app.SubmitBatch)
			r.Post("/images/regenerate", app.RegenerateImage)
			r.Post("/mesh", app.StartMesh)
			r.Post("/texture", app.StartTexture)
		})
	})

	r.Route("/v1/admin/pipelines/{id}", func(r chi.Router) {
		r.Use(middleware.AdminToken(cfg.AdminToken))
		r.Get("/", app.AdminGetPipeline)
		r.Get("/audit", app.AdminAuditTrail)
		r.Post("/images/regenerate", app.AdminRegenerateImage)
		r.Post("/mesh", app.AdminStartMesh)
		r.Get("/preview", app.AdminPreviewStatus)
		r.Post("/preview/confirm", app.AdminConfirmPreview)
		r.Post("/preview/reject", app.AdminRejectPreview)
	})

	return r
}
