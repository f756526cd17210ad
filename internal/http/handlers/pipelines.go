package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"photoforge/internal/domain"
	"photoforge/internal/middleware"
	"photoforge/internal/pipeline"
	"photoforge/internal/providers/mesh"
	"photoforge/pkg/zip"
)

type createPipelineRequest struct {
	ImageURLs      []string `json:"image_urls"`
	ProcessingMode string   `json:"processing_mode"`
	ModelTier      string   `json:"model_tier"`
	Description    string   `json:"description"`
}

func (a *App) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	p, err := a.Svc.Create(r.Context(), pipeline.CreateRequest{
		UserID:         middleware.UserIDFromContext(r.Context()),
		ImageURLs:      req.ImageURLs,
		ProcessingMode: domain.ProcessingMode(req.ProcessingMode),
		ModelTier:      domain.ModelTier(req.ModelTier),
		Description:    req.Description,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, pipelineView(p))
}

func (a *App) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.Svc.Get(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, pipelineView(p))
}

func (a *App) ListPipelines(w http.ResponseWriter, r *http.Request) {
	list, err := a.Svc.List(r.Context(), middleware.UserIDFromContext(r.Context()), 50)
	if err != nil {
		a.fail(w, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for i := range list {
		views = append(views, pipelineView(&list[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"pipelines": views})
}

func (a *App) GenerateImages(w http.ResponseWriter, r *http.Request) {
	p, err := a.Svc.GenerateImages(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, pipelineView(p))
}

func (a *App) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	job, err := a.Svc.SubmitBatch(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"submitted_at": job.SubmittedAt,
	})
}

type regenerateRequest struct {
	View  string `json:"view"`
	Angle string `json:"angle"`
	Hint  string `json:"hint"`
}

func (a *App) RegenerateImage(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	res, err := a.Svc.RegenerateImage(r.Context(), middleware.UserIDFromContext(r.Context()),
		chi.URLParam(r, "id"), domain.ViewType(req.View), req.Angle, req.Hint)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"image":              res.Image,
		"regenerations_used": res.Used,
		"regenerations_left": res.Remaining,
		"max_regenerations":  domain.MaxRegenerations,
	})
}

type startMeshRequest struct {
	Provider  string `json:"provider"`
	FaceCount int    `json:"face_count"`
	Format    string `json:"format"`
}

func (a *App) StartMesh(w http.ResponseWriter, r *http.Request) {
	var req startMeshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	p, err := a.Svc.StartMesh(r.Context(), middleware.UserIDFromContext(r.Context()),
		chi.URLParam(r, "id"), req.Provider, mesh.Options{FaceCount: req.FaceCount, Format: req.Format})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, pipelineView(p))
}

func (a *App) StartTexture(w http.ResponseWriter, r *http.Request) {
	p, err := a.Svc.StartTexture(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, pipelineView(p))
}

func (a *App) PipelineStatus(w http.ResponseWriter, r *http.Request) {
	res, err := a.Svc.CheckStatus(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	view := pipelineView(res.Pipeline)
	view["progress"] = res.Progress
	a.json(w, http.StatusOK, view)
}

type updateAnalysisRequest struct {
	Analysis    *domain.Analysis `json:"analysis"`
	Description string           `json:"description"`
}

func (a *App) UpdateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req updateAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	err := a.Svc.UpdateAnalysis(r.Context(), middleware.UserIDFromContext(r.Context()),
		chi.URLParam(r, "id"), req.Analysis, req.Description)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DownloadArchive bundles every output artifact of a completed pipeline into
// one zip.
func (a *App) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := a.Svc.Get(ctx, middleware.UserIDFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if p.MeshURL == "" {
		a.error(w, http.StatusConflict, "precondition_failed", "pipeline has no outputs yet")
		return
	}

	var assets []zip.Asset
	for _, f := range append(append([]domain.OutputFile{}, p.MeshFiles...), p.TextureFiles...) {
		data, err := a.Svc.FetchAsset(ctx, f.URL)
		if err != nil {
			a.fail(w, fmt.Errorf("fetch %s: %w", f.Name, err))
			return
		}
		assets = append(assets, zip.Asset{Filename: f.Name, Data: data})
	}
	manifest, _ := json.Marshal(map[string]any{
		"pipeline_id":  p.ID,
		"status":       p.Status,
		"provider":     p.Provider,
		"generated_at": time.Now().UTC(),
		"files":        len(assets),
	})
	archive := zip.ArchiveWithManifest(manifest, assets)
	if archive == nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "pipeline-"+p.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// pipelineView shapes the API representation of a pipeline.
func pipelineView(p *domain.Pipeline) map[string]any {
	view := map[string]any{
		"id":                 p.ID,
		"status":             p.Status,
		"processing_mode":    p.ProcessingMode,
		"model_tier":         p.ModelTier,
		"description":        p.Description,
		"input_images":       p.InputImages,
		"mesh_images":        p.MeshImages,
		"texture_images":     p.TextureImages,
		"aggregated_palette": p.AggregatedPalette,
		"regenerations_used": p.RegenerationsUsed,
		"credits_charged":    p.CreditsCharged,
		"created_at":         p.CreatedAt,
		"updated_at":         p.UpdatedAt,
	}
	if p.Provider != "" {
		view["provider"] = p.Provider
	}
	if p.MeshURL != "" {
		view["mesh_url"] = p.MeshURL
		view["mesh_files"] = p.MeshFiles
	}
	if p.TexturedModelURL != "" {
		view["textured_model_url"] = p.TexturedModelURL
		view["texture_files"] = p.TextureFiles
	}
	if p.Analysis != nil {
		view["analysis"] = p.Analysis
	}
	if p.Error != "" {
		view["error"] = p.Error
		view["error_step"] = p.ErrorStep
	}
	if p.CompletedAt != nil {
		view["completed_at"] = p.CompletedAt
	}
	return view
}
