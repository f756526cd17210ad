package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"photoforge/internal/domain"
	"photoforge/internal/pipeline"
	"photoforge/internal/providers/mesh"
)

// adminActor identifies the admin for the audit trail. The shared-token
// guard cannot distinguish operators, so the caller names itself.
func adminActor(r *http.Request) string {
	if actor := r.Header.Get("X-Admin-Actor"); actor != "" {
		return actor
	}
	return "admin"
}

func (a *App) AdminGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.Svc.AdminGet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	view := pipelineView(p)
	view["user_id"] = p.UserID
	if p.AdminPreview != nil {
		view["admin_preview"] = p.AdminPreview
	}
	a.json(w, http.StatusOK, view)
}

type adminRegenerateRequest struct {
	View  string `json:"view"`
	Angle string `json:"angle"`
	Hint  string `json:"hint"`
}

func (a *App) AdminRegenerateImage(w http.ResponseWriter, r *http.Request) {
	var req adminRegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	img, err := a.Svc.AdminRegenerateImage(r.Context(), adminActor(r), chi.URLParam(r, "id"),
		domain.ViewType(req.View), req.Angle, req.Hint)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"staged": img})
}

type adminStartMeshRequest struct {
	Provider  string `json:"provider"`
	FaceCount int    `json:"face_count"`
	Format    string `json:"format"`
}

func (a *App) AdminStartMesh(w http.ResponseWriter, r *http.Request) {
	var req adminStartMeshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	preview, err := a.Svc.AdminStartMesh(r.Context(), adminActor(r), chi.URLParam(r, "id"),
		req.Provider, mesh.Options{FaceCount: req.FaceCount, Format: req.Format})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"preview": preview})
}

func (a *App) AdminPreviewStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Svc.AdminCheckPreview(r.Context(), adminActor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"state":    st.State,
		"progress": st.Progress,
		"message":  st.Message,
		"preview":  st.Preview,
	})
}

type previewDecisionRequest struct {
	Field string `json:"field"`
	Angle string `json:"angle"`
}

func (a *App) AdminConfirmPreview(w http.ResponseWriter, r *http.Request) {
	var req previewDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	err := a.Svc.ConfirmPreview(r.Context(), adminActor(r), chi.URLParam(r, "id"),
		pipeline.PreviewField(req.Field), req.Angle)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (a *App) AdminRejectPreview(w http.ResponseWriter, r *http.Request) {
	var req previewDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	err := a.Svc.RejectPreview(r.Context(), adminActor(r), chi.URLParam(r, "id"),
		pipeline.PreviewField(req.Field), req.Angle)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (a *App) AdminAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := a.Svc.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"actions": trail})
}
