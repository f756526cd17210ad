package pipeline

import (
	"context"
	"fmt"
	"path"

	"photoforge/internal/domain"
	"photoforge/internal/providers/mesh"
)

// PreviewField names a promotable slot of the admin staging area.
type PreviewField string

const (
	PreviewMeshImage    PreviewField = "mesh_image"
	PreviewTextureImage PreviewField = "texture_image"
	PreviewMesh         PreviewField = "mesh"
	PreviewAll          PreviewField = "all"
)

// AdminGet fetches any pipeline regardless of owner.
func (s *Service) AdminGet(ctx context.Context, id string) (*domain.Pipeline, error) {
	return s.store.Pipelines().GetByID(ctx, id)
}

// AdminRegenerateImage regenerates one angle into the staging area. No
// charge, no regeneration counter; nothing user-visible changes until an
// explicit confirm.
func (s *Service) AdminRegenerateImage(ctx context.Context, actor, id string, view domain.ViewType, angle, hint string) (*domain.ProcessedImage, error) {
	if !domain.ValidAngle(view, angle) {
		return nil, fmt.Errorf("%w: unknown angle %q for %s view", domain.ErrInvalidArgument, angle, view)
	}
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reachedImagesReady(p.Status) {
		return nil, fmt.Errorf("%w: images are not ready yet", domain.ErrPreconditionFailed)
	}

	img, err := s.stageAngle(ctx, p, view, angle, hint)
	if err != nil {
		return nil, err
	}

	preview := previewOf(p)
	if view == domain.ViewTexture {
		if preview.TextureImages == nil {
			preview.TextureImages = map[string]domain.ProcessedImage{}
		}
		preview.TextureImages[angle] = img
	} else {
		if preview.MeshImages == nil {
			preview.MeshImages = map[string]domain.ProcessedImage{}
		}
		preview.MeshImages[angle] = img
	}
	preview.StagedAt = s.now()
	if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, preview); err != nil {
		return nil, err
	}
	if err := s.audit(ctx, p.ID, actor, domain.AdminActionStageImage, string(view)+"/"+angle, ""); err != nil {
		return nil, err
	}
	return &img, nil
}

// AdminStartMesh submits a preview mesh task. Staged angle images take
// precedence over the canonical ones so an admin can iterate image-then-mesh
// without touching the user's pipeline.
func (s *Service) AdminStartMesh(ctx context.Context, actor, id, providerName string, opts mesh.Options) (*domain.AdminPreview, error) {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reachedImagesReady(p.Status) {
		return nil, fmt.Errorf("%w: images are not ready yet", domain.ErrPreconditionFailed)
	}
	provider, ok := s.gateway.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, providerName)
	}
	caps := provider.Capabilities()

	preview := previewOf(p)
	images := overlayImages(p.MeshImages, preview.MeshImages)
	urls, err := angleURLs(images, domain.ViewMesh, caps.Multiview)
	if err != nil {
		return nil, err
	}
	req := mesh.SubmitRequest{Kind: mesh.KindMesh, ImageURLs: urls, Options: opts}
	if err := mesh.ValidateOptions(caps, req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	}

	taskID, err := provider.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit preview mesh task: %w", err)
	}

	preview.MeshTaskID = taskID
	preview.MeshProvider = provider.Name()
	preview.MeshURL = ""
	preview.MeshFiles = nil
	preview.StagedAt = s.now()
	if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, preview); err != nil {
		return nil, err
	}
	if err := s.audit(ctx, p.ID, actor, domain.AdminActionStageMesh, "mesh", provider.Name()); err != nil {
		return nil, err
	}
	return preview, nil
}

// PreviewStatus is the poll view of the staging area.
type PreviewStatus struct {
	Preview  *domain.AdminPreview
	State    mesh.TaskState
	Progress int
	Message  string
}

// AdminCheckPreview polls the staged mesh task and ingests its outputs into
// the staging area when done. On-demand only; the tracker never touches
// previews.
func (s *Service) AdminCheckPreview(ctx context.Context, actor, id string) (*PreviewStatus, error) {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	preview := previewOf(p)
	if preview.MeshTaskID == "" {
		state := mesh.StatePending
		if preview.MeshURL != "" {
			state = mesh.StateCompleted
		}
		return &PreviewStatus{Preview: preview, State: state}, nil
	}
	provider, ok := s.gateway.Get(preview.MeshProvider)
	if !ok {
		return nil, fmt.Errorf("%w: preview provider %q is not configured", domain.ErrPreconditionFailed, preview.MeshProvider)
	}

	st, err := provider.PollStatus(ctx, preview.MeshTaskID)
	if err != nil {
		return nil, err
	}
	switch st.State {
	case mesh.StateCompleted:
		outs, err := provider.FetchOutputs(ctx, preview.MeshTaskID)
		if err != nil {
			return nil, fmt.Errorf("fetch preview outputs: %w", err)
		}
		if len(outs) == 0 {
			return nil, fmt.Errorf("provider %s returned no preview outputs", preview.MeshProvider)
		}
		files, err := s.ingestOutputs(ctx, p.ID, path.Join("admin", "mesh"), outs)
		if err != nil {
			return nil, err
		}
		preview.MeshURL = primaryModelURL(files)
		preview.MeshFiles = files
		if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, preview); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, p.ID, actor, domain.AdminActionPreviewPoll, "mesh", preview.MeshProvider); err != nil {
			return nil, err
		}
		return &PreviewStatus{Preview: preview, State: mesh.StateCompleted, Progress: 100}, nil

	case mesh.StateFailed:
		msg := st.ErrorMessage
		preview.MeshTaskID = ""
		preview.MeshProvider = ""
		if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, normalizePreview(preview)); err != nil {
			return nil, err
		}
		return &PreviewStatus{Preview: preview, State: mesh.StateFailed, Message: msg}, nil

	default:
		return &PreviewStatus{Preview: preview, State: st.State, Progress: st.Progress}, nil
	}
}

// ConfirmPreview promotes one staged slot into the canonical pipeline.
// Confirming an empty slot is a no-op so repeated clicks are safe.
func (s *Service) ConfirmPreview(ctx context.Context, actor, id string, field PreviewField, angle string) error {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return err
	}
	preview := previewOf(p)

	switch field {
	case PreviewMeshImage, PreviewTextureImage:
		view := domain.ViewMesh
		staged := preview.MeshImages
		if field == PreviewTextureImage {
			view = domain.ViewTexture
			staged = preview.TextureImages
		}
		if !domain.ValidAngle(view, angle) {
			return fmt.Errorf("%w: unknown angle %q for %s view", domain.ErrInvalidArgument, angle, view)
		}
		img, ok := staged[angle]
		if !ok {
			return nil
		}
		if err := s.store.Pipelines().SetAngleImage(ctx, p.ID, view, angle, img); err != nil {
			return err
		}
		delete(staged, angle)

	case PreviewMesh:
		if preview.MeshURL == "" {
			return nil
		}
		if err := s.store.Pipelines().SetMeshOutputs(ctx, p.ID, preview.MeshURL, preview.MeshFiles); err != nil {
			return err
		}
		preview.MeshTaskID = ""
		preview.MeshProvider = ""
		preview.MeshURL = ""
		preview.MeshFiles = nil

	default:
		return fmt.Errorf("%w: unknown preview field %q", domain.ErrInvalidArgument, field)
	}

	if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, normalizePreview(preview)); err != nil {
		return err
	}
	return s.audit(ctx, p.ID, actor, domain.AdminActionConfirm, confirmTarget(field, angle), "")
}

// RejectPreview discards one staged slot, or the whole staging area with
// PreviewAll. Rejecting an empty slot is a no-op.
func (s *Service) RejectPreview(ctx context.Context, actor, id string, field PreviewField, angle string) error {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return err
	}
	preview := previewOf(p)
	if preview.Empty() {
		return nil
	}

	switch field {
	case PreviewAll:
		preview = &domain.AdminPreview{}

	case PreviewMeshImage, PreviewTextureImage:
		view := domain.ViewMesh
		staged := preview.MeshImages
		if field == PreviewTextureImage {
			view = domain.ViewTexture
			staged = preview.TextureImages
		}
		if !domain.ValidAngle(view, angle) {
			return fmt.Errorf("%w: unknown angle %q for %s view", domain.ErrInvalidArgument, angle, view)
		}
		if _, ok := staged[angle]; !ok {
			return nil
		}
		delete(staged, angle)

	case PreviewMesh:
		if preview.MeshTaskID == "" && preview.MeshURL == "" {
			return nil
		}
		preview.MeshTaskID = ""
		preview.MeshProvider = ""
		preview.MeshURL = ""
		preview.MeshFiles = nil

	default:
		return fmt.Errorf("%w: unknown preview field %q", domain.ErrInvalidArgument, field)
	}

	if err := s.store.Pipelines().SetAdminPreview(ctx, p.ID, normalizePreview(preview)); err != nil {
		return err
	}
	return s.audit(ctx, p.ID, actor, domain.AdminActionReject, confirmTarget(field, angle), "")
}

// stageAngle generates one angle image under the admin prefix so a pending
// preview never shadows the live image.
func (s *Service) stageAngle(ctx context.Context, p *domain.Pipeline, view domain.ViewType, angle, hint string) (domain.ProcessedImage, error) {
	img, err := s.generateAngle(ctx, p, view, angle, hint, path.Join(canonicalPrefix(p.ID), "admin"))
	if err != nil {
		return domain.ProcessedImage{}, fmt.Errorf("stage %s/%s: %w", view, angle, err)
	}
	return img, nil
}

func (s *Service) audit(ctx context.Context, pipelineID, actor string, kind domain.AdminActionKind, target, provider string) error {
	return s.store.Audit().Append(ctx, &domain.AdminAction{
		PipelineID: pipelineID,
		Actor:      actor,
		Kind:       kind,
		Target:     target,
		Provider:   provider,
	})
}

func previewOf(p *domain.Pipeline) *domain.AdminPreview {
	if p.AdminPreview != nil {
		return p.AdminPreview
	}
	return &domain.AdminPreview{}
}

// normalizePreview collapses an empty staging area back to nil.
func normalizePreview(preview *domain.AdminPreview) *domain.AdminPreview {
	if preview.Empty() {
		return nil
	}
	return preview
}

// overlayImages lays staged angle images over the canonical set.
func overlayImages(base, staged map[string]domain.ProcessedImage) map[string]domain.ProcessedImage {
	out := make(map[string]domain.ProcessedImage, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range staged {
		out[k] = v
	}
	return out
}

func confirmTarget(field PreviewField, angle string) string {
	if angle == "" {
		return string(field)
	}
	return string(field) + "/" + angle
}
