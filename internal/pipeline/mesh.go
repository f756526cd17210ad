package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"

	"photoforge/internal/domain"
	"photoforge/internal/providers/mesh"
)

// StartMesh validates the request against the chosen backend's capabilities,
// charges its mesh price and submits the task. Validation runs before any
// credit moves.
func (s *Service) StartMesh(ctx context.Context, userID, id, providerName string, opts mesh.Options) (*domain.Pipeline, error) {
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusImagesReady {
		return nil, fmt.Errorf("%w: pipeline is %s", domain.ErrPreconditionFailed, p.Status)
	}
	provider, ok := s.gateway.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, providerName)
	}
	caps := provider.Capabilities()

	urls, err := angleURLs(p.MeshImages, domain.ViewMesh, caps.Multiview)
	if err != nil {
		return nil, err
	}
	req := mesh.SubmitRequest{Kind: mesh.KindMesh, ImageURLs: urls, Options: opts}
	if err := mesh.ValidateOptions(caps, req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	}

	cost := caps.MeshCredits
	name := provider.Name()
	charged := p.CreditsCharged
	charged.Mesh = cost
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Credits().Charge(ctx, p.UserID, cost, domain.ReasonMeshCharge, p.ID); err != nil {
			return err
		}
		return tx.Pipelines().Transition(ctx, p.ID, domain.StatusImagesReady, domain.StatusGeneratingMesh, &domain.PipelineMutation{
			CreditsCharged: &charged,
			Provider:       &name,
		})
	})
	if err != nil {
		return nil, err
	}

	taskID, err := provider.Submit(ctx, req)
	if err != nil {
		cause := fmt.Errorf("submit mesh task: %w", err)
		if failErr := s.failWithRefund(ctx, p, domain.StatusGeneratingMesh, cost, domain.ReasonMeshRefund, cause); failErr != nil {
			return nil, failErr
		}
		return nil, cause
	}
	if err := s.store.Pipelines().SetTaskHandle(ctx, p.ID, domain.StatusGeneratingMesh, taskID); err != nil {
		return nil, err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Str("provider", name).Str("task_id", taskID).Msg("mesh task submitted")
	return s.store.Pipelines().GetByID(ctx, p.ID)
}

// StartTexture submits a texturing task against the mesh produced earlier,
// on the same backend. Backends without native texturing are rejected before
// the charge.
func (s *Service) StartTexture(ctx context.Context, userID, id string) (*domain.Pipeline, error) {
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusMeshReady {
		return nil, fmt.Errorf("%w: pipeline is %s", domain.ErrPreconditionFailed, p.Status)
	}
	if p.MeshURL == "" {
		return nil, fmt.Errorf("%w: pipeline has no mesh output", domain.ErrPreconditionFailed)
	}
	provider, ok := s.gateway.Get(p.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline provider %q is not configured", domain.ErrPreconditionFailed, p.Provider)
	}
	caps := provider.Capabilities()

	urls, err := angleURLs(p.TextureImages, domain.ViewTexture, caps.Multiview)
	if err != nil {
		return nil, err
	}
	req := mesh.SubmitRequest{Kind: mesh.KindTexture, ImageURLs: urls, MeshURL: p.MeshURL}
	if err := mesh.ValidateOptions(caps, req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	}

	cost := caps.TextureCredits
	charged := p.CreditsCharged
	charged.Texture = cost
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Credits().Charge(ctx, p.UserID, cost, domain.ReasonTextureCharge, p.ID); err != nil {
			return err
		}
		return tx.Pipelines().Transition(ctx, p.ID, domain.StatusMeshReady, domain.StatusGeneratingTexture, &domain.PipelineMutation{
			CreditsCharged: &charged,
		})
	})
	if err != nil {
		return nil, err
	}

	taskID, err := provider.Submit(ctx, req)
	if err != nil {
		cause := fmt.Errorf("submit texture task: %w", err)
		if failErr := s.failWithRefund(ctx, p, domain.StatusGeneratingTexture, cost, domain.ReasonTextureRefund, cause); failErr != nil {
			return nil, failErr
		}
		return nil, cause
	}
	if err := s.store.Pipelines().SetTaskHandle(ctx, p.ID, domain.StatusGeneratingTexture, taskID); err != nil {
		return nil, err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Str("provider", p.Provider).Str("task_id", taskID).Msg("texture task submitted")
	return s.store.Pipelines().GetByID(ctx, p.ID)
}

// StatusResult is the poll view of a pipeline.
type StatusResult struct {
	Pipeline *domain.Pipeline
	Progress int
}

// CheckStatus reconciles in-flight remote work and returns the current
// document. Safe to call concurrently with the tracker; a lost transition
// race simply returns the other writer's result.
func (s *Service) CheckStatus(ctx context.Context, userID, id string) (*StatusResult, error) {
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case domain.StatusBatchQueued, domain.StatusBatchProcessing:
		job, jobErr := s.store.BatchJobs().GetActiveByPipeline(ctx, p.ID)
		if jobErr == nil {
			if recErr := s.ReconcileBatchJob(ctx, job, 0); recErr != nil {
				s.logger.Warn().Str("pipeline_id", p.ID).Err(recErr).Msg("batch reconcile failed")
			}
		} else if !errors.Is(jobErr, domain.ErrNotFound) {
			return nil, jobErr
		}
		return s.reload(ctx, p.ID, 0)

	case domain.StatusGeneratingMesh:
		return s.pollGeneration(ctx, p, meshStage)

	case domain.StatusGeneratingTexture:
		return s.pollGeneration(ctx, p, textureStage)
	}
	return &StatusResult{Pipeline: p, Progress: progressFor(p.Status)}, nil
}

// stageSpec parameterizes the mesh and texture poll paths, which are
// identical except for field names and the final edge.
type stageSpec struct {
	status  domain.PipelineStatus
	next    domain.PipelineStatus
	dir     string
	refund  domain.CreditReason
	charged func(*domain.Pipeline) int
	taskID  func(*domain.Pipeline) string
}

var meshStage = stageSpec{
	status:  domain.StatusGeneratingMesh,
	next:    domain.StatusMeshReady,
	dir:     "mesh",
	refund:  domain.ReasonMeshRefund,
	charged: func(p *domain.Pipeline) int { return p.CreditsCharged.Mesh },
	taskID:  func(p *domain.Pipeline) string { return p.MeshTaskID },
}

var textureStage = stageSpec{
	status:  domain.StatusGeneratingTexture,
	next:    domain.StatusCompleted,
	dir:     "texture",
	refund:  domain.ReasonTextureRefund,
	charged: func(p *domain.Pipeline) int { return p.CreditsCharged.Texture },
	taskID:  func(p *domain.Pipeline) string { return p.TextureTaskID },
}

func (s *Service) pollGeneration(ctx context.Context, p *domain.Pipeline, stage stageSpec) (*StatusResult, error) {
	taskID := stage.taskID(p)
	if taskID == "" {
		return &StatusResult{Pipeline: p, Progress: progressFor(p.Status)}, nil
	}
	provider, ok := s.gateway.Get(p.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline provider %q is not configured", domain.ErrPreconditionFailed, p.Provider)
	}
	st, err := provider.PollStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch st.State {
	case mesh.StateCompleted:
		if err := s.finalizeStage(ctx, p, provider, taskID, stage); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		return s.reload(ctx, p.ID, 100)
	case mesh.StateFailed:
		cause := domain.NewProviderError(p.Provider, st.ErrorCode, st.ErrorMessage)
		if err := s.failWithRefund(ctx, p, stage.status, stage.charged(p), stage.refund, cause); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		return s.reload(ctx, p.ID, 0)
	default:
		return &StatusResult{Pipeline: p, Progress: st.Progress}, nil
	}
}

// finalizeStage downloads the backend's outputs into our storage and commits
// the completion transition.
func (s *Service) finalizeStage(ctx context.Context, p *domain.Pipeline, provider mesh.Provider, taskID string, stage stageSpec) error {
	outs, err := provider.FetchOutputs(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch outputs: %w", err)
	}
	if len(outs) == 0 {
		return fmt.Errorf("provider %s returned no outputs", p.Provider)
	}
	files, err := s.ingestOutputs(ctx, p.ID, stage.dir, outs)
	if err != nil {
		return err
	}
	primary := primaryModelURL(files)

	mut := &domain.PipelineMutation{}
	if stage.status == domain.StatusGeneratingMesh {
		mut.MeshURL = &primary
		mut.MeshFiles = files
	} else {
		mut.TexturedModelURL = &primary
		mut.TextureFiles = files
		done := s.now()
		mut.CompletedAt = &done
	}
	if err := s.store.Pipelines().Transition(ctx, p.ID, stage.status, stage.next, mut); err != nil {
		return err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Str("stage", stage.dir).Int("files", len(files)).Msg("stage completed")
	return nil
}

// ingestOutputs copies remote artifacts into our own storage so provider
// URLs, which expire, never leak into pipeline documents.
func (s *Service) ingestOutputs(ctx context.Context, pipelineID, dir string, outs []mesh.File) ([]domain.OutputFile, error) {
	files := make([]domain.OutputFile, 0, len(outs))
	for i, f := range outs {
		data, err := s.files.Fetch(ctx, f.URL)
		if err != nil {
			return nil, fmt.Errorf("download %s output: %w", dir, err)
		}
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("model-%d.%s", i, f.Format)
		}
		key := path.Join("pipelines", pipelineID, dir, name)
		url, err := s.files.Write(ctx, key, data)
		if err != nil {
			return nil, fmt.Errorf("store %s output: %w", dir, err)
		}
		files = append(files, domain.OutputFile{URL: url, Name: name, Format: f.Format})
	}
	return files, nil
}

// primaryModelURL prefers the glb artifact, falling back to the first file.
func primaryModelURL(files []domain.OutputFile) string {
	for _, f := range files {
		if f.Format == "glb" {
			return f.URL
		}
	}
	return files[0].URL
}

func (s *Service) reload(ctx context.Context, id string, progress int) (*StatusResult, error) {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Pipeline: p, Progress: progress}, nil
}

// progressFor gives coarse progress for states with no remote task to ask.
func progressFor(status domain.PipelineStatus) int {
	switch status {
	case domain.StatusCompleted:
		return 100
	case domain.StatusMeshReady, domain.StatusImagesReady:
		return 100
	default:
		return 0
	}
}

// angleURLs collects the view's angle images in canonical order. Non-
// multiview backends get only the front image.
func angleURLs(images map[string]domain.ProcessedImage, view domain.ViewType, multiview bool) ([]string, error) {
	angles := domain.AnglesFor(view)
	if !multiview {
		angles = angles[:1]
	}
	urls := make([]string, 0, len(angles))
	for _, a := range angles {
		img, ok := images[a]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s angle image %q", domain.ErrPreconditionFailed, view, a)
		}
		urls = append(urls, img.URL)
	}
	return urls, nil
}
