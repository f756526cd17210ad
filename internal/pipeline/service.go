// Package pipeline implements the orchestrator: the pipeline state machine
// and the operations that drive a unit of work from uploaded photos to a
// printable model.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"photoforge/internal/domain"
	"photoforge/internal/infra"
	"photoforge/internal/providers/image"
	"photoforge/internal/providers/mesh"
)

// ObjectStore is the opaque storage capability the orchestrator consumes:
// upload bytes, get back a URL; fetch bytes from a URL.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Service owns every pipeline operation. All state changes flow through the
// guarded transition primitive of the pipeline repository; credit movements
// are coupled to transitions via Store.InTx.
type Service struct {
	store   domain.Store
	gateway *mesh.Registry
	images  image.Generator
	batch   image.BatchClient
	files   ObjectStore
	logger  infra.Logger
	now     func() time.Time
}

// Deps wires the service's collaborators.
type Deps struct {
	Store   domain.Store
	Gateway *mesh.Registry
	Images  image.Generator
	Batch   image.BatchClient
	Files   ObjectStore
	Logger  infra.Logger
}

// NewService constructs the orchestrator service.
func NewService(d Deps) *Service {
	return &Service{
		store:   d.Store,
		gateway: d.Gateway,
		images:  d.Images,
		batch:   d.Batch,
		files:   d.Files,
		logger:  d.Logger,
		now:     time.Now,
	}
}

// CreateRequest carries pipeline creation parameters.
type CreateRequest struct {
	UserID         string
	ImageURLs      []string
	ProcessingMode domain.ProcessingMode
	ModelTier      domain.ModelTier
	Description    string
}

// Create builds a new draft pipeline. Processing mode and tier are fixed
// here and immutable afterward.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Pipeline, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if len(req.ImageURLs) == 0 {
		return nil, fmt.Errorf("%w: at least one input image is required", domain.ErrInvalidArgument)
	}
	mode := req.ProcessingMode
	switch mode {
	case "":
		mode = domain.ModeRealtime
	case domain.ModeRealtime, domain.ModeBatch:
	default:
		return nil, fmt.Errorf("%w: unknown processing mode %q", domain.ErrInvalidArgument, mode)
	}
	tier := req.ModelTier
	switch tier {
	case "":
		tier = domain.TierStandard
	case domain.TierStandard, domain.TierPremium:
	default:
		return nil, fmt.Errorf("%w: unknown model tier %q", domain.ErrInvalidArgument, tier)
	}

	now := s.now()
	inputs := make([]domain.InputImage, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		if u == "" {
			return nil, fmt.Errorf("%w: input image url must not be empty", domain.ErrInvalidArgument)
		}
		inputs = append(inputs, domain.InputImage{URL: u, UploadedAt: now})
	}

	p := &domain.Pipeline{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Status:         domain.StatusDraft,
		ProcessingMode: mode,
		ModelTier:      tier,
		Description:    req.Description,
		InputImages:    inputs,
		MeshImages:     map[string]domain.ProcessedImage{},
		TextureImages:  map[string]domain.ProcessedImage{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Pipelines().Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Str("mode", string(mode)).Msg("pipeline created")
	return p, nil
}

// Get returns the caller's pipeline document.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Pipeline, error) {
	return s.getOwned(ctx, userID, id)
}

// List returns the caller's pipelines, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]domain.Pipeline, error) {
	return s.store.Pipelines().ListByUser(ctx, userID, limit)
}

// UpdateAnalysis stores analysis metadata while the pipeline is still a
// draft.
func (s *Service) UpdateAnalysis(ctx context.Context, userID, id string, analysis *domain.Analysis, description string) error {
	if _, err := s.getOwned(ctx, userID, id); err != nil {
		return err
	}
	return s.store.Pipelines().UpdateAnalysis(ctx, id, analysis, description)
}

// FetchAsset reads a stored artifact back, for download bundling.
func (s *Service) FetchAsset(ctx context.Context, url string) ([]byte, error) {
	return s.files.Fetch(ctx, url)
}

// AuditTrail returns a pipeline's admin audit entries.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]domain.AdminAction, error) {
	return s.store.Audit().ListByPipeline(ctx, id)
}

// getOwned scopes a lookup to the owning user.
func (s *Service) getOwned(ctx context.Context, userID, id string) (*domain.Pipeline, error) {
	p, err := s.store.Pipelines().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

// reachedImagesReady reports whether the pipeline passed the images-ready
// milestone and its angle images exist.
func reachedImagesReady(status domain.PipelineStatus) bool {
	switch status {
	case domain.StatusImagesReady, domain.StatusGeneratingMesh, domain.StatusMeshReady,
		domain.StatusGeneratingTexture, domain.StatusCompleted:
		return true
	}
	return false
}

// failWithRefund pairs the failed transition with the compensating refund in
// one transaction. A refund is never optional once a charge without a
// deliverable exists.
func (s *Service) failWithRefund(ctx context.Context, p *domain.Pipeline, from domain.PipelineStatus, amount int, reason domain.CreditReason, cause error) error {
	msg := cause.Error()
	step := from
	err := s.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Pipelines().Transition(ctx, p.ID, from, domain.StatusFailed, &domain.PipelineMutation{
			Error:     &msg,
			ErrorStep: &step,
		}); err != nil {
			return err
		}
		if amount > 0 {
			return tx.Credits().Refund(ctx, p.UserID, amount, reason, p.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail pipeline %s: %w", p.ID, err)
	}
	s.logger.Warn().Str("pipeline_id", p.ID).Str("step", string(from)).Err(cause).Msg("pipeline failed")
	return nil
}
