package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"photoforge/internal/domain"
	"photoforge/internal/providers/image"
)

// GenerateImages runs realtime image generation for every mesh and texture
// angle. All-or-nothing: any single angle failing fails the whole run,
// discards partial output and refunds the full image charge.
func (s *Service) GenerateImages(ctx context.Context, userID, id string) (*domain.Pipeline, error) {
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if p.ProcessingMode != domain.ModeRealtime {
		return nil, fmt.Errorf("%w: pipeline is in %s mode", domain.ErrPreconditionFailed, p.ProcessingMode)
	}

	cost := p.ModelTier.ImageCredits()
	charged := p.CreditsCharged
	charged.Images = cost
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Credits().Charge(ctx, p.UserID, cost, domain.ReasonImageCharge, p.ID); err != nil {
			return err
		}
		return tx.Pipelines().Transition(ctx, p.ID, domain.StatusDraft, domain.StatusGeneratingImages, &domain.PipelineMutation{
			CreditsCharged: &charged,
		})
	})
	if err != nil {
		return nil, err
	}

	meshImages := map[string]domain.ProcessedImage{}
	textureImages := map[string]domain.ProcessedImage{}
	for _, view := range []domain.ViewType{domain.ViewMesh, domain.ViewTexture} {
		for _, angle := range domain.AnglesFor(view) {
			img, genErr := s.generateAngle(ctx, p, view, angle, "", canonicalPrefix(p.ID))
			if genErr != nil {
				cause := fmt.Errorf("generate %s/%s: %w", view, angle, genErr)
				if failErr := s.failWithRefund(ctx, p, domain.StatusGeneratingImages, cost, domain.ReasonImageRefund, cause); failErr != nil {
					return nil, failErr
				}
				return nil, cause
			}
			if view == domain.ViewMesh {
				meshImages[angle] = img
			} else {
				textureImages[angle] = img
			}
		}
	}

	palette := AggregatePalette(meshImages, maxPaletteColors)
	err = s.store.Pipelines().Transition(ctx, p.ID, domain.StatusGeneratingImages, domain.StatusImagesReady, &domain.PipelineMutation{
		MeshImages:        meshImages,
		TextureImages:     textureImages,
		AggregatedPalette: palette,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Int("images", len(meshImages)+len(textureImages)).Msg("realtime images ready")
	return s.store.Pipelines().GetByID(ctx, p.ID)
}

// SubmitBatch charges for image generation and hands the full angle set to
// the deferred batch backend. The guarded draft transition makes a second
// submission lose before any remote job exists.
func (s *Service) SubmitBatch(ctx context.Context, userID, id string) (*domain.BatchJob, error) {
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if p.ProcessingMode != domain.ModeBatch {
		return nil, fmt.Errorf("%w: pipeline is in %s mode", domain.ErrPreconditionFailed, p.ProcessingMode)
	}
	switch p.Status {
	case domain.StatusDraft:
	case domain.StatusBatchQueued, domain.StatusBatchProcessing:
		return nil, fmt.Errorf("%w: batch already submitted", domain.ErrConflict)
	default:
		return nil, fmt.Errorf("%w: pipeline is %s", domain.ErrPreconditionFailed, p.Status)
	}

	cost := p.ModelTier.ImageCredits()
	charged := p.CreditsCharged
	charged.Images = cost
	err = s.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Credits().Charge(ctx, p.UserID, cost, domain.ReasonImageCharge, p.ID); err != nil {
			return err
		}
		return tx.Pipelines().Transition(ctx, p.ID, domain.StatusDraft, domain.StatusBatchQueued, &domain.PipelineMutation{
			CreditsCharged: &charged,
		})
	})
	if err != nil {
		return nil, err
	}

	angles := make([]image.AngleRequest, 0, len(domain.MeshAngles)+len(domain.TextureAngles))
	for _, a := range domain.MeshAngles {
		angles = append(angles, image.AngleRequest{View: domain.ViewMesh, Angle: a})
	}
	for _, a := range domain.TextureAngles {
		angles = append(angles, image.AngleRequest{View: domain.ViewTexture, Angle: a})
	}
	handle, err := s.batch.SubmitBatch(ctx, image.BatchRequest{
		ReferenceURL: s.referenceURL(p),
		Tier:         p.ModelTier,
		Angles:       angles,
		RequestID:    p.ID,
	})
	if err != nil {
		cause := fmt.Errorf("submit batch: %w", err)
		if failErr := s.failWithRefund(ctx, p, domain.StatusBatchQueued, cost, domain.ReasonImageRefund, cause); failErr != nil {
			return nil, failErr
		}
		return nil, cause
	}

	job := &domain.BatchJob{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		RemoteHandle: handle,
		Status:       domain.BatchJobPending,
		SubmittedAt:  s.now(),
	}
	if err := s.store.BatchJobs().Create(ctx, job); err != nil {
		cause := fmt.Errorf("record batch job: %w", err)
		if failErr := s.failWithRefund(ctx, p, domain.StatusBatchQueued, cost, domain.ReasonImageRefund, cause); failErr != nil {
			return nil, failErr
		}
		return nil, cause
	}
	s.logger.Info().Str("pipeline_id", p.ID).Str("batch_handle", handle).Msg("batch submitted")
	return job, nil
}

// generateAngle produces one angle image and stores it under keyPrefix.
func (s *Service) generateAngle(ctx context.Context, p *domain.Pipeline, view domain.ViewType, angle, hint, keyPrefix string) (domain.ProcessedImage, error) {
	res, err := s.images.Generate(ctx, image.GenerateRequest{
		ReferenceURL: s.referenceURL(p),
		View:         view,
		Angle:        angle,
		Tier:         p.ModelTier,
		Hint:         hint,
		RequestID:    fmt.Sprintf("%s/%s/%s", p.ID, view, angle),
	})
	if err != nil {
		return domain.ProcessedImage{}, err
	}
	key := fmt.Sprintf("%s/%s/%s.%s", keyPrefix, view, angle, extForMime(res.Format))
	url, err := s.files.Write(ctx, key, res.Data)
	if err != nil {
		return domain.ProcessedImage{}, fmt.Errorf("store image: %w", err)
	}
	return domain.ProcessedImage{
		URL:         url,
		StorageKey:  key,
		Provenance:  domain.ProvenanceGenerated,
		Palette:     ExtractPalette(res.Data, maxPaletteColors),
		GeneratedAt: s.now(),
	}, nil
}

func canonicalPrefix(pipelineID string) string {
	return "pipelines/" + pipelineID
}

func (s *Service) referenceURL(p *domain.Pipeline) string {
	if len(p.InputImages) == 0 {
		return ""
	}
	return p.InputImages[0].URL
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
