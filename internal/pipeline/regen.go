package pipeline

import (
	"context"
	"fmt"

	"photoforge/internal/domain"
)

// RegenerateResult reports the outcome of a single-angle regeneration.
type RegenerateResult struct {
	Image     domain.ProcessedImage
	Used      int
	Remaining int
}

// RegenerateImage redoes one angle image. The shared counter is consumed up
// front; a failed generation still spends the attempt.
func (s *Service) RegenerateImage(ctx context.Context, userID, id string, view domain.ViewType, angle, hint string) (*RegenerateResult, error) {
	if !domain.ValidAngle(view, angle) {
		return nil, fmt.Errorf("%w: unknown angle %q for %s view", domain.ErrInvalidArgument, angle, view)
	}
	p, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !reachedImagesReady(p.Status) {
		return nil, fmt.Errorf("%w: images are not ready yet", domain.ErrPreconditionFailed)
	}

	used, err := s.store.Pipelines().IncrementRegenerations(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	img, err := s.generateAngle(ctx, p, view, angle, hint, canonicalPrefix(p.ID))
	if err != nil {
		s.logger.Warn().Str("pipeline_id", p.ID).Str("angle", angle).Err(err).Msg("regeneration failed")
		return nil, fmt.Errorf("regenerate %s/%s: %w", view, angle, err)
	}
	if err := s.store.Pipelines().SetAngleImage(ctx, p.ID, view, angle, img); err != nil {
		return nil, err
	}
	return &RegenerateResult{
		Image:     img,
		Used:      used,
		Remaining: domain.MaxRegenerations - used,
	}, nil
}
