package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"photoforge/internal/domain"
	"photoforge/internal/infra"
	"photoforge/internal/providers/image"
)

// Tracker periodically reconciles outstanding batch jobs against the remote
// backend. It shares the reconcile path with user-triggered status checks,
// so overlapping runs converge on the same guarded transitions.
type Tracker struct {
	svc         *Service
	interval    time.Duration
	maxAge      time.Duration
	concurrency int
	logger      infra.Logger
}

// NewTracker builds the batch poller.
func NewTracker(svc *Service, interval, maxAge time.Duration, concurrency int, logger infra.Logger) *Tracker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Tracker{svc: svc, interval: interval, maxAge: maxAge, concurrency: concurrency, logger: logger}
}

// Run sweeps on the configured interval until the context is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info().Dur("interval", t.interval).Msg("batch tracker started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("batch tracker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil {
				t.logger.Error().Err(err).Msg("tracker sweep failed")
			}
		}
	}
}

// RunOnce reconciles every outstanding job, then sweeps stranded pipelines.
// The stranded sweep runs even when the job sweep finds nothing or fails.
func (t *Tracker) RunOnce(ctx context.Context) error {
	jobsErr := t.sweepJobs(ctx)
	if err := t.svc.ReconcileStranded(ctx, t.maxAge); err != nil {
		t.logger.Error().Err(err).Msg("stranded sweep failed")
	}
	return jobsErr
}

// sweepJobs reconciles outstanding batch jobs. Per-job errors are logged,
// not propagated, so one broken job cannot starve the rest of the sweep.
func (t *Tracker) sweepJobs(ctx context.Context) error {
	jobs, err := t.svc.store.BatchJobs().ListOutstanding(ctx)
	if err != nil {
		return fmt.Errorf("list outstanding jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			if err := t.svc.ReconcileBatchJob(gctx, &job, t.maxAge); err != nil {
				t.logger.Warn().Str("pipeline_id", job.PipelineID).Str("job_id", job.ID).Err(err).Msg("reconcile failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// ReconcileStranded fails and refunds in-flight pipelines older than maxAge
// that have nothing left to reconcile against: a crash between the committed
// charge+transition and the remote submit (or the batch job insert, or the
// task handle write) leaves a charged pipeline the job sweep can never find.
// The guarded failed transition loses to any pipeline that moved on between
// the listing and the write.
func (s *Service) ReconcileStranded(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	stranded, err := s.store.Pipelines().ListStranded(ctx, s.now().Add(-maxAge))
	if err != nil {
		return fmt.Errorf("list stranded pipelines: %w", err)
	}
	for i := range stranded {
		p := &stranded[i]
		amount, reason := strandedRefund(p)
		cause := fmt.Errorf("no remote work recorded in %s for over %s", p.Status, maxAge)
		if err := s.failWithRefund(ctx, p, p.Status, amount, reason, cause); err != nil && !errors.Is(err, domain.ErrConflict) {
			s.logger.Warn().Str("pipeline_id", p.ID).Err(err).Msg("stranded reconcile failed")
		}
	}
	return nil
}

// strandedRefund picks the charge covering the stage the pipeline stalled in.
func strandedRefund(p *domain.Pipeline) (int, domain.CreditReason) {
	switch p.Status {
	case domain.StatusGeneratingMesh:
		return p.CreditsCharged.Mesh, domain.ReasonMeshRefund
	case domain.StatusGeneratingTexture:
		return p.CreditsCharged.Texture, domain.ReasonTextureRefund
	default:
		return p.CreditsCharged.Images, domain.ReasonImageRefund
	}
}

// ReconcileBatchJob advances one batch job: promote to processing on the
// first running observation, ingest results on success, refund on failure or
// age-out. Every write is guarded, so a concurrent reconcile is harmless.
func (s *Service) ReconcileBatchJob(ctx context.Context, job *domain.BatchJob, maxAge time.Duration) error {
	p, err := s.store.Pipelines().GetByID(ctx, job.PipelineID)
	if err != nil {
		return err
	}

	// The pipeline may have moved on while the job row stayed open; close
	// the job to match.
	if reachedImagesReady(p.Status) {
		return s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobSucceeded)
	}
	if p.Status == domain.StatusFailed {
		return s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobFailed)
	}

	if maxAge > 0 && s.now().Sub(job.SubmittedAt) > maxAge {
		cause := fmt.Errorf("batch job exceeded maximum age %s", maxAge)
		if err := s.failWithRefund(ctx, p, p.Status, p.CreditsCharged.Images, domain.ReasonImageRefund, cause); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		return s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobFailed)
	}

	st, err := s.batch.PollBatch(ctx, job.RemoteHandle)
	if err != nil {
		return fmt.Errorf("poll batch %s: %w", job.RemoteHandle, err)
	}

	switch st.State {
	case image.BatchPending:
		return nil

	case image.BatchRunning:
		if err := s.store.BatchJobs().MarkRunning(ctx, job.ID); err != nil {
			return err
		}
		if p.Status == domain.StatusBatchQueued {
			err := s.store.Pipelines().Transition(ctx, p.ID, domain.StatusBatchQueued, domain.StatusBatchProcessing, nil)
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
		}
		return nil

	case image.BatchFailed:
		cause := fmt.Errorf("batch generation failed: %s", st.Message)
		if err := s.failWithRefund(ctx, p, p.Status, p.CreditsCharged.Images, domain.ReasonImageRefund, cause); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		return s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobFailed)

	case image.BatchSucceeded:
		return s.ingestBatchResults(ctx, p, job)
	}
	return fmt.Errorf("unknown batch state %q", st.State)
}

// ingestBatchResults stores the produced angle images and commits the
// images-ready transition.
func (s *Service) ingestBatchResults(ctx context.Context, p *domain.Pipeline, job *domain.BatchJob) error {
	results, err := s.batch.FetchResults(ctx, job.RemoteHandle)
	if err != nil {
		return fmt.Errorf("fetch batch results: %w", err)
	}

	meshImages := map[string]domain.ProcessedImage{}
	textureImages := map[string]domain.ProcessedImage{}
	for _, r := range results {
		key := fmt.Sprintf("pipelines/%s/%s/%s.%s", p.ID, r.View, r.Angle, extForMime(r.Format))
		url, err := s.files.Write(ctx, key, r.Data)
		if err != nil {
			return fmt.Errorf("store batch image: %w", err)
		}
		img := domain.ProcessedImage{
			URL:         url,
			StorageKey:  key,
			Provenance:  domain.ProvenanceGenerated,
			Palette:     ExtractPalette(r.Data, maxPaletteColors),
			GeneratedAt: s.now(),
		}
		if r.View == domain.ViewTexture {
			textureImages[r.Angle] = img
		} else {
			meshImages[r.Angle] = img
		}
	}
	for _, a := range domain.MeshAngles {
		if _, ok := meshImages[a]; !ok {
			cause := fmt.Errorf("batch results missing mesh angle %q", a)
			if err := s.failWithRefund(ctx, p, p.Status, p.CreditsCharged.Images, domain.ReasonImageRefund, cause); err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
			return s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobFailed)
		}
	}

	err = s.store.Pipelines().Transition(ctx, p.ID, p.Status, domain.StatusImagesReady, &domain.PipelineMutation{
		MeshImages:        meshImages,
		TextureImages:     textureImages,
		AggregatedPalette: AggregatePalette(meshImages, maxPaletteColors),
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	if err := s.store.BatchJobs().MarkTerminal(ctx, job.ID, domain.BatchJobSucceeded); err != nil {
		return err
	}
	s.logger.Info().Str("pipeline_id", p.ID).Int("images", len(results)).Msg("batch images ready")
	return nil
}
