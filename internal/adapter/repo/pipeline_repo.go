package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"photoforge/internal/domain"
)

// pipelineRepo implements domain.PipelineRepository.
type pipelineRepo struct {
	db DBTX
}

const pipelineColumns = `
id, user_id, status, processing_mode, model_tier, description,
input_images, mesh_images, texture_images, aggregated_palette,
regenerations_used, credits_charged, provider, mesh_task_id, texture_task_id,
mesh_url, textured_model_url, mesh_files, texture_files,
analysis, admin_preview, error, error_step, created_at, updated_at, completed_at`

// Create inserts a new pipeline document.
func (r *pipelineRepo) Create(ctx context.Context, p *domain.Pipeline) error {
	query := `
INSERT INTO pipelines (
  id, user_id, status, processing_mode, model_tier, description,
  input_images, mesh_images, texture_images, regenerations_used, credits_charged
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := r.db.Exec(ctx, query,
		p.ID,
		p.UserID,
		p.Status,
		p.ProcessingMode,
		p.ModelTier,
		p.Description,
		mustJSON(p.InputImages),
		mustJSON(emptyIfNilMap(p.MeshImages)),
		mustJSON(emptyIfNilMap(p.TextureImages)),
		p.RegenerationsUsed,
		mustJSON(p.CreditsCharged),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetByID fetches one pipeline document.
func (r *pipelineRepo) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1;`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListByUser returns the user's pipelines, newest first.
func (r *pipelineRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Pipeline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Transition performs the guarded status write: it succeeds only when the
// stored status still equals from, applying the mutation in the same
// statement. Zero rows means either a lost race or a missing pipeline.
func (r *pipelineRepo) Transition(ctx context.Context, id string, from, to domain.PipelineStatus, mut *domain.PipelineMutation) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: no edge %s -> %s", domain.ErrPreconditionFailed, from, to)
	}
	if mut == nil {
		mut = &domain.PipelineMutation{}
	}
	query := `
UPDATE pipelines SET
  status = $3,
  updated_at = now(),
  mesh_images = COALESCE($4, mesh_images),
  texture_images = COALESCE($5, texture_images),
  aggregated_palette = COALESCE($6, aggregated_palette),
  credits_charged = COALESCE($7, credits_charged),
  provider = COALESCE($8, provider),
  mesh_task_id = COALESCE($9, mesh_task_id),
  texture_task_id = COALESCE($10, texture_task_id),
  mesh_url = COALESCE($11, mesh_url),
  textured_model_url = COALESCE($12, textured_model_url),
  mesh_files = COALESCE($13, mesh_files),
  texture_files = COALESCE($14, texture_files),
  error = COALESCE($15, error),
  error_step = COALESCE($16, error_step),
  completed_at = COALESCE($17, completed_at)
WHERE id = $1 AND status = $2;
`
	tag, err := r.db.Exec(ctx, query,
		id,
		from,
		to,
		jsonOrNilMap(mut.MeshImages),
		jsonOrNilMap(mut.TextureImages),
		jsonOrNil(mut.AggregatedPalette),
		jsonOrNilPtr(mut.CreditsCharged),
		mut.Provider,
		mut.MeshTaskID,
		mut.TextureTaskID,
		mut.MeshURL,
		mut.TexturedModelURL,
		jsonOrNil(mut.MeshFiles),
		jsonOrNil(mut.TextureFiles),
		mut.Error,
		statusOrNil(mut.ErrorStep),
		mut.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("transition pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// IncrementRegenerations bumps the shared counter, refusing to pass the cap.
func (r *pipelineRepo) IncrementRegenerations(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRow(ctx, `
UPDATE pipelines
SET regenerations_used = regenerations_used + 1, updated_at = now()
WHERE id = $1 AND regenerations_used < $2
RETURNING regenerations_used;
`, id, domain.MaxRegenerations)
	var used int
	if err := row.Scan(&used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return 0, getErr
			}
			return 0, domain.ErrLimitExceeded
		}
		return 0, err
	}
	return used, nil
}

// SetAngleImage overwrites one entry of the view's angle map.
func (r *pipelineRepo) SetAngleImage(ctx context.Context, id string, view domain.ViewType, angle string, img domain.ProcessedImage) error {
	column := "mesh_images"
	if view == domain.ViewTexture {
		column = "texture_images"
	}
	query := fmt.Sprintf(`
UPDATE pipelines
SET %s = jsonb_set(%s, ARRAY[$2], $3::jsonb), updated_at = now()
WHERE id = $1;
`, column, column)
	tag, err := r.db.Exec(ctx, query, id, angle, mustJSON(img))
	if err != nil {
		return fmt.Errorf("set angle image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateAnalysis writes analysis metadata while the pipeline is still a draft.
func (r *pipelineRepo) UpdateAnalysis(ctx context.Context, id string, analysis *domain.Analysis, description string) error {
	tag, err := r.db.Exec(ctx, `
UPDATE pipelines
SET analysis = $2, description = $3, updated_at = now()
WHERE id = $1 AND status = $4;
`, id, jsonOrNilPtr(analysis), description, domain.StatusDraft)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: analysis is only editable on drafts", domain.ErrPreconditionFailed)
	}
	return nil
}

// SetTaskHandle records the remote task id for an in-flight stage. The
// status guard keeps a late write from clobbering a pipeline that already
// moved on.
func (r *pipelineRepo) SetTaskHandle(ctx context.Context, id string, stage domain.PipelineStatus, taskID string) error {
	column := "mesh_task_id"
	if stage == domain.StatusGeneratingTexture {
		column = "texture_task_id"
	}
	query := fmt.Sprintf(`
UPDATE pipelines SET %s = $2, updated_at = now() WHERE id = $1 AND status = $3;
`, column)
	tag, err := r.db.Exec(ctx, query, id, taskID, stage)
	if err != nil {
		return fmt.Errorf("set task handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// SetMeshOutputs overwrites the canonical mesh artifacts without a status
// change.
func (r *pipelineRepo) SetMeshOutputs(ctx context.Context, id, meshURL string, files []domain.OutputFile) error {
	tag, err := r.db.Exec(ctx, `
UPDATE pipelines SET mesh_url = $2, mesh_files = $3, updated_at = now() WHERE id = $1;
`, id, meshURL, mustJSON(files))
	if err != nil {
		return fmt.Errorf("set mesh outputs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStranded finds charged, in-flight pipelines whose remote work was
// never recorded, e.g. a process that died between the committed charge and
// the batch job insert or task handle write. The cutoff keeps live requests
// out of the result.
func (r *pipelineRepo) ListStranded(ctx context.Context, cutoff time.Time) ([]domain.Pipeline, error) {
	query := `
SELECT ` + pipelineColumns + `
FROM pipelines
WHERE updated_at < $1
  AND (
    status = $2
    OR (status = $3 AND NOT EXISTS (
      SELECT 1 FROM batch_jobs b
      WHERE b.pipeline_id = pipelines.id AND b.status IN ($4, $5)))
    OR (status = $6 AND mesh_task_id = '')
    OR (status = $7 AND texture_task_id = ''));
`
	rows, err := r.db.Query(ctx, query,
		cutoff,
		domain.StatusGeneratingImages,
		domain.StatusBatchQueued,
		domain.BatchJobPending,
		domain.BatchJobRunning,
		domain.StatusGeneratingMesh,
		domain.StatusGeneratingTexture,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetAdminPreview replaces the staging area. A nil preview clears it.
func (r *pipelineRepo) SetAdminPreview(ctx context.Context, id string, preview *domain.AdminPreview) error {
	tag, err := r.db.Exec(ctx, `
UPDATE pipelines SET admin_preview = $2, updated_at = now() WHERE id = $1;
`, id, jsonOrNilPtr(preview))
	if err != nil {
		return fmt.Errorf("set admin preview: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pipelineRepo) conflictOrMissing(ctx context.Context, id string) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var (
		p                 domain.Pipeline
		inputImages       []byte
		meshImages        []byte
		textureImages     []byte
		aggregatedPalette []byte
		creditsCharged    []byte
		meshFiles         []byte
		textureFiles      []byte
		analysis          []byte
		adminPreview      []byte
		completedAt       *time.Time
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Status,
		&p.ProcessingMode,
		&p.ModelTier,
		&p.Description,
		&inputImages,
		&meshImages,
		&textureImages,
		&aggregatedPalette,
		&p.RegenerationsUsed,
		&creditsCharged,
		&p.Provider,
		&p.MeshTaskID,
		&p.TextureTaskID,
		&p.MeshURL,
		&p.TexturedModelURL,
		&meshFiles,
		&textureFiles,
		&analysis,
		&adminPreview,
		&p.Error,
		&p.ErrorStep,
		&p.CreatedAt,
		&p.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	p.CompletedAt = completedAt
	if err := unmarshalInto(inputImages, &p.InputImages); err != nil {
		return nil, err
	}
	if err := unmarshalInto(meshImages, &p.MeshImages); err != nil {
		return nil, err
	}
	if err := unmarshalInto(textureImages, &p.TextureImages); err != nil {
		return nil, err
	}
	if err := unmarshalInto(aggregatedPalette, &p.AggregatedPalette); err != nil {
		return nil, err
	}
	if err := unmarshalInto(creditsCharged, &p.CreditsCharged); err != nil {
		return nil, err
	}
	if err := unmarshalInto(meshFiles, &p.MeshFiles); err != nil {
		return nil, err
	}
	if err := unmarshalInto(textureFiles, &p.TextureFiles); err != nil {
		return nil, err
	}
	if err := unmarshalInto(analysis, &p.Analysis); err != nil {
		return nil, err
	}
	if err := unmarshalInto(adminPreview, &p.AdminPreview); err != nil {
		return nil, err
	}
	return &p, nil
}

func unmarshalInto(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return data
}

// jsonOrNil returns nil for empty values so COALESCE keeps the stored column.
func jsonOrNil[T any](v []T) []byte {
	if v == nil {
		return nil
	}
	return mustJSON(v)
}

func jsonOrNilMap[K comparable, V any](v map[K]V) []byte {
	if v == nil {
		return nil
	}
	return mustJSON(v)
}

func jsonOrNilPtr[T any](v *T) []byte {
	if v == nil {
		return nil
	}
	return mustJSON(v)
}

func statusOrNil(s *domain.PipelineStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func emptyIfNilMap(m map[string]domain.ProcessedImage) map[string]domain.ProcessedImage {
	if m == nil {
		return map[string]domain.ProcessedImage{}
	}
	return m
}
