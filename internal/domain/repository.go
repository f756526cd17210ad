package domain

import (
	"context"
	"time"
)

// PipelineMutation carries the field writes applied together with a guarded
// status transition. Nil fields are left untouched.
type PipelineMutation struct {
	MeshImages        map[string]ProcessedImage
	TextureImages     map[string]ProcessedImage
	AggregatedPalette []string
	CreditsCharged    *CreditsCharged
	Provider          *string
	MeshTaskID        *string
	TextureTaskID     *string
	MeshURL           *string
	TexturedModelURL  *string
	MeshFiles         []OutputFile
	TextureFiles      []OutputFile
	Error             *string
	ErrorStep         *PipelineStatus
	CompletedAt       *time.Time
}

// PipelineRepository persists pipeline documents. Transition is the only way
// status changes: it succeeds only if the stored status equals from at the
// moment of write and returns ErrConflict otherwise.
type PipelineRepository interface {
	Create(ctx context.Context, p *Pipeline) error
	GetByID(ctx context.Context, id string) (*Pipeline, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Pipeline, error)
	Transition(ctx context.Context, id string, from, to PipelineStatus, mut *PipelineMutation) error
	// IncrementRegenerations atomically bumps the counter, returning the new
	// value, or ErrLimitExceeded when the bump would pass MaxRegenerations.
	IncrementRegenerations(ctx context.Context, id string) (int, error)
	// SetAngleImage overwrites a single angle entry without touching status.
	SetAngleImage(ctx context.Context, id string, view ViewType, angle string, img ProcessedImage) error
	// UpdateAnalysis writes analysis/description while the pipeline is still
	// a draft; ErrPreconditionFailed otherwise.
	UpdateAnalysis(ctx context.Context, id string, analysis *Analysis, description string) error
	SetAdminPreview(ctx context.Context, id string, preview *AdminPreview) error
	// SetTaskHandle stores the remote task id for a generation stage. The
	// write only lands while the pipeline still sits in that stage, so a
	// handle never overwrites a later state.
	SetTaskHandle(ctx context.Context, id string, stage PipelineStatus, taskID string) error
	// SetMeshOutputs overwrites the canonical mesh artifacts without touching
	// status, used when an admin promotes a staged mesh.
	SetMeshOutputs(ctx context.Context, id, meshURL string, files []OutputFile) error
	// ListStranded returns in-flight pipelines whose remote work was never
	// recorded: batch-queued with no active batch job, generating-images, or
	// a generation stage with an empty task handle. Only rows last updated
	// before cutoff qualify.
	ListStranded(ctx context.Context, cutoff time.Time) ([]Pipeline, error)
}

// BatchJobRepository persists batch job handles.
type BatchJobRepository interface {
	// Create fails with ErrConflict when the pipeline already has a
	// non-terminal job.
	Create(ctx context.Context, job *BatchJob) error
	GetActiveByPipeline(ctx context.Context, pipelineID string) (*BatchJob, error)
	ListOutstanding(ctx context.Context) ([]BatchJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkTerminal(ctx context.Context, id string, status BatchJobStatus) error
}

// CreditLedger is the atomic charge/refund surface over a user balance plus
// the append-only transaction log.
type CreditLedger interface {
	// Charge debits amount (positive) from the balance and appends a negative
	// ledger entry; ErrInsufficientCredits when the balance cannot cover it.
	Charge(ctx context.Context, userID string, amount int, reason CreditReason, pipelineID string) error
	Refund(ctx context.Context, userID string, amount int, reason CreditReason, pipelineID string) error
	Balance(ctx context.Context, userID string) (int, error)
	SumForPipeline(ctx context.Context, pipelineID string) (int, error)
}

// AuditLog appends admin audit entries.
type AuditLog interface {
	Append(ctx context.Context, action *AdminAction) error
	ListByPipeline(ctx context.Context, pipelineID string) ([]AdminAction, error)
}

// Store bundles the repositories. InTx runs fn against a store whose writes
// commit or roll back together; credit movements and status transitions are
// always coupled through it.
type Store interface {
	Pipelines() PipelineRepository
	BatchJobs() BatchJobRepository
	Credits() CreditLedger
	Audit() AuditLog
	InTx(ctx context.Context, fn func(Store) error) error
}
