package image

import (
	"context"

	"photoforge/internal/domain"
)

// GenerateRequest describes one single-shot angle generation.
type GenerateRequest struct {
	ReferenceURL string
	View         domain.ViewType
	Angle        string
	Tier         domain.ModelTier
	Hint         string
	RequestID    string
}

// Result is one generated image.
type Result struct {
	Data   []byte
	Format string // mime type, e.g. image/png
}

// Generator is the single-shot generative image model contract.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Result, error)
}

// AngleRequest names one view/angle pair inside a batch.
type AngleRequest struct {
	View  domain.ViewType `json:"view"`
	Angle string          `json:"angle"`
}

// BatchRequest covers all angles of a pipeline in one deferred submission.
type BatchRequest struct {
	ReferenceURL string
	Tier         domain.ModelTier
	Angles       []AngleRequest
	RequestID    string
}

// BatchState is the uniform remote batch job state.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchSucceeded BatchState = "succeeded"
	BatchFailed    BatchState = "failed"
)

// Terminal reports whether the batch finished either way.
func (s BatchState) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// BatchStatus is the uniform poll result for a batch job.
type BatchStatus struct {
	State   BatchState
	Message string
}

// BatchResult is one produced angle image.
type BatchResult struct {
	View   domain.ViewType
	Angle  string
	Data   []byte
	Format string
}

// BatchClient is the asynchronous batch generation surface.
type BatchClient interface {
	SubmitBatch(ctx context.Context, req BatchRequest) (string, error)
	PollBatch(ctx context.Context, handle string) (BatchStatus, error)
	FetchResults(ctx context.Context, handle string) ([]BatchResult, error)
}
