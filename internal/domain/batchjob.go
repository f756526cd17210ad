package domain

import "time"

// BatchJobStatus enumerates tracker-side batch job states.
type BatchJobStatus string

const (
	BatchJobPending   BatchJobStatus = "pending"
	BatchJobRunning   BatchJobStatus = "running"
	BatchJobSucceeded BatchJobStatus = "succeeded"
	BatchJobFailed    BatchJobStatus = "failed"
)

// Terminal reports whether the tracker is done with the job.
func (s BatchJobStatus) Terminal() bool {
	return s == BatchJobSucceeded || s == BatchJobFailed
}

// BatchJob tracks one outstanding asynchronous image generation request. A
// pipeline has at most one active batch job at a time.
type BatchJob struct {
	ID           string
	PipelineID   string
	RemoteHandle string
	Status       BatchJobStatus
	Attempts     int
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}
