// Package mesh provides a uniform gateway over interchangeable 3D mesh
// generation backends. Each backend maps its own status vocabulary and error
// codes into the three-state-plus-progress model defined here.
package mesh

import (
	"context"
	"fmt"
)

// TaskState is the uniform remote task state.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateProcessing TaskState = "processing"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

// Terminal reports whether the remote task has finished either way.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is the uniform poll result.
type Status struct {
	State        TaskState
	Progress     int // 0-100, best effort
	ErrorCode    string
	ErrorMessage string
}

// TaskKind selects what the backend should produce.
type TaskKind string

const (
	KindMesh    TaskKind = "mesh"
	KindTexture TaskKind = "texture"
)

// Options are the caller-tunable knobs, validated against Capabilities
// before submission.
type Options struct {
	FaceCount int    `json:"face_count,omitempty"`
	Format    string `json:"format,omitempty"` // glb, obj, fbx, usdz
}

// SubmitRequest describes one generation task.
type SubmitRequest struct {
	Kind      TaskKind
	ImageURLs []string // ordered view images; single element for non-multiview backends
	MeshURL   string   // source mesh for texture tasks
	Options   Options
}

// File is one output artifact in a task's manifest.
type File struct {
	URL    string
	Name   string
	Format string
}

// Capabilities is the static descriptor each backend declares. The
// orchestrator validates requests against it before any credit is charged.
type Capabilities struct {
	MaxFaceCount     int
	FaceCountControl bool
	Multiview        bool
	NativeTexture    bool
	MeshCredits      int
	TextureCredits   int
	Formats          []string
}

// SupportsFormat reports whether the backend can emit the format.
func (c Capabilities) SupportsFormat(format string) bool {
	if format == "" {
		return true
	}
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Provider is implemented once per backend.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	PollStatus(ctx context.Context, taskID string) (Status, error)
	FetchOutputs(ctx context.Context, taskID string) ([]File, error)
}

// ValidateOptions checks a request against the backend's declared
// capabilities. Remote rejection often arrives only after a charge has been
// considered, so this runs locally first.
func ValidateOptions(caps Capabilities, req SubmitRequest) error {
	if req.Options.FaceCount < 0 {
		return fmt.Errorf("face count must not be negative")
	}
	if req.Options.FaceCount > 0 && !caps.FaceCountControl {
		return fmt.Errorf("backend does not support face count control")
	}
	if caps.MaxFaceCount > 0 && req.Options.FaceCount > caps.MaxFaceCount {
		return fmt.Errorf("face count %d exceeds backend maximum %d", req.Options.FaceCount, caps.MaxFaceCount)
	}
	if len(req.ImageURLs) > 1 && !caps.Multiview {
		return fmt.Errorf("backend does not support multiview input")
	}
	if !caps.SupportsFormat(req.Options.Format) {
		return fmt.Errorf("backend does not emit format %q", req.Options.Format)
	}
	if req.Kind == KindTexture && !caps.NativeTexture {
		return fmt.Errorf("backend does not produce textured meshes")
	}
	return nil
}
