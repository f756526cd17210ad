package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"photoforge/internal/domain"
)

// Tripo drives the Tripo3D task API.
type Tripo struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// TripoConfig configures the Tripo backend.
type TripoConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewTripo constructs the Tripo backend.
func NewTripo(cfg TripoConfig) *Tripo {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.tripo3d.ai/v2"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Tripo{apiKey: cfg.APIKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *Tripo) Name() string { return "tripo" }

func (t *Tripo) Capabilities() Capabilities {
	return Capabilities{
		MaxFaceCount:     500000,
		FaceCountControl: true,
		Multiview:        true,
		NativeTexture:    false,
		MeshCredits:      4,
		Formats:          []string{"glb", "obj"},
	}
}

type tripoFileRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type tripoSubmitRequest struct {
	Type      string         `json:"type"`
	Files     []tripoFileRef `json:"files,omitempty"`
	FaceLimit int            `json:"face_limit,omitempty"`
}

type tripoTaskEnvelope struct {
	Code int `json:"code"`
	Data struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Output   struct {
			Model       string `json:"model"`
			PBRModel    string `json:"pbr_model"`
			RenderedImg string `json:"rendered_image"`
		} `json:"output"`
	} `json:"data"`
	Message string `json:"message"`
}

// Submit creates a multiview_to_model task.
func (t *Tripo) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Kind == KindTexture {
		return "", domain.NewProviderError(t.Name(), "unsupported", "tripo does not run texture tasks")
	}
	files := make([]tripoFileRef, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		files = append(files, tripoFileRef{Type: "jpg", URL: u})
	}
	taskType := "multiview_to_model"
	if len(files) == 1 {
		taskType = "image_to_model"
	}
	var envelope tripoTaskEnvelope
	err := t.do(ctx, http.MethodPost, t.baseURL+"/openapi/task", tripoSubmitRequest{
		Type:      taskType,
		Files:     files,
		FaceLimit: req.Options.FaceCount,
	}, &envelope)
	if err != nil {
		return "", err
	}
	if envelope.Data.TaskID == "" {
		return "", domain.NewProviderError(t.Name(), fmt.Sprintf("code_%d", envelope.Code), envelope.Message)
	}
	return envelope.Data.TaskID, nil
}

// PollStatus maps Tripo's queued/running/success/failed vocabulary.
func (t *Tripo) PollStatus(ctx context.Context, taskID string) (Status, error) {
	envelope, err := t.getTask(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Progress: envelope.Data.Progress}
	switch envelope.Data.Status {
	case "queued":
		st.State = StatePending
	case "running":
		st.State = StateProcessing
	case "success":
		st.State = StateCompleted
		st.Progress = 100
	case "failed", "cancelled", "banned", "expired":
		st.State = StateFailed
		st.ErrorCode = envelope.Data.Status
		st.ErrorMessage = envelope.Message
		if st.ErrorMessage == "" {
			st.ErrorMessage = "task " + envelope.Data.Status
		}
	default:
		return Status{}, domain.NewProviderError(t.Name(), "", fmt.Sprintf("unknown task status %q", envelope.Data.Status))
	}
	return st, nil
}

// FetchOutputs returns the model manifest of a completed task.
func (t *Tripo) FetchOutputs(ctx context.Context, taskID string) ([]File, error) {
	envelope, err := t.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var files []File
	if url := envelope.Data.Output.PBRModel; url != "" {
		files = append(files, File{URL: url, Name: "model.glb", Format: "glb"})
	} else if url := envelope.Data.Output.Model; url != "" {
		files = append(files, File{URL: url, Name: "model.glb", Format: "glb"})
	}
	if url := envelope.Data.Output.RenderedImg; url != "" {
		files = append(files, File{URL: url, Name: "preview.webp", Format: "webp"})
	}
	if len(files) == 0 {
		return nil, domain.NewProviderError(t.Name(), "", "completed task has no outputs")
	}
	return files, nil
}

func (t *Tripo) getTask(ctx context.Context, taskID string) (*tripoTaskEnvelope, error) {
	var envelope tripoTaskEnvelope
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/openapi/task/"+taskID, nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (t *Tripo) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tripo: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("tripo: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tripo: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewProviderError(t.Name(), fmt.Sprintf("http_%d", resp.StatusCode), string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tripo: decode response: %w", err)
	}
	return nil
}
