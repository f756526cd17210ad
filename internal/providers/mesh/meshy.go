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

// Meshy drives the Meshy multi-image-to-3D API.
type Meshy struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// MeshyConfig configures the Meshy backend.
type MeshyConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewMeshy constructs the Meshy backend.
func NewMeshy(cfg MeshyConfig) *Meshy {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.meshy.ai/v2"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Meshy{apiKey: cfg.APIKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (m *Meshy) Name() string { return "meshy" }

func (m *Meshy) Capabilities() Capabilities {
	return Capabilities{
		MaxFaceCount:     300000,
		FaceCountControl: true,
		Multiview:        true,
		NativeTexture:    true,
		MeshCredits:      5,
		TextureCredits:   3,
		Formats:          []string{"glb", "fbx", "obj", "usdz"},
	}
}

type meshySubmitRequest struct {
	ImageURLs       []string `json:"image_urls"`
	TargetPolycount int      `json:"target_polycount,omitempty"`
	ModelURL        string   `json:"model_url,omitempty"`
}

type meshyTask struct {
	ID        string `json:"id"`
	Result    string `json:"result"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB  string `json:"glb"`
		FBX  string `json:"fbx"`
		OBJ  string `json:"obj"`
		USDZ string `json:"usdz"`
	} `json:"model_urls"`
	TextureURLs []struct {
		BaseColor string `json:"base_color"`
	} `json:"texture_urls"`
	TaskError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"task_error"`
}

// Submit creates a multi-image-to-3d or texture task and returns its id.
func (m *Meshy) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	endpoint := m.baseURL + "/multi-image-to-3d"
	body := meshySubmitRequest{
		ImageURLs:       req.ImageURLs,
		TargetPolycount: req.Options.FaceCount,
	}
	if req.Kind == KindTexture {
		endpoint = m.baseURL + "/text-to-texture"
		body = meshySubmitRequest{ModelURL: req.MeshURL, ImageURLs: req.ImageURLs}
	}

	var task meshyTask
	if err := m.do(ctx, http.MethodPost, endpoint, body, &task); err != nil {
		return "", err
	}
	taskID := task.ID
	if taskID == "" {
		taskID = task.Result
	}
	if taskID == "" {
		return "", domain.NewProviderError(m.Name(), "", "submit returned no task id")
	}
	return taskID, nil
}

// PollStatus maps Meshy's vocabulary (PENDING/IN_PROGRESS/SUCCEEDED/FAILED/
// EXPIRED) into the uniform model.
func (m *Meshy) PollStatus(ctx context.Context, taskID string) (Status, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Progress: task.Progress}
	switch task.Status {
	case "PENDING":
		st.State = StatePending
	case "IN_PROGRESS":
		st.State = StateProcessing
	case "SUCCEEDED":
		st.State = StateCompleted
		st.Progress = 100
	case "FAILED", "EXPIRED", "CANCELED":
		st.State = StateFailed
		st.ErrorCode = task.TaskError.Code
		st.ErrorMessage = task.TaskError.Message
		if st.ErrorMessage == "" {
			st.ErrorMessage = "task " + strings.ToLower(task.Status)
		}
	default:
		return Status{}, domain.NewProviderError(m.Name(), "", fmt.Sprintf("unknown task status %q", task.Status))
	}
	return st, nil
}

// FetchOutputs returns the model url manifest of a completed task.
func (m *Meshy) FetchOutputs(ctx context.Context, taskID string) ([]File, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var files []File
	add := func(url, name, format string) {
		if url != "" {
			files = append(files, File{URL: url, Name: name, Format: format})
		}
	}
	add(task.ModelURLs.GLB, "model.glb", "glb")
	add(task.ModelURLs.FBX, "model.fbx", "fbx")
	add(task.ModelURLs.OBJ, "model.obj", "obj")
	add(task.ModelURLs.USDZ, "model.usdz", "usdz")
	for i, tex := range task.TextureURLs {
		add(tex.BaseColor, fmt.Sprintf("texture-%d.png", i), "png")
	}
	if len(files) == 0 {
		return nil, domain.NewProviderError(m.Name(), "", "completed task has no outputs")
	}
	return files, nil
}

func (m *Meshy) getTask(ctx context.Context, taskID string) (*meshyTask, error) {
	var task meshyTask
	if err := m.do(ctx, http.MethodGet, m.baseURL+"/multi-image-to-3d/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (m *Meshy) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("meshy: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("meshy: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("meshy: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewProviderError(m.Name(), fmt.Sprintf("http_%d", resp.StatusCode), string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("meshy: decode response: %w", err)
	}
	return nil
}
