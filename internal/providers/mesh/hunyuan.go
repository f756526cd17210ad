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

// Hunyuan drives the Hunyuan3D generation API. It only accepts a single
// reference image per task and has no face-count control, but it produces
// textured meshes natively.
type Hunyuan struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// HunyuanConfig configures the Hunyuan backend.
type HunyuanConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewHunyuan constructs the Hunyuan backend.
func NewHunyuan(cfg HunyuanConfig) *Hunyuan {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://hunyuan.tencentcloudapi.com/3d"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Hunyuan{apiKey: cfg.APIKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (h *Hunyuan) Name() string { return "hunyuan" }

func (h *Hunyuan) Capabilities() Capabilities {
	return Capabilities{
		MaxFaceCount:   200000,
		Multiview:      false,
		NativeTexture:  true,
		MeshCredits:    3,
		TextureCredits: 2,
		Formats:        []string{"glb", "obj"},
	}
}

type hunyuanSubmitRequest struct {
	ImageURL     string `json:"ImageUrl"`
	ResultFormat string `json:"ResultFormat,omitempty"`
	EnablePBR    bool   `json:"EnablePBR"`
	ModelURL     string `json:"ModelUrl,omitempty"`
}

type hunyuanJob struct {
	JobID       string `json:"JobId"`
	Status      string `json:"Status"` // WAIT | RUN | DONE | FAIL
	ErrorCode   string `json:"ErrorCode"`
	ErrorMsg    string `json:"ErrorMessage"`
	ResultFiles []struct {
		URL  string `json:"Url"`
		Type string `json:"Type"`
	} `json:"ResultFile3Ds"`
}

// Submit starts a generation job from the first reference image.
func (h *Hunyuan) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := hunyuanSubmitRequest{
		ResultFormat: strings.ToUpper(req.Options.Format),
		EnablePBR:    req.Kind == KindTexture,
		ModelURL:     req.MeshURL,
	}
	if len(req.ImageURLs) > 0 {
		body.ImageURL = req.ImageURLs[0]
	}
	var job hunyuanJob
	if err := h.do(ctx, h.baseURL+"/SubmitHunyuanTo3DJob", body, &job); err != nil {
		return "", err
	}
	if job.JobID == "" {
		return "", domain.NewProviderError(h.Name(), job.ErrorCode, "submit returned no job id")
	}
	return job.JobID, nil
}

// PollStatus maps Hunyuan's WAIT/RUN/DONE/FAIL vocabulary. The API reports no
// fractional progress, so processing is pinned at 50.
func (h *Hunyuan) PollStatus(ctx context.Context, taskID string) (Status, error) {
	job, err := h.getJob(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	switch job.Status {
	case "WAIT":
		return Status{State: StatePending}, nil
	case "RUN":
		return Status{State: StateProcessing, Progress: 50}, nil
	case "DONE":
		return Status{State: StateCompleted, Progress: 100}, nil
	case "FAIL":
		msg := job.ErrorMsg
		if msg == "" {
			msg = "job failed"
		}
		return Status{State: StateFailed, ErrorCode: job.ErrorCode, ErrorMessage: msg}, nil
	}
	return Status{}, domain.NewProviderError(h.Name(), "", fmt.Sprintf("unknown job status %q", job.Status))
}

// FetchOutputs returns the result file manifest of a finished job.
func (h *Hunyuan) FetchOutputs(ctx context.Context, taskID string) ([]File, error) {
	job, err := h.getJob(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, f := range job.ResultFiles {
		format := strings.ToLower(f.Type)
		if format == "" {
			format = "glb"
		}
		files = append(files, File{URL: f.URL, Name: "model." + format, Format: format})
	}
	if len(files) == 0 {
		return nil, domain.NewProviderError(h.Name(), "", "finished job has no result files")
	}
	return files, nil
}

func (h *Hunyuan) getJob(ctx context.Context, jobID string) (*hunyuanJob, error) {
	var job hunyuanJob
	if err := h.do(ctx, h.baseURL+"/QueryHunyuanTo3DJob", map[string]string{"JobId": jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (h *Hunyuan) do(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hunyuan: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hunyuan: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("hunyuan: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewProviderError(h.Name(), fmt.Sprintf("http_%d", resp.StatusCode), string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hunyuan: decode response: %w", err)
	}
	return nil
}
