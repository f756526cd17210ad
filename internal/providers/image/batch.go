package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"photoforge/internal/domain"
)

// GeminiBatchConfig controls the batch client configuration.
type GeminiBatchConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiBatch implements BatchClient against the vendor batch endpoint. One
// submission covers every angle of a pipeline; results arrive minutes later
// and are reconciled by the poller.
type GeminiBatch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGeminiBatch constructs the batch client.
func NewGeminiBatch(cfg GeminiBatchConfig) *GeminiBatch {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/batches"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiBatch{apiKey: cfg.APIKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type batchEntry struct {
	Key     string                `json:"key"`
	Request geminiGenerateRequest `json:"request"`
}

type batchSubmitRequest struct {
	Model    string       `json:"model"`
	Requests []batchEntry `json:"requests"`
}

type batchJobResponse struct {
	Name  string `json:"name"`
	State string `json:"state"` // JOB_STATE_PENDING | _RUNNING | _SUCCEEDED | _FAILED | _EXPIRED
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Results []struct {
		Key      string                 `json:"key"`
		Response geminiGenerateResponse `json:"response"`
	} `json:"results"`
}

// SubmitBatch enqueues one batched request covering all requested angles and
// returns the remote job handle.
func (b *GeminiBatch) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	entries := make([]batchEntry, 0, len(req.Angles))
	for _, a := range req.Angles {
		entries = append(entries, batchEntry{
			Key: string(a.View) + "/" + a.Angle,
			Request: geminiGenerateRequest{
				Contents: []geminiContent{{
					Role: "user",
					Parts: []geminiPart{
						{FileData: &geminiFileData{MimeType: "image/jpeg", FileURI: req.ReferenceURL}},
						{Text: BuildAnglePrompt(a.View, a.Angle, "")},
					},
				}},
			},
		})
	}
	var job batchJobResponse
	err := b.do(ctx, http.MethodPost, b.baseURL, batchSubmitRequest{
		Model:    ModelForTier(req.Tier),
		Requests: entries,
	}, &job)
	if err != nil {
		return "", err
	}
	if job.Name == "" {
		return "", domain.NewProviderError("gemini-batch", "", "submit returned no job name")
	}
	return job.Name, nil
}

// PollBatch maps the vendor job states into the uniform model.
func (b *GeminiBatch) PollBatch(ctx context.Context, handle string) (BatchStatus, error) {
	job, err := b.getJob(ctx, handle)
	if err != nil {
		return BatchStatus{}, err
	}
	switch job.State {
	case "JOB_STATE_PENDING", "JOB_STATE_QUEUED":
		return BatchStatus{State: BatchPending}, nil
	case "JOB_STATE_RUNNING":
		return BatchStatus{State: BatchRunning}, nil
	case "JOB_STATE_SUCCEEDED":
		return BatchStatus{State: BatchSucceeded}, nil
	case "JOB_STATE_FAILED", "JOB_STATE_EXPIRED", "JOB_STATE_CANCELLED":
		msg := "batch job " + strings.ToLower(strings.TrimPrefix(job.State, "JOB_STATE_"))
		if job.Error != nil && job.Error.Message != "" {
			msg = job.Error.Message
		}
		return BatchStatus{State: BatchFailed, Message: msg}, nil
	}
	return BatchStatus{}, domain.NewProviderError("gemini-batch", "", fmt.Sprintf("unknown job state %q", job.State))
}

// FetchResults downloads the per-angle images of a succeeded batch.
func (b *GeminiBatch) FetchResults(ctx context.Context, handle string) ([]BatchResult, error) {
	job, err := b.getJob(ctx, handle)
	if err != nil {
		return nil, err
	}
	results := make([]BatchResult, 0, len(job.Results))
	for _, entry := range job.Results {
		view, angle, ok := splitKey(entry.Key)
		if !ok {
			continue
		}
		for _, candidate := range entry.Response.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.InlineData == nil || part.InlineData.Data == "" {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini-batch: decode image for %s: %w", entry.Key, err)
				}
				format := part.InlineData.MimeType
				if format == "" {
					format = "image/png"
				}
				results = append(results, BatchResult{View: view, Angle: angle, Data: data, Format: format})
			}
		}
	}
	if len(results) == 0 {
		return nil, domain.NewProviderError("gemini-batch", "", "succeeded batch contained no images")
	}
	return results, nil
}

func splitKey(key string) (domain.ViewType, string, bool) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	view := domain.ViewType(parts[0])
	if view != domain.ViewMesh && view != domain.ViewTexture {
		return "", "", false
	}
	return view, parts[1], true
}

func (b *GeminiBatch) getJob(ctx context.Context, handle string) (*batchJobResponse, error) {
	var job batchJobResponse
	if err := b.do(ctx, http.MethodGet, b.baseURL+"/"+handle, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *GeminiBatch) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gemini-batch: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("gemini-batch: build request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", b.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini-batch: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewProviderError("gemini-batch", fmt.Sprintf("http_%d", resp.StatusCode), string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gemini-batch: decode response: %w", err)
	}
	return nil
}
