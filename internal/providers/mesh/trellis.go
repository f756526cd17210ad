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

// Trellis drives a hosted TRELLIS inference endpoint. Cheapest of the
// configured backends; fixed topology, no texture stage.
type Trellis struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// TrellisConfig configures the Trellis backend.
type TrellisConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewTrellis constructs the Trellis backend.
func NewTrellis(cfg TrellisConfig) *Trellis {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.trellis3d.dev/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Trellis{apiKey: cfg.APIKey, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *Trellis) Name() string { return "trellis" }

func (t *Trellis) Capabilities() Capabilities {
	return Capabilities{
		MaxFaceCount:  100000,
		Multiview:     true,
		NativeTexture: false,
		MeshCredits:   2,
		Formats:       []string{"glb"},
	}
}

type trellisGeneration struct {
	GenerationID string   `json:"generation_id"`
	State        string   `json:"state"` // pending | processing | completed | failed
	Progress     int      `json:"progress"`
	AssetURL     string   `json:"asset_url"`
	PreviewURLs  []string `json:"preview_urls"`
	Error        struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

// Submit starts a generation from the given view images.
func (t *Trellis) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Kind == KindTexture {
		return "", domain.NewProviderError(t.Name(), "unsupported", "trellis does not run texture tasks")
	}
	var gen trellisGeneration
	err := t.do(ctx, http.MethodPost, t.baseURL+"/generations", map[string]any{
		"images": req.ImageURLs,
	}, &gen)
	if err != nil {
		return "", err
	}
	if gen.GenerationID == "" {
		return "", domain.NewProviderError(t.Name(), gen.Error.Code, "submit returned no generation id")
	}
	return gen.GenerationID, nil
}

// PollStatus passes through Trellis' state names, which already match the
// uniform model.
func (t *Trellis) PollStatus(ctx context.Context, taskID string) (Status, error) {
	gen, err := t.getGeneration(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	switch gen.State {
	case "pending":
		return Status{State: StatePending, Progress: gen.Progress}, nil
	case "processing":
		return Status{State: StateProcessing, Progress: gen.Progress}, nil
	case "completed":
		return Status{State: StateCompleted, Progress: 100}, nil
	case "failed":
		msg := gen.Error.Detail
		if msg == "" {
			msg = "generation failed"
		}
		return Status{State: StateFailed, ErrorCode: gen.Error.Code, ErrorMessage: msg}, nil
	}
	return Status{}, domain.NewProviderError(t.Name(), "", fmt.Sprintf("unknown generation state %q", gen.State))
}

// FetchOutputs returns the single glb asset plus any preview renders.
func (t *Trellis) FetchOutputs(ctx context.Context, taskID string) ([]File, error) {
	gen, err := t.getGeneration(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if gen.AssetURL == "" {
		return nil, domain.NewProviderError(t.Name(), "", "completed generation has no asset url")
	}
	files := []File{{URL: gen.AssetURL, Name: "model.glb", Format: "glb"}}
	for i, u := range gen.PreviewURLs {
		files = append(files, File{URL: u, Name: fmt.Sprintf("preview-%d.png", i), Format: "png"})
	}
	return files, nil
}

func (t *Trellis) getGeneration(ctx context.Context, id string) (*trellisGeneration, error) {
	var gen trellisGeneration
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/generations/"+id, nil, &gen); err != nil {
		return nil, err
	}
	return &gen, nil
}

func (t *Trellis) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("trellis: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("trellis: build request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", t.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trellis: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewProviderError(t.Name(), fmt.Sprintf("http_%d", resp.StatusCode), string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("trellis: decode response: %w", err)
	}
	return nil
}
