package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photoforge/internal/domain"
	"photoforge/internal/http/handlers"
	"photoforge/internal/http/httpapi"
	"photoforge/internal/infra"
	"photoforge/internal/pipeline"
	"photoforge/internal/providers/image"
	"photoforge/internal/providers/mesh"
)

// stubStore backs the handler tests with just enough persistence for the
// routes under test. Orchestration behavior is covered in the pipeline
// package.
type stubStore struct {
	pipelines map[string]*domain.Pipeline
	balances  map[string]int
}

func newStubStore() *stubStore {
	return &stubStore{pipelines: map[string]*domain.Pipeline{}, balances: map[string]int{"user-1": 10}}
}

func (s *stubStore) Pipelines() domain.PipelineRepository { return s }
func (s *stubStore) BatchJobs() domain.BatchJobRepository { return nil }
func (s *stubStore) Credits() domain.CreditLedger         { return s }
func (s *stubStore) Audit() domain.AuditLog               { return s }
func (s *stubStore) InTx(_ context.Context, fn func(domain.Store) error) error {
	return fn(s)
}

func (s *stubStore) Create(_ context.Context, p *domain.Pipeline) error {
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id string) (*domain.Pipeline, error) {
	p, ok := s.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubStore) ListByUser(_ context.Context, userID string, _ int) ([]domain.Pipeline, error) {
	var out []domain.Pipeline
	for _, p := range s.pipelines {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *stubStore) Transition(_ context.Context, id string, from, to domain.PipelineStatus, _ *domain.PipelineMutation) error {
	p, ok := s.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrConflict
	}
	p.Status = to
	return nil
}

func (s *stubStore) IncrementRegenerations(_ context.Context, id string) (int, error) {
	p, ok := s.pipelines[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if p.RegenerationsUsed >= domain.MaxRegenerations {
		return 0, domain.ErrLimitExceeded
	}
	p.RegenerationsUsed++
	return p.RegenerationsUsed, nil
}

func (s *stubStore) SetAngleImage(_ context.Context, id string, view domain.ViewType, angle string, img domain.ProcessedImage) error {
	return nil
}

func (s *stubStore) UpdateAnalysis(_ context.Context, id string, analysis *domain.Analysis, description string) error {
	p, ok := s.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.StatusDraft {
		return domain.ErrPreconditionFailed
	}
	p.Analysis = analysis
	return nil
}

func (s *stubStore) SetAdminPreview(_ context.Context, id string, preview *domain.AdminPreview) error {
	p, ok := s.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.AdminPreview = preview
	return nil
}

func (s *stubStore) SetTaskHandle(_ context.Context, _ string, _ domain.PipelineStatus, _ string) error {
	return nil
}

func (s *stubStore) SetMeshOutputs(_ context.Context, _, _ string, _ []domain.OutputFile) error {
	return nil
}

func (s *stubStore) ListStranded(_ context.Context, _ time.Time) ([]domain.Pipeline, error) {
	return nil, nil
}

func (s *stubStore) Charge(_ context.Context, userID string, amount int, _ domain.CreditReason, _ string) error {
	if s.balances[userID] < amount {
		return domain.ErrInsufficientCredits
	}
	s.balances[userID] -= amount
	return nil
}

func (s *stubStore) Refund(_ context.Context, userID string, amount int, _ domain.CreditReason, _ string) error {
	s.balances[userID] += amount
	return nil
}

func (s *stubStore) Balance(_ context.Context, userID string) (int, error) {
	return s.balances[userID], nil
}

func (s *stubStore) SumForPipeline(_ context.Context, _ string) (int, error) { return 0, nil }

func (s *stubStore) Append(_ context.Context, _ *domain.AdminAction) error { return nil }
func (s *stubStore) ListByPipeline(_ context.Context, _ string) ([]domain.AdminAction, error) {
	return nil, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, _ image.GenerateRequest) (*image.Result, error) {
	return &image.Result{Data: []byte("png"), Format: "image/png"}, nil
}

type stubFiles struct{}

func (stubFiles) Write(_ context.Context, key string, _ []byte) (string, error) {
	return "https://files.test/" + key, nil
}
func (stubFiles) Fetch(_ context.Context, _ string) ([]byte, error) { return []byte("data"), nil }

func newTestServer(t *testing.T) (*httptest.Server, *stubStore) {
	t.Helper()
	store := newStubStore()
	svc := pipeline.NewService(pipeline.Deps{
		Store:   store,
		Gateway: mesh.NewRegistry(),
		Images:  stubGenerator{},
		Batch:   nil,
		Files:   stubFiles{},
		Logger:  zerolog.Nop(),
	})
	app := handlers.NewApp(svc, zerolog.Nop())
	cfg := &infra.Config{AdminToken: "sekret", RateLimitPerMin: 1000}
	srv := httptest.NewServer(httpapi.NewRouter(app, cfg))
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var userHeaders = map[string]string{"X-User-ID": "user-1"}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreatePipelineRoute(t *testing.T) {
	srv, store := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{
		"image_urls": []string{"https://uploads.test/a.jpg"},
		"model_tier": "premium",
	}, userHeaders)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "draft" || body["model_tier"] != "premium" {
		t.Errorf("body = %v", body)
	}
	if len(store.pipelines) != 1 {
		t.Errorf("stored pipelines = %d, want 1", len(store.pipelines))
	}
}

func TestPipelineRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without user header", resp.StatusCode)
	}
}

func TestCreatePipelineValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/pipelines", map[string]any{}, userHeaders)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing images", resp.StatusCode)
	}
}

func TestGetPipelineNotFoundForForeignUser(t *testing.T) {
	srv, store := newTestServer(t)
	store.pipelines["p-1"] = &domain.Pipeline{ID: "p-1", UserID: "someone-else", Status: domain.StatusDraft, CreatedAt: time.Now()}

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/pipelines/p-1", nil, userHeaders)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for foreign pipeline", resp.StatusCode)
	}
}

func TestRegenerateRouteMapsLimitExceeded(t *testing.T) {
	srv, store := newTestServer(t)
	store.pipelines["p-1"] = &domain.Pipeline{
		ID: "p-1", UserID: "user-1", Status: domain.StatusImagesReady,
		RegenerationsUsed: domain.MaxRegenerations,
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/pipelines/p-1/images/regenerate", map[string]string{
		"view": "mesh", "angle": "front",
	}, userHeaders)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 at the regeneration cap", resp.StatusCode)
	}
}

func TestStartMeshRouteMapsUnknownProvider(t *testing.T) {
	srv, store := newTestServer(t)
	store.pipelines["p-1"] = &domain.Pipeline{ID: "p-1", UserID: "user-1", Status: domain.StatusImagesReady}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/pipelines/p-1/mesh", map[string]string{
		"provider": "nonesuch",
	}, userHeaders)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown provider", resp.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv, store := newTestServer(t)
	store.pipelines["p-1"] = &domain.Pipeline{ID: "p-1", UserID: "user-1", Status: domain.StatusImagesReady}

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/admin/pipelines/p-1", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without admin token", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/admin/pipelines/p-1", nil, map[string]string{"X-Admin-Token": "sekret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with admin token", resp.StatusCode)
	}
}
