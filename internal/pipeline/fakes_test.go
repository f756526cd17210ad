package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photoforge/internal/domain"
	"photoforge/internal/providers/image"
	"photoforge/internal/providers/mesh"
)

// memStore is an in-memory domain.Store for service tests. InTx runs the
// callback against the same store; tests are single-goroutine.
type memStore struct {
	mu        sync.Mutex
	pipelines map[string]*domain.Pipeline
	jobs      map[string]*domain.BatchJob
	balances  map[string]int
	ledger    []domain.CreditTransaction
	actions   []domain.AdminAction
}

func newMemStore() *memStore {
	return &memStore{
		pipelines: map[string]*domain.Pipeline{},
		jobs:      map[string]*domain.BatchJob{},
		balances:  map[string]int{},
	}
}

func (s *memStore) Pipelines() domain.PipelineRepository { return (*memPipelines)(s) }
func (s *memStore) BatchJobs() domain.BatchJobRepository { return (*memJobs)(s) }
func (s *memStore) Credits() domain.CreditLedger         { return (*memCredits)(s) }
func (s *memStore) Audit() domain.AuditLog               { return (*memAudit)(s) }

func (s *memStore) InTx(_ context.Context, fn func(domain.Store) error) error {
	return fn(s)
}

type memPipelines memStore

func (m *memPipelines) Create(_ context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *memPipelines) GetByID(_ context.Context, id string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePipeline(p), nil
}

// clonePipeline returns an isolated snapshot: shared maps or preview pointers
// would let later store writes mutate copies handed to callers.
func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	cp := *p
	cp.MeshImages = cloneImages(p.MeshImages)
	cp.TextureImages = cloneImages(p.TextureImages)
	if p.AdminPreview != nil {
		pv := *p.AdminPreview
		pv.MeshImages = cloneImages(p.AdminPreview.MeshImages)
		pv.TextureImages = cloneImages(p.AdminPreview.TextureImages)
		pv.MeshFiles = append([]domain.OutputFile(nil), p.AdminPreview.MeshFiles...)
		cp.AdminPreview = &pv
	}
	return &cp
}

func cloneImages(in map[string]domain.ProcessedImage) map[string]domain.ProcessedImage {
	if in == nil {
		return nil
	}
	out := make(map[string]domain.ProcessedImage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memPipelines) ListByUser(_ context.Context, userID string, _ int) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range m.pipelines {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPipelines) Transition(_ context.Context, id string, from, to domain.PipelineStatus, mut *domain.PipelineMutation) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: no edge %s -> %s", domain.ErrPreconditionFailed, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrConflict
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	if mut == nil {
		return nil
	}
	if mut.MeshImages != nil {
		p.MeshImages = mut.MeshImages
	}
	if mut.TextureImages != nil {
		p.TextureImages = mut.TextureImages
	}
	if mut.AggregatedPalette != nil {
		p.AggregatedPalette = mut.AggregatedPalette
	}
	if mut.CreditsCharged != nil {
		p.CreditsCharged = *mut.CreditsCharged
	}
	if mut.Provider != nil {
		p.Provider = *mut.Provider
	}
	if mut.MeshTaskID != nil {
		p.MeshTaskID = *mut.MeshTaskID
	}
	if mut.TextureTaskID != nil {
		p.TextureTaskID = *mut.TextureTaskID
	}
	if mut.MeshURL != nil {
		p.MeshURL = *mut.MeshURL
	}
	if mut.TexturedModelURL != nil {
		p.TexturedModelURL = *mut.TexturedModelURL
	}
	if mut.MeshFiles != nil {
		p.MeshFiles = mut.MeshFiles
	}
	if mut.TextureFiles != nil {
		p.TextureFiles = mut.TextureFiles
	}
	if mut.Error != nil {
		p.Error = *mut.Error
	}
	if mut.ErrorStep != nil {
		p.ErrorStep = *mut.ErrorStep
	}
	if mut.CompletedAt != nil {
		p.CompletedAt = mut.CompletedAt
	}
	return nil
}

func (m *memPipelines) IncrementRegenerations(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if p.RegenerationsUsed >= domain.MaxRegenerations {
		return 0, domain.ErrLimitExceeded
	}
	p.RegenerationsUsed++
	return p.RegenerationsUsed, nil
}

func (m *memPipelines) SetAngleImage(_ context.Context, id string, view domain.ViewType, angle string, img domain.ProcessedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if view == domain.ViewTexture {
		if p.TextureImages == nil {
			p.TextureImages = map[string]domain.ProcessedImage{}
		}
		p.TextureImages[angle] = img
	} else {
		if p.MeshImages == nil {
			p.MeshImages = map[string]domain.ProcessedImage{}
		}
		p.MeshImages[angle] = img
	}
	return nil
}

func (m *memPipelines) UpdateAnalysis(_ context.Context, id string, analysis *domain.Analysis, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.StatusDraft {
		return domain.ErrPreconditionFailed
	}
	p.Analysis = analysis
	p.Description = description
	return nil
}

func (m *memPipelines) SetAdminPreview(_ context.Context, id string, preview *domain.AdminPreview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.AdminPreview = preview
	return nil
}

func (m *memPipelines) SetTaskHandle(_ context.Context, id string, stage domain.PipelineStatus, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != stage {
		return domain.ErrConflict
	}
	if stage == domain.StatusGeneratingTexture {
		p.TextureTaskID = taskID
	} else {
		p.MeshTaskID = taskID
	}
	return nil
}

func (m *memPipelines) SetMeshOutputs(_ context.Context, id, meshURL string, files []domain.OutputFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.MeshURL = meshURL
	p.MeshFiles = files
	return nil
}

func (m *memPipelines) ListStranded(_ context.Context, cutoff time.Time) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range m.pipelines {
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		switch p.Status {
		case domain.StatusGeneratingImages:
			out = append(out, *p)
		case domain.StatusBatchQueued:
			if !m.hasActiveJob(p.ID) {
				out = append(out, *p)
			}
		case domain.StatusGeneratingMesh:
			if p.MeshTaskID == "" {
				out = append(out, *p)
			}
		case domain.StatusGeneratingTexture:
			if p.TextureTaskID == "" {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

// hasActiveJob expects m.mu held.
func (m *memPipelines) hasActiveJob(pipelineID string) bool {
	for _, j := range m.jobs {
		if j.PipelineID == pipelineID && !j.Status.Terminal() {
			return true
		}
	}
	return false
}

type memJobs memStore

func (m *memJobs) Create(_ context.Context, job *domain.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.PipelineID == job.PipelineID && !j.Status.Terminal() {
			return domain.ErrConflict
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetActiveByPipeline(_ context.Context, pipelineID string) (*domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.PipelineID == pipelineID && !j.Status.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memJobs) ListOutstanding(_ context.Context) ([]domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BatchJob
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == domain.BatchJobPending {
		j.Status = domain.BatchJobRunning
		j.Attempts++
	}
	return nil
}

func (m *memJobs) MarkTerminal(_ context.Context, id string, status domain.BatchJobStatus) error {
	if !status.Terminal() {
		return domain.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		j.Status = status
	}
	return nil
}

type memCredits memStore

func (m *memCredits) Charge(_ context.Context, userID string, amount int, reason domain.CreditReason, pipelineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return domain.ErrInsufficientCredits
	}
	m.balances[userID] -= amount
	m.ledger = append(m.ledger, domain.CreditTransaction{
		ID: uuid.NewString(), UserID: userID, Amount: -amount, Reason: reason, PipelineID: pipelineID,
	})
	return nil
}

func (m *memCredits) Refund(_ context.Context, userID string, amount int, reason domain.CreditReason, pipelineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.ledger = append(m.ledger, domain.CreditTransaction{
		ID: uuid.NewString(), UserID: userID, Amount: amount, Reason: reason, PipelineID: pipelineID,
	})
	return nil
}

func (m *memCredits) Balance(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memCredits) SumForPipeline(_ context.Context, pipelineID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, t := range m.ledger {
		if t.PipelineID == pipelineID {
			sum += t.Amount
		}
	}
	return sum, nil
}

type memAudit memStore

func (m *memAudit) Append(_ context.Context, action *domain.AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.CreatedAt = time.Now()
	m.actions = append(m.actions, *action)
	return nil
}

func (m *memAudit) ListByPipeline(_ context.Context, pipelineID string) ([]domain.AdminAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AdminAction
	for _, a := range m.actions {
		if a.PipelineID == pipelineID {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakeGenerator returns a tiny png per call, optionally failing specific
// view/angle pairs.
type fakeGenerator struct {
	failOn map[string]error // "view/angle" -> error
	calls  []image.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req image.GenerateRequest) (*image.Result, error) {
	g.calls = append(g.calls, req)
	if err := g.failOn[string(req.View)+"/"+req.Angle]; err != nil {
		return nil, err
	}
	return &image.Result{Data: []byte("img-" + req.Angle), Format: "image/png"}, nil
}

// fakeBatch scripts the remote batch job lifecycle. The tracker polls it
// concurrently.
type fakeBatch struct {
	mu        sync.Mutex
	submitErr error
	statuses  []image.BatchStatus
	polls     int
	results   []image.BatchResult
}

func (b *fakeBatch) SubmitBatch(_ context.Context, req image.BatchRequest) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "batch-" + req.RequestID, nil
}

func (b *fakeBatch) PollBatch(_ context.Context, _ string) (image.BatchStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.polls >= len(b.statuses) {
		return b.statuses[len(b.statuses)-1], nil
	}
	st := b.statuses[b.polls]
	b.polls++
	return st, nil
}

func (b *fakeBatch) FetchResults(_ context.Context, _ string) ([]image.BatchResult, error) {
	return b.results, nil
}

func fullBatchResults() []image.BatchResult {
	var out []image.BatchResult
	for _, a := range domain.MeshAngles {
		out = append(out, image.BatchResult{View: domain.ViewMesh, Angle: a, Data: []byte("b-" + a), Format: "image/png"})
	}
	for _, a := range domain.TextureAngles {
		out = append(out, image.BatchResult{View: domain.ViewTexture, Angle: a, Data: []byte("bt-" + a), Format: "image/png"})
	}
	return out
}

// fakeMeshProvider is a scriptable backend.
type fakeMeshProvider struct {
	name      string
	caps      mesh.Capabilities
	submitErr error
	submits   []mesh.SubmitRequest
	status    mesh.Status
	outputs   []mesh.File
}

func (p *fakeMeshProvider) Name() string                    { return p.name }
func (p *fakeMeshProvider) Capabilities() mesh.Capabilities { return p.caps }

func (p *fakeMeshProvider) Submit(_ context.Context, req mesh.SubmitRequest) (string, error) {
	p.submits = append(p.submits, req)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return "task-" + p.name, nil
}

func (p *fakeMeshProvider) PollStatus(_ context.Context, _ string) (mesh.Status, error) {
	return p.status, nil
}

func (p *fakeMeshProvider) FetchOutputs(_ context.Context, _ string) ([]mesh.File, error) {
	return p.outputs, nil
}

// memFiles is an in-memory ObjectStore. Keys map to URLs under a fake host;
// Fetch also serves arbitrary remote URLs from the remote map.
type memFiles struct {
	objects map[string][]byte
	remote  map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{objects: map[string][]byte{}, remote: map[string][]byte{}}
}

const memFilesBase = "https://files.test/"

func (f *memFiles) Write(_ context.Context, key string, data []byte) (string, error) {
	f.objects[key] = data
	return memFilesBase + key, nil
}

func (f *memFiles) Fetch(_ context.Context, url string) ([]byte, error) {
	if key, ok := strings.CutPrefix(url, memFilesBase); ok {
		data, ok := f.objects[key]
		if !ok {
			return nil, fmt.Errorf("no object %s", key)
		}
		return data, nil
	}
	data, ok := f.remote[url]
	if !ok {
		return nil, fmt.Errorf("no remote object %s", url)
	}
	return data, nil
}

// env bundles a service with its fakes for one test.
type env struct {
	store *memStore
	gen   *fakeGenerator
	batch *fakeBatch
	files *memFiles
	meshy *fakeMeshProvider
	tripo *fakeMeshProvider
	svc   *Service
}

func newEnv() *env {
	store := newMemStore()
	gen := &fakeGenerator{failOn: map[string]error{}}
	batch := &fakeBatch{}
	files := newMemFiles()
	meshy := &fakeMeshProvider{
		name: "meshy",
		caps: mesh.Capabilities{
			MaxFaceCount: 300000, FaceCountControl: true, Multiview: true, NativeTexture: true,
			MeshCredits: 5, TextureCredits: 3, Formats: []string{"glb", "obj"},
		},
		status:  mesh.Status{State: mesh.StateProcessing, Progress: 40},
		outputs: []mesh.File{{URL: "https://cdn.meshy.test/model.glb", Name: "model.glb", Format: "glb"}},
	}
	tripo := &fakeMeshProvider{
		name: "tripo",
		caps: mesh.Capabilities{
			MaxFaceCount: 500000, FaceCountControl: true, Multiview: true,
			MeshCredits: 4, Formats: []string{"glb"},
		},
		status:  mesh.Status{State: mesh.StateProcessing, Progress: 10},
		outputs: []mesh.File{{URL: "https://cdn.tripo.test/model.glb", Name: "model.glb", Format: "glb"}},
	}
	trellis := &fakeMeshProvider{
		name: "trellis",
		caps: mesh.Capabilities{
			MaxFaceCount: 100000, Multiview: true,
			MeshCredits: 2, Formats: []string{"glb"},
		},
	}
	files.remote["https://cdn.meshy.test/model.glb"] = []byte("glb-bytes")
	files.remote["https://cdn.tripo.test/model.glb"] = []byte("glb-bytes")
	registry := mesh.NewRegistry(meshy, tripo, trellis)
	svc := NewService(Deps{
		Store:   store,
		Gateway: registry,
		Images:  gen,
		Batch:   batch,
		Files:   files,
		Logger:  zerolog.Nop(),
	})
	return &env{store: store, gen: gen, batch: batch, files: files, meshy: meshy, tripo: tripo, svc: svc}
}

func (e *env) createPipeline(t interface {
	Helper()
	Fatalf(string, ...any)
}, mode domain.ProcessingMode, tier domain.ModelTier, balance int) *domain.Pipeline {
	t.Helper()
	e.store.balances["user-1"] = balance
	p, err := e.svc.Create(context.Background(), CreateRequest{
		UserID:         "user-1",
		ImageURLs:      []string{"https://uploads.test/photo.jpg"},
		ProcessingMode: mode,
		ModelTier:      tier,
	})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return p
}

// readyPipeline fast-forwards a realtime pipeline to images-ready.
func (e *env) readyPipeline(t interface {
	Helper()
	Fatalf(string, ...any)
}, balance int) *domain.Pipeline {
	t.Helper()
	p := e.createPipeline(t, domain.ModeRealtime, domain.TierStandard, balance)
	out, err := e.svc.GenerateImages(context.Background(), "user-1", p.ID)
	if err != nil {
		t.Fatalf("generate images: %v", err)
	}
	return out
}
