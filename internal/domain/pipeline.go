package domain

import "time"

// PipelineStatus enumerates pipeline lifecycle states. The status field is
// the single source of truth for which operation may legally run next.
type PipelineStatus string

const (
	StatusDraft             PipelineStatus = "draft"
	StatusBatchQueued       PipelineStatus = "batch-queued"
	StatusBatchProcessing   PipelineStatus = "batch-processing"
	StatusGeneratingImages  PipelineStatus = "generating-images"
	StatusImagesReady       PipelineStatus = "images-ready"
	StatusGeneratingMesh    PipelineStatus = "generating-mesh"
	StatusMeshReady         PipelineStatus = "mesh-ready"
	StatusGeneratingTexture PipelineStatus = "generating-texture"
	StatusCompleted         PipelineStatus = "completed"
	StatusFailed            PipelineStatus = "failed"
)

// transitions is the forward edge set of the status graph. Failed is added
// separately for every in-flight status.
var transitions = map[PipelineStatus][]PipelineStatus{
	StatusDraft:             {StatusBatchQueued, StatusGeneratingImages},
	StatusBatchQueued:       {StatusBatchProcessing, StatusImagesReady},
	StatusBatchProcessing:   {StatusImagesReady},
	StatusGeneratingImages:  {StatusImagesReady},
	StatusImagesReady:       {StatusGeneratingMesh},
	StatusGeneratingMesh:    {StatusMeshReady},
	StatusMeshReady:         {StatusGeneratingTexture},
	StatusGeneratingTexture: {StatusCompleted},
}

// inFlight statuses may fall into StatusFailed.
var inFlight = map[PipelineStatus]bool{
	StatusBatchQueued:       true,
	StatusBatchProcessing:   true,
	StatusGeneratingImages:  true,
	StatusGeneratingMesh:    true,
	StatusGeneratingTexture: true,
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to PipelineStatus) bool {
	if to == StatusFailed {
		return inFlight[from]
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible. MeshReady is
// not terminal for the graph even though it is a valid stopping point for
// billing purposes.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingMode selects realtime or batch image generation. Chosen once at
// creation, immutable afterward.
type ProcessingMode string

const (
	ModeRealtime ProcessingMode = "realtime"
	ModeBatch    ProcessingMode = "batch"
)

// ModelTier selects the image generation model quality/price tier.
type ModelTier string

const (
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// ImageCredits returns the credit cost of one full image generation run for
// the tier.
func (t ModelTier) ImageCredits() int {
	if t == TierPremium {
		return 4
	}
	return 2
}

// ViewType distinguishes the two angle sets a pipeline carries.
type ViewType string

const (
	ViewMesh    ViewType = "mesh"
	ViewTexture ViewType = "texture"
)

// MeshAngles and TextureAngles are the fixed named viewpoints generated for
// each pipeline.
var (
	MeshAngles    = []string{"front", "back", "left", "right"}
	TextureAngles = []string{"front", "back"}
)

// AnglesFor returns the angle set for a view type.
func AnglesFor(view ViewType) []string {
	if view == ViewTexture {
		return TextureAngles
	}
	return MeshAngles
}

// ValidAngle reports whether angle belongs to the view's fixed set.
func ValidAngle(view ViewType, angle string) bool {
	for _, a := range AnglesFor(view) {
		if a == angle {
			return true
		}
	}
	return false
}

// MaxRegenerations caps free single-angle regenerations per pipeline, shared
// across all angles.
const MaxRegenerations = 4

// Provenance records how an angle image came to exist.
type Provenance string

const (
	ProvenanceGenerated Provenance = "generated"
	ProvenanceUploaded  Provenance = "uploaded"
)

// InputImage is one user-uploaded reference photo. Immutable after creation.
type InputImage struct {
	URL        string    `json:"url"`
	StorageKey string    `json:"storage_key"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ProcessedImage is one generated (or admin-uploaded) angle image.
type ProcessedImage struct {
	URL         string     `json:"url"`
	StorageKey  string     `json:"storage_key"`
	Provenance  Provenance `json:"provenance"`
	Palette     []string   `json:"palette,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// OutputFile is one provider output artifact.
type OutputFile struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Format string `json:"format"`
}

// CreditsCharged records amounts actually debited per stage, used to compute
// refunds.
type CreditsCharged struct {
	Images  int `json:"images"`
	Mesh    int `json:"mesh"`
	Texture int `json:"texture"`
}

// AdminPreview is the staging area for admin regenerations. Nothing in it is
// user-visible until promoted via confirm.
type AdminPreview struct {
	MeshImages    map[string]ProcessedImage `json:"mesh_images,omitempty"`
	TextureImages map[string]ProcessedImage `json:"texture_images,omitempty"`
	MeshTaskID    string                    `json:"mesh_task_id,omitempty"`
	MeshProvider  string                    `json:"mesh_provider,omitempty"`
	MeshURL       string                    `json:"mesh_url,omitempty"`
	MeshFiles     []OutputFile              `json:"mesh_files,omitempty"`
	StagedAt      time.Time                 `json:"staged_at"`
}

// Empty reports whether nothing is staged.
func (p *AdminPreview) Empty() bool {
	return p == nil || (len(p.MeshImages) == 0 && len(p.TextureImages) == 0 &&
		p.MeshTaskID == "" && p.MeshURL == "")
}

// Analysis holds printability findings for the uploaded photos / produced
// model, written while the pipeline is still a draft.
type Analysis struct {
	VertexCount       int      `json:"vertex_count,omitempty"`
	FaceCount         int      `json:"face_count,omitempty"`
	Watertight        bool     `json:"watertight,omitempty"`
	PrintabilityScore int      `json:"printability_score,omitempty"`
	Issues            []string `json:"issues,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

// Pipeline is one end-to-end unit of work converting input photos into a
// 3D-printable model.
type Pipeline struct {
	ID             string
	UserID         string
	Status         PipelineStatus
	ProcessingMode ProcessingMode
	ModelTier      ModelTier
	Description    string

	InputImages   []InputImage
	MeshImages    map[string]ProcessedImage
	TextureImages map[string]ProcessedImage

	AggregatedPalette []string
	RegenerationsUsed int
	CreditsCharged    CreditsCharged

	Provider         string
	MeshTaskID       string
	TextureTaskID    string
	MeshURL          string
	TexturedModelURL string
	MeshFiles        []OutputFile
	TextureFiles     []OutputFile

	Analysis     *Analysis
	AdminPreview *AdminPreview

	Error     string
	ErrorStep PipelineStatus

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// AdminActionKind enumerates audited admin mutations.
type AdminActionKind string

const (
	AdminActionStageImage  AdminActionKind = "stage_image"
	AdminActionStageMesh   AdminActionKind = "stage_mesh"
	AdminActionConfirm     AdminActionKind = "confirm_preview"
	AdminActionReject      AdminActionKind = "reject_preview"
	AdminActionPreviewPoll AdminActionKind = "preview_poll"
)

// AdminAction is one append-only audit log entry.
type AdminAction struct {
	ID         string
	PipelineID string
	Actor      string
	Kind       AdminActionKind
	Target     string
	Provider   string
	CreatedAt  time.Time
}
