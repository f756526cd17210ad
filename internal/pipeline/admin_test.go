package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"photoforge/internal/domain"
	"photoforge/internal/providers/mesh"
)

func TestAdminStageImageLeavesCanonicalUntouched(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)
	before, _ := e.svc.Get(ctx, "user-1", p.ID)

	img, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewMesh, "front", "sharper edges")
	if err != nil {
		t.Fatalf("admin regenerate: %v", err)
	}
	if !strings.Contains(img.StorageKey, "/admin/") {
		t.Errorf("staged image key %q outside admin prefix", img.StorageKey)
	}

	after, _ := e.svc.Get(ctx, "user-1", p.ID)
	if after.MeshImages["front"].URL != before.MeshImages["front"].URL {
		t.Error("canonical front image changed by staging")
	}
	if after.AdminPreview == nil || after.AdminPreview.MeshImages["front"].URL != img.URL {
		t.Error("staged image missing from preview")
	}
	if after.RegenerationsUsed != before.RegenerationsUsed {
		t.Error("admin staging consumed the user's regeneration counter")
	}
	if bal := e.store.balances["user-1"]; bal != 8 {
		t.Errorf("balance = %d, admin staging must be free", bal)
	}

	trail, _ := e.svc.AuditTrail(ctx, p.ID)
	if len(trail) != 1 || trail[0].Kind != domain.AdminActionStageImage || trail[0].Actor != "admin@ops" {
		t.Errorf("audit trail = %+v, want one stage_image entry", trail)
	}
}

func TestAdminConfirmPromotesStagedImage(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)

	img, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewMesh, "front", "")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := e.svc.ConfirmPreview(ctx, "admin@ops", p.ID, PreviewMeshImage, "front"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, _ := e.svc.Get(ctx, "user-1", p.ID)
	if got.MeshImages["front"].URL != img.URL {
		t.Error("confirm did not promote the staged image")
	}
	if !got.AdminPreview.Empty() {
		t.Errorf("preview not cleared: %+v", got.AdminPreview)
	}

	// Confirming again is a harmless no-op and adds no audit entry.
	if err := e.svc.ConfirmPreview(ctx, "admin@ops", p.ID, PreviewMeshImage, "front"); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	trail, _ := e.svc.AuditTrail(ctx, p.ID)
	if len(trail) != 2 {
		t.Errorf("audit entries = %d, want 2 (stage + confirm)", len(trail))
	}
}

func TestAdminRejectDiscardsStagedImage(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)
	before, _ := e.svc.Get(ctx, "user-1", p.ID)

	if _, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewTexture, "back", ""); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := e.svc.RejectPreview(ctx, "admin@ops", p.ID, PreviewTextureImage, "back"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := e.svc.Get(ctx, "user-1", p.ID)
	if got.TextureImages["back"].URL != before.TextureImages["back"].URL {
		t.Error("reject altered the canonical image")
	}
	if !got.AdminPreview.Empty() {
		t.Errorf("preview not cleared: %+v", got.AdminPreview)
	}
	trail, _ := e.svc.AuditTrail(ctx, p.ID)
	if len(trail) != 2 || trail[1].Kind != domain.AdminActionReject {
		t.Errorf("audit trail = %+v, want stage then reject", trail)
	}
}

func TestAdminPreviewMeshLifecycle(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)

	preview, err := e.svc.AdminStartMesh(ctx, "admin@ops", p.ID, "meshy", mesh.Options{Format: "glb"})
	if err != nil {
		t.Fatalf("admin start mesh: %v", err)
	}
	if preview.MeshTaskID != "task-meshy" || preview.MeshProvider != "meshy" {
		t.Errorf("preview = %+v", preview)
	}
	// No charge for admin work.
	if bal := e.store.balances["user-1"]; bal != 8 {
		t.Errorf("balance = %d, want 8", bal)
	}
	// The user's pipeline stays where it was.
	got, _ := e.svc.Get(ctx, "user-1", p.ID)
	if got.Status != domain.StatusImagesReady {
		t.Errorf("status = %s, admin preview must not move it", got.Status)
	}

	st, err := e.svc.AdminCheckPreview(ctx, "admin@ops", p.ID)
	if err != nil {
		t.Fatalf("check preview: %v", err)
	}
	if st.State != mesh.StateProcessing {
		t.Errorf("state = %s, want processing", st.State)
	}

	e.meshy.status = mesh.Status{State: mesh.StateCompleted}
	st, err = e.svc.AdminCheckPreview(ctx, "admin@ops", p.ID)
	if err != nil {
		t.Fatalf("check preview: %v", err)
	}
	if st.State != mesh.StateCompleted || st.Preview.MeshURL == "" {
		t.Fatalf("preview not ingested: %+v", st)
	}

	if err := e.svc.ConfirmPreview(ctx, "admin@ops", p.ID, PreviewMesh, ""); err != nil {
		t.Fatalf("confirm mesh: %v", err)
	}
	got, _ = e.svc.Get(ctx, "user-1", p.ID)
	if got.MeshURL != st.Preview.MeshURL {
		t.Error("confirmed mesh url not promoted")
	}
	if !got.AdminPreview.Empty() {
		t.Errorf("preview not cleared after confirm: %+v", got.AdminPreview)
	}
}

func TestAdminPreviewMeshFailureClearsTask(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)

	if _, err := e.svc.AdminStartMesh(ctx, "admin@ops", p.ID, "meshy", mesh.Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.meshy.status = mesh.Status{State: mesh.StateFailed, ErrorMessage: "bad input"}
	st, err := e.svc.AdminCheckPreview(ctx, "admin@ops", p.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.State != mesh.StateFailed || st.Message != "bad input" {
		t.Errorf("st = %+v", st)
	}
	got, _ := e.svc.AdminGet(ctx, p.ID)
	if got.AdminPreview != nil && got.AdminPreview.MeshTaskID != "" {
		t.Error("failed preview task handle not cleared")
	}
}

func TestAdminStageUsesStagedImagesForMesh(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)

	staged, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewMesh, "front", "")
	if err != nil {
		t.Fatalf("stage image: %v", err)
	}
	if _, err := e.svc.AdminStartMesh(ctx, "admin@ops", p.ID, "meshy", mesh.Options{}); err != nil {
		t.Fatalf("start mesh: %v", err)
	}
	submit := e.meshy.submits[len(e.meshy.submits)-1]
	if submit.ImageURLs[0] != staged.URL {
		t.Errorf("submit used %q, want staged front %q", submit.ImageURLs[0], staged.URL)
	}
}

func TestAdminRejectAllClearsEverything(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.readyPipeline(t, 10)

	if _, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewMesh, "back", ""); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := e.svc.AdminStartMesh(ctx, "admin@ops", p.ID, "meshy", mesh.Options{}); err != nil {
		t.Fatalf("start mesh: %v", err)
	}
	if err := e.svc.RejectPreview(ctx, "admin@ops", p.ID, PreviewAll, ""); err != nil {
		t.Fatalf("reject all: %v", err)
	}
	got, _ := e.svc.AdminGet(ctx, p.ID)
	if !got.AdminPreview.Empty() {
		t.Errorf("preview survived reject all: %+v", got.AdminPreview)
	}
}

func TestAdminOperationsRequireImagesReady(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.createPipeline(t, domain.ModeRealtime, domain.TierStandard, 10)

	if _, err := e.svc.AdminRegenerateImage(ctx, "admin@ops", p.ID, domain.ViewMesh, "front", ""); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Errorf("stage on draft: err = %v, want ErrPreconditionFailed", err)
	}
	if _, err := e.svc.AdminStartMesh(ctx, "admin@ops", p.ID, "meshy", mesh.Options{}); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Errorf("mesh on draft: err = %v, want ErrPreconditionFailed", err)
	}
}
