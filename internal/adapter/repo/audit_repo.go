package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"photoforge/internal/domain"
)

// auditRepo implements domain.AuditLog over the append-only admin_actions
// table.
type auditRepo struct {
	db DBTX
}

// Append records one admin mutation.
func (r *auditRepo) Append(ctx context.Context, action *domain.AdminAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO admin_actions (id, pipeline_id, actor, kind, target, provider)
VALUES ($1, $2, $3, $4, $5, $6);
`, action.ID, action.PipelineID, action.Actor, action.Kind, action.Target, action.Provider)
	if err != nil {
		return fmt.Errorf("append admin action: %w", err)
	}
	return nil
}

// ListByPipeline returns the pipeline's audit trail in order.
func (r *auditRepo) ListByPipeline(ctx context.Context, pipelineID string) ([]domain.AdminAction, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, pipeline_id, actor, kind, target, provider, created_at
FROM admin_actions
WHERE pipeline_id = $1
ORDER BY created_at;
`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []domain.AdminAction
	for rows.Next() {
		var a domain.AdminAction
		if err := rows.Scan(&a.ID, &a.PipelineID, &a.Actor, &a.Kind, &a.Target, &a.Provider, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
