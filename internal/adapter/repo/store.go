package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"photoforge/internal/domain"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so repositories run the
// same SQL inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements domain.Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool // nil when the store is bound to a transaction
	db   DBTX
}

// NewStore creates a store backed by the connection pool.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, db: pool}
}

func (s *PGStore) Pipelines() domain.PipelineRepository { return &pipelineRepo{db: s.db} }
func (s *PGStore) BatchJobs() domain.BatchJobRepository { return &batchJobRepo{db: s.db} }
func (s *PGStore) Credits() domain.CreditLedger         { return &creditRepo{db: s.db} }
func (s *PGStore) Audit() domain.AuditLog               { return &auditRepo{db: s.db} }

// InTx runs fn against a store bound to a single transaction. A store already
// inside a transaction reuses it, so nested calls compose.
func (s *PGStore) InTx(ctx context.Context, fn func(domain.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &PGStore{db: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ domain.Store = (*PGStore)(nil)
