package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/project-tktt/house-tracker/internal/domain"
)

const batchJobColumns = `id, batch_number, type, status, created_at, updated_at`

func scanBatchJob(row interface{ Scan(...any) error }) (*domain.BatchJob, error) {
	var b domain.BatchJob
	var typ, status string
	if err := row.Scan(&b.ID, &b.BatchNumber, &typ, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Type = domain.BatchType(typ)
	b.Status = domain.BatchStatus(status)
	return &b, nil
}

// LatestBatchJob returns the batch of typ with the highest number, or nil
func (s *Session) LatestBatchJob(ctx context.Context, typ domain.BatchType) (*domain.BatchJob, error) {
	b, err := scanBatchJob(s.QueryRowContext(ctx,
		`SELECT `+batchJobColumns+` FROM batch_job WHERE type = $1 ORDER BY batch_number DESC LIMIT 1`,
		string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest batch job: %w", err)
	}
	return b, nil
}

// GetBatchJob loads a batch by id
func (s *Session) GetBatchJob(ctx context.Context, id int64) (*domain.BatchJob, error) {
	b, err := scanBatchJob(s.QueryRowContext(ctx,
		`SELECT `+batchJobColumns+` FROM batch_job WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query batch job %d: %w", id, err)
	}
	return b, nil
}

// InsertBatchJob creates a batch row. The unique index on (type,
// batch_number) rejects a second runner creating the same generation.
func (s *Session) InsertBatchJob(ctx context.Context, b *domain.BatchJob) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	err := s.QueryRowContext(ctx,
		`INSERT INTO batch_job (batch_number, type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		b.BatchNumber, string(b.Type), string(b.Status), now, now,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert batch job %s: %w", b, err)
	}
	return nil
}

// UpdateBatchJobStatus persists b.Status
func (s *Session) UpdateBatchJobStatus(ctx context.Context, b *domain.BatchJob) error {
	b.UpdatedAt = time.Now().UTC()
	if _, err := s.ExecContext(ctx,
		`UPDATE batch_job SET status = $1, updated_at = $2 WHERE id = $3`,
		string(b.Status), b.UpdatedAt, b.ID,
	); err != nil {
		return fmt.Errorf("update batch job %s: %w", b, err)
	}
	return nil
}
