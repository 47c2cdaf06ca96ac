package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/project-tktt/house-tracker/internal/domain"
)

const jobColumns = `id, batch_job_id, batch_number, batch_type, kind, ref_id, page, status, target_uri, parameters, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var j domain.Job
	var typ, kind, status, params string
	if err := row.Scan(&j.ID, &j.BatchJobID, &j.BatchNumber, &typ, &kind, &j.RefID, &j.Page,
		&status, &j.TargetURI, &params, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.BatchType = domain.BatchType(typ)
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	if !j.Status.Valid() {
		return nil, fmt.Errorf("job %d has unknown status %q", j.ID, status)
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return nil, fmt.Errorf("decode parameters of job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

func encodeParams(p domain.Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(data), nil
}

// FindJob loads the job identified by spec inside a batch, or nil
func (s *Session) FindJob(ctx context.Context, batchJobID int64, spec domain.JobSpec) (*domain.Job, error) {
	j, err := scanJob(s.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job
		 WHERE batch_job_id = $1 AND kind = $2 AND ref_id = $3 AND page = $4`,
		batchJobID, string(spec.Kind), spec.RefID, spec.Page))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// GetJob loads a job by id
func (s *Session) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	j, err := scanJob(s.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query job %d: %w", id, err)
	}
	return j, nil
}

// ListJobs returns every job of a batch ordered by id
func (s *Session) ListJobs(ctx context.Context, batchJobID int64) ([]*domain.Job, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM job WHERE batch_job_id = $1 ORDER BY id`, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// InsertJob creates a job row for b
func (s *Session) InsertJob(ctx context.Context, b *domain.BatchJob, j *domain.Job) error {
	params, err := encodeParams(j.Params)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.BatchJobID, j.BatchNumber, j.BatchType = b.ID, b.BatchNumber, b.Type
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Status == "" {
		j.Status = domain.JobReady
	}
	err = s.QueryRowContext(ctx,
		`INSERT INTO job (batch_job_id, batch_number, batch_type, kind, ref_id, page, status, target_uri, parameters, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		j.BatchJobID, j.BatchNumber, string(j.BatchType), string(j.Kind), j.RefID, j.Page,
		string(j.Status), j.TargetURI, params, now, now,
	).Scan(&j.ID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SaveJob persists the mutable columns of a job
func (s *Session) SaveJob(ctx context.Context, j *domain.Job) error {
	params, err := encodeParams(j.Params)
	if err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()
	if _, err := s.ExecContext(ctx,
		`UPDATE job SET status = $1, target_uri = $2, parameters = $3, updated_at = $4 WHERE id = $5`,
		string(j.Status), j.TargetURI, params, j.UpdatedAt, j.ID,
	); err != nil {
		return fmt.Errorf("save job %d: %w", j.ID, err)
	}
	return nil
}

// MarkJobFailed records a failed attempt without touching its parameters
func (s *Session) MarkJobFailed(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = time.Now().UTC()
	if _, err := s.ExecContext(ctx,
		`UPDATE job SET status = $1, target_uri = $2, updated_at = $3 WHERE id = $4`,
		string(domain.JobFailed), j.TargetURI, j.UpdatedAt, j.ID,
	); err != nil {
		return fmt.Errorf("mark job %d failed: %w", j.ID, err)
	}
	return nil
}

// PromoteStaleJobs flips the failed jobs of a batch to retry, together
// with the jobs a crashed attempt left running. The caller must hold the
// batch lock so no live attempt is running.
func (s *Session) PromoteStaleJobs(ctx context.Context, batchJobID int64) (int64, error) {
	res, err := s.ExecContext(ctx,
		`UPDATE job SET status = $1, updated_at = $2 WHERE batch_job_id = $3 AND status IN ($4, $5)`,
		string(domain.JobRetry), time.Now().UTC(), batchJobID, string(domain.JobFailed), string(domain.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("promote stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobsByStatus returns the number of jobs of a batch per status
func (s *Session) CountJobsByStatus(ctx context.Context, batchJobID int64) (map[string]int, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job WHERE batch_job_id = $1 GROUP BY status`, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
