package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/project-tktt/house-tracker/internal/common/fetcher"
	"github.com/project-tktt/house-tracker/internal/common/pagecache"
	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/metrics"
	"github.com/project-tktt/house-tracker/internal/store"
)

// attemptSavepoint scopes the writes of one job attempt
const attemptSavepoint = "job_attempt"

// StartOptions tune a single job attempt
type StartOptions struct {
	// AutoCommit commits on success, on failure and at every checkpoint
	AutoCommit bool
	// CleanCache drops cached pages of the job before they are read
	CleanCache bool
	// Interval is the politeness delay after each network fetch
	Interval time.Duration
}

// Target is a page a job wants to read
type Target struct {
	URL string
	// DiskURI names the cache entry inside the batch directory
	DiskURI  string
	Encoding string
}

// Runner starts jobs by dispatching on their kind
type Runner struct {
	registry *Registry
	fetcher  fetcher.Fetcher
	cache    *pagecache.Cache
	metrics  *metrics.Recorder
}

// NewRunner creates a job runner. rec may be nil.
func NewRunner(registry *Registry, f fetcher.Fetcher, cache *pagecache.Cache, rec *metrics.Recorder) *Runner {
	return &Runner{registry: registry, fetcher: f, cache: cache, metrics: rec}
}

// Execution is the state of one job attempt handed to its handler
type Execution struct {
	Job     *domain.Job
	Batch   *domain.BatchJob
	Session *store.Session

	runner  *Runner
	opts    StartOptions
	cleared map[string]bool
}

// Start runs one attempt of job inside its own savepoint. Only ready and
// retry jobs can start. On success the job is finished; on failure the
// attempt's writes since its last checkpoint are rolled back, the job is
// marked failed with the last target URI and a *domain.JobError is
// returned. Errors that are neither download, parse, job nor cancellation
// errors are returned as they are after the same bookkeeping.
func (r *Runner) Start(ctx context.Context, s *store.Session, b *domain.BatchJob, job *domain.Job, opts StartOptions) error {
	if !job.Status.Startable() {
		return &domain.JobError{JobID: job.ID, Kind: domain.InvalidState, Err: fmt.Errorf("cannot start from %s", job.Status)}
	}
	h, ok := r.registry.Handler(job.Kind)
	if !ok {
		return &domain.JobError{JobID: job.ID, Kind: domain.UnknownKind, Err: fmt.Errorf("no handler for %q", job.Kind)}
	}

	if err := s.Savepoint(ctx, attemptSavepoint); err != nil {
		return fmt.Errorf("start %s: %w", job, err)
	}
	previous := job.Status
	job.Status = domain.JobRunning
	if err := s.SaveJob(ctx, job); err != nil {
		job.Status = previous
		_ = s.RollbackTo(ctx, attemptSavepoint)
		return fmt.Errorf("start %s: %w", job, err)
	}

	x := &Execution{Job: job, Batch: b, Session: s, runner: r, opts: opts, cleared: make(map[string]bool)}
	err := h.Execute(ctx, x)
	if err == nil {
		err = r.finish(ctx, x)
	}
	if err != nil {
		return r.fail(ctx, x, err)
	}

	r.metrics.RecordJob(string(job.Kind), string(domain.JobFinished))
	return nil
}

func (r *Runner) finish(ctx context.Context, x *Execution) error {
	s := x.Session
	x.Job.Status = domain.JobFinished
	if err := s.SaveJob(ctx, x.Job); err != nil {
		return err
	}
	if err := s.Release(ctx, attemptSavepoint); err != nil {
		return err
	}
	if x.opts.AutoCommit {
		return s.Commit()
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, x *Execution, cause error) error {
	s, job := x.Session, x.Job
	// the rollback completes even when ctx is canceled
	ctx = context.WithoutCancel(ctx)

	if err := s.RollbackTo(ctx, attemptSavepoint); err != nil {
		log.Printf("[Job] %s: %v, discarding transaction", job, err)
		_ = s.Rollback()
	}

	job.Status = domain.JobFailed
	if err := s.MarkJobFailed(ctx, job); err != nil {
		return errors.Join(cause, err)
	}
	// rolled-back cursor moves must not survive in memory
	if fresh, err := s.GetJob(ctx, job.ID); err == nil {
		job.Params = fresh.Params
	}
	if x.opts.AutoCommit {
		if err := s.Commit(); err != nil {
			return errors.Join(cause, err)
		}
	}

	r.metrics.RecordJob(string(job.Kind), string(domain.JobFailed))
	log.Printf("[Job] %s failed at %q: %v", job, job.TargetURI, cause)

	if !domain.IsContained(cause) {
		return cause
	}
	var je *domain.JobError
	if errors.As(cause, &je) {
		if je.JobID == 0 {
			je.JobID = job.ID
		}
		if je.TargetURI == "" {
			je.TargetURI = job.TargetURI
		}
		return je
	}
	return &domain.JobError{JobID: job.ID, Kind: domain.Failed, TargetURI: job.TargetURI, Err: cause}
}

// GetWebPage returns the body of t, preferring the batch page cache.
// A miss goes to the fetcher; with cache set the body is then stored.
// After a network fetch the politeness interval is observed.
func (x *Execution) GetWebPage(ctx context.Context, t Target, cache bool) ([]byte, error) {
	r := x.runner
	b := x.Batch
	x.Job.TargetURI = t.URL

	if t.DiskURI != "" {
		if x.opts.CleanCache && !x.cleared[t.DiskURI] {
			if err := r.cache.Clear(b.BatchNumber, b.Type, t.DiskURI); err != nil {
				return nil, err
			}
			x.cleared[t.DiskURI] = true
		}
		body, ok, err := r.cache.Read(b.BatchNumber, b.Type, t.DiskURI)
		if err != nil {
			return nil, err
		}
		if ok {
			r.metrics.RecordFetch(string(b.Type), metrics.FetchCache)
			return body, nil
		}
	} else if cache {
		return nil, fmt.Errorf("cache requested for %s without a disk uri", t.URL)
	}

	body, err := r.fetcher.Get(ctx, fetcher.Request{URL: t.URL, Encoding: t.Encoding})
	if err != nil {
		r.metrics.RecordFetch(string(b.Type), metrics.FetchError)
		return nil, err
	}
	r.metrics.RecordFetch(string(b.Type), metrics.FetchNetwork)

	if cache {
		if _, err := r.cache.Write(b.BatchNumber, b.Type, t.DiskURI, body); err != nil {
			return nil, err
		}
	}

	if x.opts.Interval > 0 {
		timer := time.NewTimer(x.opts.Interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return body, nil
}

// Checkpoint persists the job parameters together with the writes made so
// far. A failure later in the attempt only rolls back to this point.
func (x *Execution) Checkpoint(ctx context.Context) error {
	s := x.Session
	if err := s.SaveJob(ctx, x.Job); err != nil {
		return err
	}
	if x.opts.AutoCommit {
		if err := s.Commit(); err != nil {
			return err
		}
	} else if err := s.Release(ctx, attemptSavepoint); err != nil {
		return err
	}
	return s.Savepoint(ctx, attemptSavepoint)
}
