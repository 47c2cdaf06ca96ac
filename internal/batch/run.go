package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/store"
)

// Run is the batch generation being worked on, handed to its Source
type Run struct {
	Batch   *domain.BatchJob
	Session *store.Session

	orch *Orchestrator
	opts RunOptions
}

// NewRun wraps a batch for work done outside RunBatch, such as verifying
// a settled generation. Its jobs cannot be started.
func NewRun(b *domain.BatchJob, s *store.Session) *Run {
	return &Run{Batch: b, Session: s}
}

func (r *Run) startOptions() StartOptions {
	return StartOptions{
		AutoCommit: true,
		CleanCache: r.opts.CleanCache,
		Interval:   r.orch.config.Interval,
	}
}

// Job loads the job identified by spec, creating it when missing
func (r *Run) Job(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := r.Session.FindJob(ctx, r.Batch.ID, spec)
	if err != nil {
		return nil, err
	}
	if job != nil {
		return job, nil
	}

	job = &domain.Job{Kind: spec.Kind, RefID: spec.RefID, Page: spec.Page, Status: domain.JobReady}
	if err := r.Session.InsertJob(ctx, r.Batch, job); err != nil {
		return nil, err
	}
	if err := r.Session.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// StartJob starts job unless it is finished. It reports false when the
// job failed and the failure was contained to the job; a non-nil error
// means the batch must stop.
func (r *Run) StartJob(ctx context.Context, job *domain.Job) (bool, error) {
	return r.start(ctx, r.Session, job)
}

func (r *Run) start(ctx context.Context, s *store.Session, job *domain.Job) (bool, error) {
	if job.Status == domain.JobFinished {
		return true, nil
	}
	err := r.orch.runner.Start(ctx, s, r.Batch, job, r.startOptions())
	if err == nil {
		return true, nil
	}
	if domain.IsCanceled(err) {
		return false, err
	}

	var je *domain.JobError
	if !errors.As(err, &je) {
		return false, err
	}
	if je.Kind == domain.InvalidState || je.Kind == domain.UnknownKind {
		return false, &domain.BatchJobError{BatchJobID: r.Batch.ID, Err: err}
	}
	return false, nil
}

// StartAll starts the unfinished jobs, through a worker pool when the
// orchestrator is configured with a concurrency above one. It returns the
// number of jobs that failed.
func (r *Run) StartAll(ctx context.Context, jobs []*domain.Job) (int, error) {
	concurrency := r.orch.config.Concurrency
	if concurrency <= 1 {
		failed := 0
		for _, job := range jobs {
			ok, err := r.StartJob(ctx, job)
			if err != nil {
				return failed, err
			}
			if !ok {
				failed++
			}
		}
		return failed, nil
	}

	// workers take their own sessions; release the batch connection first
	if err := r.Session.Commit(); err != nil {
		return 0, err
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, job := range jobs {
		if job.Status == domain.JobFinished {
			continue
		}
		g.Go(func() error {
			s := r.orch.store.NewSession()
			defer s.Close()

			ok, err := r.start(gctx, s, job)
			if err != nil {
				return fmt.Errorf("%s: %w", job, err)
			}
			if !ok {
				failed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(failed.Load()), err
}
