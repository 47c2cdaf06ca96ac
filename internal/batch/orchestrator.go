package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/project-tktt/house-tracker/internal/common/fetcher"
	"github.com/project-tktt/house-tracker/internal/common/lock"
	"github.com/project-tktt/house-tracker/internal/common/pagecache"
	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/metrics"
	"github.com/project-tktt/house-tracker/internal/store"
)

// Reporter receives the report of every finalized batch
type Reporter interface {
	IndexReport(ctx context.Context, report domain.BatchReport) error
}

// Config holds orchestrator settings
type Config struct {
	// Concurrency is the number of child jobs run at once; 1 is sequential
	Concurrency int
	// Interval is the politeness delay after each network fetch
	Interval time.Duration
	// Verify runs the source verifier on batches whose jobs all finished
	Verify bool
	// LockTTL bounds how long a crashed runner keeps a type locked
	LockTTL time.Duration
}

// Deps are the collaborators of an orchestrator. Locker, Reporter and
// Metrics are optional.
type Deps struct {
	Store    *store.Store
	Registry *Registry
	Fetcher  fetcher.Fetcher
	Cache    *pagecache.Cache
	Locker   lock.Locker
	Reporter Reporter
	Metrics  *metrics.Recorder
}

// RunOptions select which batch generation RunBatch works on
type RunOptions struct {
	// Create starts a new generation when the latest one finished
	Create bool
	// Force starts a new generation even if the latest is unfinished. It implies Create.
	Force bool
	// CleanCache refetches every page of the jobs that run
	CleanCache bool
}

// Orchestrator runs batch generations of the registered sources
type Orchestrator struct {
	store    *store.Store
	registry *Registry
	runner   *Runner
	cache    *pagecache.Cache
	locker   lock.Locker
	reporter Reporter
	metrics  *metrics.Recorder
	config   Config
}

// New creates an orchestrator
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 6 * time.Hour
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Orchestrator{
		store:    deps.Store,
		registry: deps.Registry,
		runner:   NewRunner(deps.Registry, deps.Fetcher, deps.Cache, deps.Metrics),
		cache:    deps.Cache,
		locker:   locker,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		config:   cfg,
	}
}

// GetOrCreate resolves the batch generation of typ to work on.
//   - no batch yet: nil, or batch 1 with create
//   - latest unfinished: the latest; nil with create unless force, which
//     supersedes it with a new generation
//   - latest finished: nil, or the next generation with create
func GetOrCreate(ctx context.Context, s *store.Session, typ domain.BatchType, create, force bool) (*domain.BatchJob, error) {
	if force {
		create = true
	}
	latest, err := s.LatestBatchJob(ctx, typ)
	if err != nil {
		return nil, err
	}

	next := 1
	if latest != nil {
		if !latest.Finished() {
			switch {
			case !create:
				return latest, nil
			case !force:
				log.Printf("[Batch] %s is still %s, not creating a new generation", latest, latest.Status)
				return nil, nil
			}
		} else if !create {
			return nil, nil
		}
		next = latest.BatchNumber + 1
	} else if !create {
		return nil, nil
	}

	b := &domain.BatchJob{Type: typ, BatchNumber: next, Status: domain.BatchReady}
	if err := s.InsertBatchJob(ctx, b); err != nil {
		return nil, err
	}
	log.Printf("[Batch] Created %s", b)
	return b, nil
}

// RunBatch runs the current or a new generation of typ and returns it
// with its final status. It returns nil when there is nothing to run.
// Failed jobs of the generation, and jobs left running by a crashed
// process, are flipped to retry before the source starts. A *domain.BatchJobError from the source marks the batch failed
// and is not returned; any other error rolls back the open transaction,
// marks the batch failed and is returned.
func (o *Orchestrator) RunBatch(ctx context.Context, typ domain.BatchType, opts RunOptions) (*domain.BatchJob, error) {
	src, ok := o.registry.Source(typ)
	if !ok {
		return nil, fmt.Errorf("no source registered for %s", typ)
	}

	release, err := o.locker.Acquire(ctx, "batch:"+string(typ), o.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", typ, err)
	}
	defer func() {
		_ = release(context.WithoutCancel(ctx))
	}()

	s := o.store.NewSession()
	defer s.Close()

	b, err := GetOrCreate(ctx, s, typ, opts.Create, opts.Force)
	if err != nil {
		return nil, err
	}
	if b == nil {
		log.Printf("[Batch] No pending %s batch", typ)
		return nil, s.Rollback()
	}
	if err := s.Commit(); err != nil {
		return nil, err
	}

	started := time.Now()
	run := &Run{Batch: b, Session: s, orch: o, opts: opts}

	if err := o.prepare(ctx, s, b); err != nil {
		return b, o.abort(ctx, s, b, started, err)
	}

	log.Printf("[Batch] Running %s", b)
	status, err := src.Start(ctx, run)

	var bjErr *domain.BatchJobError
	switch {
	case err == nil:
		b.Status = status
		if b.Status != domain.BatchFinished {
			b.Status = domain.BatchFailed
		}
	case errors.As(err, &bjErr):
		log.Printf("[Batch] %s stopped: %v", b, err)
		b.Status = domain.BatchFailed
	default:
		return b, o.abort(ctx, s, b, started, err)
	}

	if b.Status == domain.BatchFinished && o.config.Verify {
		if v, ok := src.(Verifier); ok {
			if err := v.Verify(ctx, run); err != nil {
				log.Printf("[Batch] %s failed verification: %v", b, err)
				o.metrics.RecordVerifyFailure(string(typ))
				_ = s.Rollback()
				b.Status = domain.BatchFailed
			}
		}
	}

	if err := o.finalize(ctx, s, b, started); err != nil {
		return b, err
	}
	return b, nil
}

func (o *Orchestrator) prepare(ctx context.Context, s *store.Session, b *domain.BatchJob) error {
	if err := o.cache.Prepare(b.BatchNumber, b.Type); err != nil {
		return err
	}
	// the batch lock is held, so a running job is left over from a crash
	n, err := s.PromoteStaleJobs(ctx, b.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("[Batch] %s: %d failed or interrupted jobs set to retry", b, n)
	}
	b.Status = domain.BatchRunning
	if err := s.UpdateBatchJobStatus(ctx, b); err != nil {
		return err
	}
	return s.Commit()
}

// abort discards the open transaction and records the batch as failed
func (o *Orchestrator) abort(ctx context.Context, s *store.Session, b *domain.BatchJob, started time.Time, cause error) error {
	log.Printf("[Batch] %s aborted: %v", b, cause)
	_ = s.Rollback()
	b.Status = domain.BatchFailed
	if err := o.finalize(context.WithoutCancel(ctx), s, b, started); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("run batch %s: %w", b, cause)
}

func (o *Orchestrator) finalize(ctx context.Context, s *store.Session, b *domain.BatchJob, started time.Time) error {
	if err := s.UpdateBatchJobStatus(ctx, b); err != nil {
		return err
	}
	counts, err := s.CountJobsByStatus(ctx, b.ID)
	if err != nil {
		return err
	}
	if err := s.Commit(); err != nil {
		return err
	}

	finished := time.Now()
	o.metrics.RecordBatch(string(b.Type), string(b.Status), finished.Sub(started))
	log.Printf("[Batch] %s %s: jobs %v", b, b.Status, counts)

	if o.reporter != nil {
		report := domain.BatchReport{
			BatchJobID:  b.ID,
			Type:        b.Type,
			BatchNumber: b.BatchNumber,
			Status:      b.Status,
			Jobs:        counts,
			StartedAt:   started.UTC(),
			FinishedAt:  finished.UTC(),
			DurationMS:  finished.Sub(started).Milliseconds(),
		}
		if err := o.reporter.IndexReport(ctx, report); err != nil {
			log.Printf("[Batch] Index report of %s: %v", b, err)
		}
	}
	return nil
}

// Result is the outcome of one type in RunAll
type Result struct {
	Type  domain.BatchType
	Batch *domain.BatchJob
	Err   error
}

// RunAll runs one batch per type concurrently, one goroutine per type.
// The returned error aggregates the per-type errors.
func (o *Orchestrator) RunAll(ctx context.Context, types []domain.BatchType, opts RunOptions) ([]Result, error) {
	results := make([]Result, len(types))
	var (
		mu     sync.Mutex
		merged *multierror.Error
		g      errgroup.Group
	)
	for i, typ := range types {
		g.Go(func() error {
			b, err := o.RunBatch(ctx, typ, opts)
			results[i] = Result{Type: typ, Batch: b, Err: err}
			if err != nil {
				mu.Lock()
				merged = multierror.Append(merged, fmt.Errorf("%s: %w", typ, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, merged.ErrorOrNil()
}
