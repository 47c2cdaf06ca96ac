package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/project-tktt/house-tracker/internal/common/fetcher"
	"github.com/project-tktt/house-tracker/internal/common/pagecache"
	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/metrics"
	"github.com/project-tktt/house-tracker/internal/store"
	"github.com/project-tktt/house-tracker/internal/store/storetest"
)

const (
	testType  domain.BatchType = "testsite"
	kindPage  domain.JobKind   = "test.page"
	kindPaged domain.JobKind   = "test.paged"
)

// fakeFetcher serves "total=<n>" bodies and fails URLs a set number of times
type fakeFetcher struct {
	mu       sync.Mutex
	total    int
	calls    map[string]int
	failures map[string]int
	order    []string
}

func newFakeFetcher(total int) *fakeFetcher {
	return &fakeFetcher{total: total, calls: make(map[string]int), failures: make(map[string]int)}
}

func (f *fakeFetcher) Get(ctx context.Context, req fetcher.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls[req.URL]++
	f.order = append(f.order, req.URL)
	if f.failures[req.URL] > 0 {
		f.failures[req.URL]--
		return nil, &domain.DownloadError{URL: req.URL, StatusCode: 503, Err: fmt.Errorf("unavailable")}
	}
	return []byte("total=" + strconv.Itoa(f.total)), nil
}

func (f *fakeFetcher) failNext(url string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = times
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func pageURL(ref int64, page int) string {
	return fmt.Sprintf("http://site.test/%d/page/%d", ref, page)
}

func parseTotal(body []byte, page int) (int, error) {
	s := strings.TrimPrefix(string(body), "total=")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.NewParseError(page, "bad body %q", body)
	}
	return n, nil
}

// recordDistrict is the domain write of the test handlers
func recordDistrict(ctx context.Context, s *store.Session, ref int64, page int) error {
	return s.UpsertDistrict(ctx, &domain.District{
		Source:  testType,
		OuterID: fmt.Sprintf("%d-%d", ref, page),
		Name:    "page",
	})
}

// pageHandler reads one cached page and records it
func pageHandler(ctx context.Context, x *Execution) error {
	body, err := x.GetWebPage(ctx, Target{
		URL:     pageURL(x.Job.RefID, x.Job.Page),
		DiskURI: fmt.Sprintf("%d-%d.html", x.Job.RefID, x.Job.Page),
	}, true)
	if err != nil {
		return err
	}
	if _, err := parseTotal(body, x.Job.Page); err != nil {
		return err
	}
	return recordDistrict(ctx, x.Session, x.Job.RefID, x.Job.Page)
}

// pagedHandler walks every page of its ref with the iterator
func pagedHandler(ctx context.Context, x *Execution) error {
	it := IteratePages(x, func(ctx context.Context, page int) (int, int, error) {
		body, err := x.GetWebPage(ctx, Target{URL: pageURL(x.Job.RefID, page)}, false)
		if err != nil {
			return 0, 0, err
		}
		total, err := parseTotal(body, page)
		return page, total, err
	})
	for it.Next(ctx) {
		if err := recordDistrict(ctx, x.Session, x.Job.RefID, it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

// testSource creates one page job per unit
type testSource struct {
	typ   domain.BatchType
	units int
	err   error

	mu   sync.Mutex
	seen []domain.JobStatus
}

func (s *testSource) Type() domain.BatchType { return s.typ }

func (s *testSource) Start(ctx context.Context, run *Run) (domain.BatchStatus, error) {
	if s.err != nil {
		return domain.BatchFailed, s.err
	}
	var jobs []*domain.Job
	for i := 1; i <= s.units; i++ {
		job, err := run.Job(ctx, domain.JobSpec{Kind: kindPage, RefID: 1, Page: i})
		if err != nil {
			return domain.BatchFailed, err
		}
		s.mu.Lock()
		s.seen = append(s.seen, job.Status)
		s.mu.Unlock()
		jobs = append(jobs, job)
	}
	failed, err := run.StartAll(ctx, jobs)
	if err != nil {
		return domain.BatchFailed, err
	}
	if failed > 0 {
		return domain.BatchFailed, nil
	}
	return domain.BatchFinished, nil
}

type testEnv struct {
	store   *store.Store
	reg     *Registry
	fetch   *fakeFetcher
	cache   *pagecache.Cache
	metrics *metrics.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := NewRegistry()
	reg.Handle(kindPage, HandlerFunc(pageHandler))
	reg.Handle(kindPaged, HandlerFunc(pagedHandler))
	return &testEnv{
		store:   storetest.New(t),
		reg:     reg,
		fetch:   newFakeFetcher(5),
		cache:   pagecache.New(t.TempDir()),
		metrics: metrics.NewRecorder(),
	}
}

func (e *testEnv) runner() *Runner {
	return NewRunner(e.reg, e.fetch, e.cache, e.metrics)
}

func (e *testEnv) orchestrator(cfg Config) *Orchestrator {
	return New(Deps{
		Store:    e.store,
		Registry: e.reg,
		Fetcher:  e.fetch,
		Cache:    e.cache,
		Metrics:  e.metrics,
	}, cfg)
}

// newJob inserts a committed job into b
func (e *testEnv) newJob(t *testing.T, b *domain.BatchJob, spec domain.JobSpec) *domain.Job {
	t.Helper()
	s := e.store.NewSession()
	job := &domain.Job{Kind: spec.Kind, RefID: spec.RefID, Page: spec.Page}
	require.NoError(t, s.InsertJob(context.Background(), b, job))
	require.NoError(t, s.Commit())
	return job
}

func (e *testEnv) loadJob(t *testing.T, id int64) *domain.Job {
	t.Helper()
	s := e.store.NewSession()
	defer s.Close()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) districts(t *testing.T) int {
	return storetest.Count(t, e.store, `SELECT COUNT(*) FROM district WHERE source = $1`, string(testType))
}
