package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/project-tktt/house-tracker/internal/batch"
	"github.com/project-tktt/house-tracker/internal/common/fetcher"
	"github.com/project-tktt/house-tracker/internal/common/indexer"
	"github.com/project-tktt/house-tracker/internal/common/lock"
	"github.com/project-tktt/house-tracker/internal/common/pagecache"
	"github.com/project-tktt/house-tracker/internal/config"
	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/metrics"
	"github.com/project-tktt/house-tracker/internal/module/fangdi"
	"github.com/project-tktt/house-tracker/internal/module/lianjia"
	"github.com/project-tktt/house-tracker/internal/queue"
	"github.com/project-tktt/house-tracker/internal/store"
)

const usage = "usage: tracker [run|listen|trigger]"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	mode := "run"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		log.Println("Redis connected")
	}

	opts := batch.RunOptions{
		Create:     cfg.Schedule.Create,
		Force:      cfg.Schedule.Force,
		CleanCache: cfg.Schedule.CleanCache,
	}

	if mode == "trigger" {
		if rdb == nil {
			log.Fatal("trigger needs REDIS_ADDR")
		}
		req := queue.NewRunRequest(cfg.Schedule.Types, opts.Create, opts.Force, opts.CleanCache)
		if err := queue.NewPublisher(rdb, cfg.Redis.RunQueue).PublishRun(ctx, req); err != nil {
			log.Fatalf("Publish run request: %v", err)
		}
		log.Printf("Published run request %s for %v", req.ID, req.Types)
		return
	}

	log.Println("Starting House Tracker")

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer st.Close()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("Load sources: %v", err)
	}
	if err := sources.Seed(ctx, st); err != nil {
		log.Fatalf("Seed sources: %v", err)
	}

	orch, err := newOrchestrator(ctx, cfg, st, sources, rdb)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: orch.metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("Metrics on %s/metrics", cfg.Metrics.Addr)
	}

	types := make([]domain.BatchType, 0, len(cfg.Schedule.Types))
	for _, t := range cfg.Schedule.Types {
		types = append(types, domain.BatchType(t))
	}

	switch {
	case mode == "listen":
		if rdb == nil {
			log.Fatal("listen needs REDIS_ADDR")
		}
		listen(ctx, orch.Orchestrator, queue.NewConsumer(rdb, cfg.Redis.RunQueue, 5*time.Second))
	case mode != "run":
		log.Fatal(usage)
	case cfg.Schedule.Cron != "":
		if err := schedule(ctx, orch.Orchestrator, cfg.Schedule.Cron, types, opts); err != nil {
			log.Fatalf("Schedule: %v", err)
		}
	default:
		if !runOnce(ctx, orch.Orchestrator, types, opts) {
			os.Exit(1)
		}
	}
}

type app struct {
	*batch.Orchestrator
	metrics *metrics.Recorder
}

func newOrchestrator(ctx context.Context, cfg *config.Config, st *store.Store, sources *config.Sources, rdb *redis.Client) (*app, error) {
	client, err := fetcher.NewClient(fetcher.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		ProxyURL:    cfg.Crawler.ProxyURL,
		Timeout:     cfg.Crawler.RequestTimeout,
		MaxAttempts: cfg.Crawler.MaxRetries,
		Backoff:     cfg.Crawler.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}

	fd := fangdi.DefaultConfig()
	if err := sources.DecodeOptions(domain.BatchFD, &fd); err != nil {
		return nil, err
	}
	lj := lianjia.DefaultConfig()
	if err := sources.DecodeOptions(domain.BatchLJ, &lj); err != nil {
		return nil, err
	}
	reg := batch.NewRegistry()
	fangdi.Register(reg, fd)
	lianjia.Register(reg, lj)

	recorder := metrics.NewRecorder()
	deps := batch.Deps{
		Store:    st,
		Registry: reg,
		Fetcher:  client,
		Cache:    pagecache.New(cfg.Crawler.CacheRoot),
		Metrics:  recorder,
	}
	if rdb != nil {
		deps.Locker = lock.NewRedis(rdb, "")
	}

	if len(cfg.Elasticsearch.Addresses) > 0 {
		es, err := indexer.NewElasticsearchIndexer(indexer.Config{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			Index:     cfg.Elasticsearch.Index,
		})
		if err != nil {
			return nil, err
		}
		if err := es.EnsureIndex(ctx); err != nil {
			log.Printf("Warning: Failed to ensure index: %v", err)
		}
		deps.Reporter = es
		log.Printf("Elasticsearch connected, index: %s", cfg.Elasticsearch.Index)
	}

	orch := batch.New(deps, batch.Config{
		Concurrency: cfg.Worker.Concurrency,
		Interval:    cfg.Crawler.Interval,
		Verify:      cfg.Schedule.Verify,
		LockTTL:     cfg.Redis.LockTTL,
	})
	return &app{Orchestrator: orch, metrics: recorder}, nil
}

// runOnce runs every type and reports whether all of them ended finished
// or had nothing to run.
func runOnce(ctx context.Context, orch *batch.Orchestrator, types []domain.BatchType, opts batch.RunOptions) bool {
	results, err := orch.RunAll(ctx, types, opts)
	if err != nil {
		log.Printf("Run error: %v", err)
	}
	ok := err == nil
	for _, r := range results {
		switch {
		case r.Err != nil:
		case r.Batch == nil:
			log.Printf("%s: nothing to run", r.Type)
		default:
			log.Printf("%s: %s", r.Batch, r.Batch.Status)
			if !r.Batch.Finished() {
				ok = false
			}
		}
	}
	return ok
}

// schedule runs the types on spec until ctx is done. A tick that fires
// while the previous run is still going waits for it instead of starting
// another one.
func schedule(ctx context.Context, orch *batch.Orchestrator, spec string, types []domain.BatchType, opts batch.RunOptions) error {
	var group singleflight.Group
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		_, _, shared := group.Do("run", func() (any, error) {
			runOnce(ctx, orch, types, opts)
			return nil, nil
		})
		if shared {
			log.Println("Tick joined the run in progress")
		}
	}); err != nil {
		return err
	}

	log.Printf("Scheduled %v on %q", types, spec)
	c.Start()
	<-ctx.Done()
	log.Println("Shutdown signal received, stopping...")
	waitStopped(c.Stop().Done())
	return nil
}

func listen(ctx context.Context, orch *batch.Orchestrator, consumer *queue.Consumer) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := consumer.Run(ctx, func(ctx context.Context, req *queue.RunRequest) error {
			runOnce(ctx, orch, req.BatchTypes(), batch.RunOptions{
				Create:     req.Create,
				Force:      req.Force,
				CleanCache: req.CleanCache,
			})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Consumer error: %v", err)
		}
	}()

	log.Println("Listening for run requests")
	<-ctx.Done()
	log.Println("Shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitStopped(done)
}

func waitStopped(done <-chan struct{}) {
	select {
	case <-done:
		log.Println("Graceful shutdown complete")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}
}
