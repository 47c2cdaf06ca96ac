package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tracker
type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Elasticsearch ESConfig
	Crawler       CrawlerConfig
	Worker        WorkerConfig
	Schedule      ScheduleConfig
	Metrics       MetricsConfig
	// SourcesFile is the YAML file with seeds and per-source options
	SourcesFile string
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite
	Driver string
	// DSN is a postgres URL or a sqlite file path
	DSN string
}

type RedisConfig struct {
	// Addr enables the shared batch lock when set
	Addr     string
	Password string
	DB       int
	// LockTTL bounds how long a crashed runner blocks a type. A live
	// runner renews its lease every third of the ttl.
	LockTTL time.Duration
	// RunQueue is the list run requests are pushed to
	RunQueue string
}

type ESConfig struct {
	// Addresses enables batch report indexing when set
	Addresses []string
	Username  string
	Password  string
	Index     string
}

type CrawlerConfig struct {
	CacheRoot      string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	// Interval is the politeness delay after each network fetch
	Interval  time.Duration
	UserAgent string
	ProxyURL  string
}

type WorkerConfig struct {
	// Concurrency is the number of child jobs run at once inside a batch
	Concurrency int
}

type ScheduleConfig struct {
	// Cron runs the batches on a schedule; empty runs them once
	Cron   string
	Types  []string
	Create bool
	Force  bool
	Verify bool
	// CleanCache refetches the pages of every job that runs
	CleanCache bool
}

type MetricsConfig struct {
	// Addr enables the /metrics listener when set
	Addr string
}

// Load creates a Config from environment variables with defaults.
// Variables from a .env file in the working directory are loaded first
// without overriding the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[Config] Ignoring .env: %v", err)
	}

	return &Config{
		Database: DatabaseConfig{
			Driver: getEnv("TRACKER_DB_DRIVER", "sqlite"),
			DSN:    getEnv("TRACKER_DB_DSN", "data/tracker.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("TRACKER_LOCK_TTL", 6*time.Hour),
			RunQueue: getEnv("TRACKER_RUN_QUEUE", "tracker:runs"),
		},
		Elasticsearch: ESConfig{
			Addresses: getEnvList("ES_ADDRESSES", nil),
			Username:  getEnv("ES_USERNAME", ""),
			Password:  getEnv("ES_PASSWORD", ""),
			Index:     getEnv("ES_REPORT_INDEX", "tracker-batches"),
		},
		Crawler: CrawlerConfig{
			CacheRoot:      getEnv("TRACKER_CACHE_ROOT", "data/pages"),
			RequestTimeout: getEnvDuration("CRAWLER_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("CRAWLER_MAX_RETRIES", 3),
			RetryBackoff:   getEnvDuration("CRAWLER_RETRY_BACKOFF", 3*time.Second),
			Interval:       getEnvDuration("CRAWLER_INTERVAL", 500*time.Millisecond),
			UserAgent:      getEnv("CRAWLER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
			ProxyURL:       getEnv("CRAWLER_PROXY_URL", ""),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("TRACKER_CONCURRENCY", 1),
		},
		Schedule: ScheduleConfig{
			Cron:       getEnv("TRACKER_SCHEDULE", ""),
			Types:      getEnvList("TRACKER_TYPES", []string{"fangdi", "lianjia"}),
			Create:     getEnvBool("TRACKER_CREATE", true),
			Force:      getEnvBool("TRACKER_FORCE", false),
			Verify:     getEnvBool("TRACKER_VERIFY", true),
			CleanCache: getEnvBool("TRACKER_CLEAN_CACHE", false),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		SourcesFile: getEnv("TRACKER_SOURCES_FILE", "sources.yaml"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated value, dropping blanks
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var list []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
