package fetcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// Fetcher performs a GET and returns the decoded body
type Fetcher interface {
	Get(ctx context.Context, req Request) ([]byte, error)
}

// Request describes one page fetch
type Request struct {
	URL string
	// Encoding forces the response charset (e.g. "gbk"). Empty means
	// the Content-Type header decides.
	Encoding string
}

// Config holds fetcher settings
type Config struct {
	UserAgent   string
	ProxyURL    string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		Backoff:     3 * time.Second,
	}
}

// Client fetches pages with Colly and retries transient failures
type Client struct {
	collector *colly.Collector
	config    Config
}

// NewClient creates a Colly-backed fetcher
func NewClient(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}

	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.ProxyURL != "" {
		if err := c.SetProxy(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	return &Client{collector: c, config: cfg}, nil
}

// Get fetches req.URL with up to MaxAttempts tries and a fixed backoff.
// Failures come back as *domain.DownloadError; a 4xx is not retried.
func (c *Client) Get(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		body, status, err := c.fetch(ctx, req)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = &domain.DownloadError{URL: req.URL, StatusCode: status, Err: err}
		if status >= 400 && status < 500 {
			return nil, lastErr
		}
		if attempt == c.config.MaxAttempts {
			break
		}

		log.Printf("[Fetcher] Attempt %d/%d for %s failed: %v", attempt, c.config.MaxAttempts, req.URL, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.Backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) fetch(ctx context.Context, req Request) ([]byte, int, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)

	collector := c.collector.Clone()
	collector.Context = ctx

	collector.OnRequest(func(r *colly.Request) {
		if req.Encoding != "" {
			r.ResponseCharacterEncoding = req.Encoding
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Visit(req.URL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, status, fetchErr
	}
	if body == nil {
		return nil, status, fmt.Errorf("empty response")
	}
	return body, status, nil
}
