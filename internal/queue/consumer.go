package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer consumes run requests from Redis queue
type Consumer struct {
	client    *redis.Client
	queueName string
	timeout   time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(client *redis.Client, queueName string, timeout time.Duration) *Consumer {
	if queueName == "" {
		queueName = DefaultQueue
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Consumer{
		client:    client,
		queueName: queueName,
		timeout:   timeout,
	}
}

// Consume blocks and waits for a request from the queue
// Returns nil, nil if timeout occurs with no request
func (c *Consumer) Consume(ctx context.Context) (*RunRequest, error) {
	result, err := c.client.BRPop(ctx, c.timeout, c.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}
	return decodeRequest(result[1])
}

// Run starts a continuous consumer loop. Requests are handled one at a
// time; a malformed request or a handler error is logged and skipped.
func (c *Consumer) Run(ctx context.Context, handler func(context.Context, *RunRequest) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := c.Consume(ctx)
		if errors.Is(err, errMalformed) {
			log.Printf("[Queue] Skipping request: %v", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("consume: %w", err)
		}

		if req == nil {
			continue
		}

		log.Printf("[Queue] Run request %s for %v", req.ID, req.Types)
		if err := handler(ctx, req); err != nil {
			log.Printf("[Queue] Run request %s failed: %v", req.ID, err)
		}
	}
}
