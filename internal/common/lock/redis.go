package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still holds our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX leases, shared between processes.
// A held lease is renewed every third of its ttl until released, so the
// ttl only bounds how long a crashed holder blocks the key.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-based locker
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "tracker:lock"
	}
	return &Redis{client: client, prefix: prefix}
}

// Acquire sets prefix:key to a fresh token if absent
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	redisKey := r.makeKey(key)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, domain.ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(redisKey, token, ttl, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("[Lock] Release %s failed: %v", redisKey, err)
			return fmt.Errorf("redis release: %w", err)
		}
		return nil
	}, nil
}

// keepAlive renews the lease until stop is closed or the lease is lost
func (r *Redis) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			log.Printf("[Lock] Renew %s failed: %v", key, err)
		case n == 0:
			log.Printf("[Lock] Lease %s lost", key)
			return
		}
	}
}

func (r *Redis) makeKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}
