package lock

import (
	"context"
	"sync"
	"time"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// Release gives a held lock back
type Release func(ctx context.Context) error

// Locker grants exclusive leases on keys. Acquire returns domain.ErrLocked
// when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is an in-process Locker for single-process runs and tests
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time)}
}

// Acquire takes key until released or ttl elapses
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if cur, ok := l.held[key]; ok && (cur.IsZero() || now.Before(cur)) {
		return nil, domain.ErrLocked
	}
	// zero means held until released
	var until time.Time
	if ttl > 0 {
		until = now.Add(ttl)
	}
	l.held[key] = until

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == until {
			delete(l.held, key)
		}
		return nil
	}, nil
}
