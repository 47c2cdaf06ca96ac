package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-tktt/house-tracker/internal/domain"
)

func TestLocal_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, err := l.Acquire(ctx, "batch:fangdi", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "batch:fangdi", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLocked)

	_, err = l.Acquire(ctx, "batch:lianjia", time.Minute)
	assert.NoError(t, err, "different keys are independent")

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "batch:fangdi", time.Minute)
	assert.NoError(t, err)
}

func TestLocal_Expires(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	stale, err := l.Acquire(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// releasing the expired lease must not free the new holder
	require.NoError(t, stale(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLocked)
}
