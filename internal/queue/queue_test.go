package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-tktt/house-tracker/internal/domain"
)

func TestRunRequest_RoundTrip(t *testing.T) {
	req := NewRunRequest([]string{"fangdi", "lianjia"}, true, false, true)
	require.NotEmpty(t, req.ID)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	got, err := decodeRequest(string(data))
	require.NoError(t, err)

	assert.Equal(t, req.ID, got.ID)
	assert.True(t, got.Create)
	assert.False(t, got.Force)
	assert.True(t, got.CleanCache)
	assert.True(t, req.RequestedAt.Equal(got.RequestedAt))
	assert.Equal(t, []domain.BatchType{domain.BatchFD, domain.BatchLJ}, got.BatchTypes())
}

func TestDecodeRequest_Malformed(t *testing.T) {
	for _, data := range []string{`not json`, `{"id": "r1", "types": []}`} {
		_, err := decodeRequest(data)
		assert.ErrorIs(t, err, errMalformed, data)
	}
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, DefaultQueue, NewPublisher(nil, "").queueName)
	c := NewConsumer(nil, "", 0)
	assert.Equal(t, DefaultQueue, c.queueName)
	assert.NotZero(t, c.timeout)
}

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPublisher_PublishRun(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	p := NewPublisher(client, "")

	require.NoError(t, p.PublishRun(ctx, NewRunRequest([]string{"fangdi"}, true, false, false)))
	require.NoError(t, p.PublishRun(ctx, NewRunRequest([]string{"lianjia"}, true, true, false)))

	n, err := p.QueueLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	entries, err := mr.List(DefaultQueue)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0], `"types":["lianjia"]`, "newest first")
}

func TestConsumer_ConsumeInOrder(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)
	p := NewPublisher(client, "runs")
	c := NewConsumer(client, "runs", time.Second)

	first := NewRunRequest([]string{"fangdi"}, true, false, false)
	second := NewRunRequest([]string{"lianjia"}, false, false, true)
	require.NoError(t, p.PublishRun(ctx, first))
	require.NoError(t, p.PublishRun(ctx, second))

	got, err := c.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	got, err = c.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.CleanCache)

	got, err = c.Consume(ctx)
	require.NoError(t, err, "an empty queue times out quietly")
	assert.Nil(t, got)
}

func TestConsumer_RunSkipsMalformedRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newClient(t)
	p := NewPublisher(client, "")

	first := NewRunRequest([]string{"fangdi"}, true, false, false)
	second := NewRunRequest([]string{"lianjia"}, true, false, false)
	require.NoError(t, p.PublishRun(ctx, first))
	require.NoError(t, client.LPush(ctx, DefaultQueue, "not json").Err())
	require.NoError(t, p.PublishRun(ctx, second))

	var handled []string
	err := NewConsumer(client, "", time.Second).Run(ctx, func(ctx context.Context, req *RunRequest) error {
		handled = append(handled, req.ID)
		if len(handled) == 2 {
			cancel()
		}
		return errors.New("handler errors are logged")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{first.ID, second.ID}, handled)
}
