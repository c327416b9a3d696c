package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/resolver"
)

const (
	testStream = "activities"
	testGroup  = "workers"
)

type fakeProcessor struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	fail   map[string]error
}

func (p *fakeProcessor) ProcessActivity(_ context.Context, event domain.ActivityEvent) (*resolver.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if err := p.fail[event.Activity.SourceID]; err != nil {
		return nil, err
	}
	return &resolver.Result{ActivityID: "a-" + event.Activity.SourceID, Created: true}, nil
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestConsumer(t *testing.T, client *redis.Client, processor ActivityProcessor) *StreamConsumer {
	t.Helper()
	c := NewStreamConsumer(client, StreamConfig{
		Stream:        testStream,
		ConsumerGroup: testGroup,
		ConsumerName:  "w1",
		Block:         100 * time.Millisecond,
	}, processor, zap.NewNop())
	group := redisx.Group{Stream: testStream, Name: testGroup, Consumer: "w1"}
	require.NoError(t, group.Ensure(context.Background(), client))
	return c
}

func event(sourceID string) domain.ActivityEvent {
	return domain.ActivityEvent{
		TenantID:      "t1",
		IntegrationID: "int1",
		Platform:      "github",
		Activity: domain.ActivityData{
			SourceID:  sourceID,
			Type:      "star",
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Username:  "alice",
		},
	}
}

func pending(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	res, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return res.Count
}

func TestEmitterAndPoll(t *testing.T) {
	_, client := setupTestRedis(t)
	processor := &fakeProcessor{}
	c := newTestConsumer(t, client, processor)
	ctx := context.Background()

	emitter := NewEmitter(client, testStream)
	_, err := emitter.Emit(ctx, event("s1"))
	require.NoError(t, err)
	_, err = emitter.Emit(ctx, event("s2"))
	require.NoError(t, err)

	acked, err := c.Poll(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	require.Len(t, processor.events, 2)
	assert.Equal(t, event("s1"), processor.events[0])
	assert.Equal(t, int64(0), pending(t, client))
}

func TestPollLeavesFailedMessagesPending(t *testing.T) {
	_, client := setupTestRedis(t)
	processor := &fakeProcessor{fail: map[string]error{"bad": resolver.ErrMissingUsername}}
	c := newTestConsumer(t, client, processor)
	ctx := context.Background()

	emitter := NewEmitter(client, testStream)
	_, err := emitter.Emit(ctx, event("bad"))
	require.NoError(t, err)
	_, err = emitter.Emit(ctx, event("good"))
	require.NoError(t, err)

	acked, err := c.Poll(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, int64(1), pending(t, client))
}

func TestPollAcksMalformedMessages(t *testing.T) {
	_, client := setupTestRedis(t)
	processor := &fakeProcessor{}
	c := newTestConsumer(t, client, processor)
	ctx := context.Background()

	err := client.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]interface{}{redisx.FieldData: "{not json"}}).Err()
	require.NoError(t, err)

	acked, err := c.Poll(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Empty(t, processor.events)
	assert.Equal(t, int64(0), pending(t, client))
}

// failingReads makes every XREADGROUP fail.
type failingReads struct{}

func (failingReads) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	if cmd.Name() == "xreadgroup" {
		return ctx, errors.New("connection reset")
	}
	return ctx, nil
}

func (failingReads) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (failingReads) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (failingReads) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func TestStartBacksOffOnReadErrors(t *testing.T) {
	_, client := setupTestRedis(t)
	c := newTestConsumer(t, client, &fakeProcessor{})
	client.AddHook(failingReads{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		if len(waits) == 7 {
			cancel()
			return false
		}
		return true
	}

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, waits)
}

func TestStartFailsWithoutRedis(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewStreamConsumer(client, StreamConfig{Stream: testStream, ConsumerGroup: testGroup}, &fakeProcessor{}, zap.NewNop())
	mr.Close()

	assert.Error(t, c.Start(context.Background()))
}

func TestParseEvent(t *testing.T) {
	payload, err := json.Marshal(event("s1"))
	require.NoError(t, err)

	got, err := ParseEvent(string(payload))
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Activity.SourceID)

	_, err = ParseEvent("")
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = ParseEvent(`{"tenantId":"t1"}`)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
