package notifier

import (
	"context"
	"fmt"

	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
)

// AggregateQueue schedules organizations for aggregate recomputation.
type AggregateQueue interface {
	Enqueue(ctx context.Context, organizationIDs ...string) error
}

// RedisAggregateQueue adds organization ids to a Redis set drained by the aggregate worker.
type RedisAggregateQueue struct {
	client *redisx.Client
	key    string
}

func NewRedisAggregateQueue(client *redisx.Client, key string) *RedisAggregateQueue {
	return &RedisAggregateQueue{client: client, key: key}
}

func (q *RedisAggregateQueue) Enqueue(ctx context.Context, organizationIDs ...string) error {
	if err := redisx.AddToSet(ctx, q.client, q.key, organizationIDs...); err != nil {
		return fmt.Errorf("failed to enqueue organizations for aggregation: %w", err)
	}
	return nil
}
