package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGroup_ReadAndAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	group := Group{Stream: "activities", Name: "data-sink", Consumer: "w1"}

	require.NoError(t, group.Ensure(ctx, client))
	require.NoError(t, group.Ensure(ctx, client), "existing groups are kept")

	id, err := PublishJSON(ctx, client, "activities", map[string]string{"sourceId": "abc"}, 0)
	require.NoError(t, err)

	messages, err := group.Read(ctx, client, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.JSONEq(t, `{"sourceId":"abc"}`, messages[0].Data())
	assert.Contains(t, messages[0].Values, FieldTimestamp)

	require.NoError(t, group.Ack(ctx, client, id))
	pending, err := client.XPending(ctx, "activities", "data-sink").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	messages, err = group.Read(ctx, client, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestStreamMessage_DataMissing(t *testing.T) {
	assert.Equal(t, "", StreamMessage{Values: map[string]interface{}{"other": "x"}}.Data())
}

func TestAddToSet(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, AddToSet(ctx, client, "orgs"))
	require.NoError(t, AddToSet(ctx, client, "orgs", "o1", "o2", "o1"))

	members, err := client.SMembers(ctx, "orgs").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, members)
}
