package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Stream entries carry their payload under FieldData and the enqueue time,
// in unix seconds, under FieldTimestamp.
const (
	FieldData      = "data"
	FieldTimestamp = "timestamp"
)

// StreamMessage is one entry read from a Redis stream.
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// Data returns the payload field, or "" when the entry has none.
func (m StreamMessage) Data() string {
	s, _ := m.Values[FieldData].(string)
	return s
}

// Publish XADDs payload to stream. A positive maxLen trims the stream to
// roughly that many entries.
func Publish(ctx context.Context, client *redis.Client, stream string, payload []byte, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			FieldData:      string(payload),
			FieldTimestamp: time.Now().Unix(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return id, nil
}

// PublishJSON encodes v and publishes it with Publish.
func PublishJSON(ctx context.Context, client *redis.Client, stream string, v interface{}, maxLen int64) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Publish(ctx, client, stream, payload, maxLen)
}

// Group is one consumer of a consumer group on a stream.
type Group struct {
	Stream   string
	Name     string
	Consumer string
}

// Ensure creates the group, and the stream, unless the group already exists.
func (g Group) Ensure(ctx context.Context, client *redis.Client) error {
	err := client.XGroupCreateMkStream(ctx, g.Stream, g.Name, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", g.Name, g.Stream, err)
	}
	return nil
}

// Read returns up to count entries never delivered to the group, waiting at
// most block for the first one. No entries is not an error.
func (g Group) Read(ctx context.Context, client *redis.Client, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.Name,
		Consumer: g.Consumer,
		Streams:  []string{g.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{Stream: s.Stream, ID: msg.ID, Values: msg.Values})
		}
	}
	return messages, nil
}

// Ack acknowledges processed entries.
func (g Group) Ack(ctx context.Context, client *redis.Client, ids ...string) error {
	return client.XAck(ctx, g.Stream, g.Name, ids...).Err()
}

// AddToSet SADDs members to key.
func AddToSet(ctx context.Context, client *redis.Client, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return client.SAdd(ctx, key, args...).Err()
}
