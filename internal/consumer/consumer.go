// Package consumer feeds inbound activity events from a Redis stream into
// the activity resolver.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/resolver"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	defaultBlock   = 5 * time.Second
)

// ErrMalformedMessage marks stream entries that can never be processed.
var ErrMalformedMessage = errors.New("malformed activity message")

// ActivityProcessor is implemented by resolver.ActivityService.
type ActivityProcessor interface {
	ProcessActivity(ctx context.Context, event domain.ActivityEvent) (*resolver.Result, error)
}

// StreamConfig names the stream and consumer group to read from.
type StreamConfig struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	// Block bounds how long one read waits for new entries.
	Block time.Duration
}

// StreamConsumer reads activity events with XREADGROUP and acknowledges the
// ones that were processed. Failed entries stay pending for redelivery.
type StreamConsumer struct {
	client    *redisx.Client
	config    StreamConfig
	group     redisx.Group
	processor ActivityProcessor
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) bool
}

// NewStreamConsumer creates a new activity stream consumer
func NewStreamConsumer(client *redisx.Client, config StreamConfig, processor ActivityProcessor, logger *zap.Logger) *StreamConsumer {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Block <= 0 {
		config.Block = defaultBlock
	}
	return &StreamConsumer{
		client: client,
		config: config,
		group: redisx.Group{
			Stream:   config.Stream,
			Name:     config.ConsumerGroup,
			Consumer: config.ConsumerName,
		},
		processor: processor,
		logger:    logger.Named("stream-consumer"),
		sleep:     sleep,
	}
}

// Start consumes until ctx is cancelled. Read errors back off exponentially
// from one second up to thirty.
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := c.group.Ensure(ctx, c.client); err != nil {
		return err
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.config.Stream),
		zap.String("consumer_group", c.config.ConsumerGroup),
		zap.String("consumer_name", c.config.ConsumerName),
	)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to read activity stream", zap.Error(err), zap.Duration("backoff", backoff))
			if !c.sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
	}
}

// Poll reads one batch and processes it, returning how many entries were acknowledged.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	messages, err := c.group.Read(ctx, c.client, c.config.BatchSize, c.config.Block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.config.Stream, err)
	}

	acked := 0
	for _, msg := range messages {
		err := c.handle(ctx, msg)
		if errors.Is(err, ErrMalformedMessage) {
			c.logger.Error("Dropping malformed activity message", zap.String("message_id", msg.ID), zap.Error(err))
		} else if err != nil {
			c.logger.Error("Failed to process activity message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}

		if err := c.group.Ack(ctx, c.client, msg.ID); err != nil {
			c.logger.Error("Failed to ack activity message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		acked++
	}
	return acked, nil
}

func (c *StreamConsumer) handle(ctx context.Context, msg redisx.StreamMessage) error {
	event, err := ParseEvent(msg.Data())
	if err != nil {
		return err
	}

	result, err := c.processor.ProcessActivity(ctx, *event)
	if err != nil {
		return err
	}

	c.logger.Debug("Processed activity message",
		zap.String("message_id", msg.ID),
		zap.String("activity_id", result.ActivityID),
		zap.Bool("created", result.Created),
		zap.Bool("skipped", result.Skipped),
	)
	return nil
}

// ParseEvent decodes the JSON event stored under the data field of an entry.
func ParseEvent(raw string) (*domain.ActivityEvent, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing data field", ErrMalformedMessage)
	}

	var event domain.ActivityEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if event.TenantID == "" || event.Platform == "" || event.Activity.SourceID == "" {
		return nil, fmt.Errorf("%w: tenantId, platform and activity.sourceId are required", ErrMalformedMessage)
	}
	return &event, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
