// Package notifier announces member and activity changes to downstream
// indexers and queues organizations for aggregate recomputation.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Message types carried on the sync topics.
const (
	TypeSyncMember     = "sync_member"
	TypeSyncActivity   = "sync_activity"
	TypeRemoveActivity = "remove_activity"
)

// Notifier is the sync side-channel used after a resolver transaction commits.
type Notifier interface {
	NotifyMemberChanged(ctx context.Context, tenantID, memberID string, onboarding bool, segmentID string) error
	NotifyActivityChanged(ctx context.Context, tenantID, activityID string, onboarding bool) error
	NotifyActivityRemoved(ctx context.Context, tenantID, activityID string, onboarding bool) error
}

// Transport publishes an encoded message to a named topic.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// SyncMessage is the wire format of every sync notification.
type SyncMessage struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenantId"`
	MemberID   string    `json:"memberId,omitempty"`
	ActivityID string    `json:"activityId,omitempty"`
	SegmentID  string    `json:"segmentId,omitempty"`
	Onboarding bool      `json:"onboarding"`
	SentAt     time.Time `json:"sentAt"`
}

// SyncNotifier encodes sync messages and hands them to a Transport.
type SyncNotifier struct {
	transport     Transport
	memberTopic   string
	activityTopic string
	logger        *zap.Logger
	now           func() time.Time
}

// NewSyncNotifier creates a notifier publishing member and activity messages on separate topics.
func NewSyncNotifier(transport Transport, memberTopic, activityTopic string, logger *zap.Logger) *SyncNotifier {
	return &SyncNotifier{
		transport:     transport,
		memberTopic:   memberTopic,
		activityTopic: activityTopic,
		logger:        logger,
		now:           time.Now,
	}
}

func (n *SyncNotifier) NotifyMemberChanged(ctx context.Context, tenantID, memberID string, onboarding bool, segmentID string) error {
	return n.send(ctx, n.memberTopic, SyncMessage{
		Type:       TypeSyncMember,
		TenantID:   tenantID,
		MemberID:   memberID,
		SegmentID:  segmentID,
		Onboarding: onboarding,
	})
}

func (n *SyncNotifier) NotifyActivityChanged(ctx context.Context, tenantID, activityID string, onboarding bool) error {
	return n.send(ctx, n.activityTopic, SyncMessage{
		Type:       TypeSyncActivity,
		TenantID:   tenantID,
		ActivityID: activityID,
		Onboarding: onboarding,
	})
}

func (n *SyncNotifier) NotifyActivityRemoved(ctx context.Context, tenantID, activityID string, onboarding bool) error {
	return n.send(ctx, n.activityTopic, SyncMessage{
		Type:       TypeRemoveActivity,
		TenantID:   tenantID,
		ActivityID: activityID,
		Onboarding: onboarding,
	})
}

func (n *SyncNotifier) send(ctx context.Context, topic string, msg SyncMessage) error {
	msg.SentAt = n.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	if err := n.transport.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", msg.Type, err)
	}

	n.logger.Debug("Published sync message",
		zap.String("type", msg.Type),
		zap.String("topic", topic),
		zap.String("tenant_id", msg.TenantID),
	)
	return nil
}

// Close releases the underlying transport.
func (n *SyncNotifier) Close() error {
	return n.transport.Close()
}
