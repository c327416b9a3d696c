// Package review collects decisions that must not be automated and hands
// them to a human through a side channel. Sinks never write to the database.
package review

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// IdentityRecord is an organization identity that could not be safely auto-resolved.
type IdentityRecord struct {
	TenantID       string
	OrganizationID string
	Platform       string
	Type           string
	Verified       bool
	Value          string
	NewValue       string
	Reason         string
}

// CollisionRecord is a pair of organizations claiming the same verified identity.
type CollisionRecord struct {
	IdentityRecord
	OtherOrganizationID string
}

// WrongMemberRecord is an activity username owned by a different member than the activity's.
type WrongMemberRecord struct {
	TenantID      string
	MemberID      string
	OwnerMemberID string
	Platform      string
	Username      string
}

// Sink receives manual-review records. Implementations must be safe for concurrent use.
type Sink interface {
	InvalidIdentity(ctx context.Context, r IdentityRecord) error
	Collision(ctx context.Context, r CollisionRecord) error
	WrongMember(ctx context.Context, r WrongMemberRecord) error
	Close() error
}

// LogSink writes every record as a structured warning.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("review")}
}

func identityFields(r IdentityRecord) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", r.TenantID),
		zap.String("organization_id", r.OrganizationID),
		zap.String("platform", r.Platform),
		zap.String("type", r.Type),
		zap.Bool("verified", r.Verified),
		zap.String("value", r.Value),
		zap.String("new_value", r.NewValue),
		zap.String("reason", r.Reason),
	}
}

func (s *LogSink) InvalidIdentity(_ context.Context, r IdentityRecord) error {
	s.logger.Warn("Identity needs manual review", identityFields(r)...)
	return nil
}

func (s *LogSink) Collision(_ context.Context, r CollisionRecord) error {
	fields := append(identityFields(r.IdentityRecord), zap.String("other_organization_id", r.OtherOrganizationID))
	s.logger.Warn("Identity collision needs manual review", fields...)
	return nil
}

func (s *LogSink) WrongMember(_ context.Context, r WrongMemberRecord) error {
	s.logger.Warn("Activity attached to wrong member",
		zap.String("tenant_id", r.TenantID),
		zap.String("member_id", r.MemberID),
		zap.String("owner_member_id", r.OwnerMemberID),
		zap.String("platform", r.Platform),
		zap.String("username", r.Username),
	)
	return nil
}

func (s *LogSink) Close() error {
	return nil
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) InvalidIdentity(ctx context.Context, r IdentityRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.InvalidIdentity(ctx, r))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Collision(ctx context.Context, r CollisionRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Collision(ctx, r))
	}
	return errors.Join(errs...)
}

func (m MultiSink) WrongMember(ctx context.Context, r WrongMemberRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WrongMember(ctx, r))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
