// Package repository defines the storage contract used by the resolvers and
// provides Postgres and in-memory implementations of it.
//
// All writes happen through a UnitOfWork handed out by Store.Transactionally.
// Insert-if-absent operations report whether they wrote a row instead of
// failing on duplicates.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

var (
	// ErrNotFound is returned when a row referenced by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation is returned when a query that must match at most
	// (or exactly) one row matched a different number of rows.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrActivityConflict is returned when a concurrent writer inserted the same activity first.
	ErrActivityConflict = errors.New("activity already exists")
	// ErrIdentityConflict is returned when a verified identity was claimed concurrently.
	ErrIdentityConflict = errors.New("identity already owned")
)

// TxFunc runs inside one transaction.
type TxFunc func(ctx context.Context, uow UnitOfWork) error

// Store opens units of work and serves the keyset scans of the batch drivers.
type Store interface {
	// Transactionally commits when fn returns nil and rolls back otherwise.
	Transactionally(ctx context.Context, fn TxFunc) error
	ListOrganizationIdentitiesAfter(ctx context.Context, filter OrganizationIdentityFilter, after *Cursor, limit int) ([]domain.OrganizationIdentity, error)
	ListMemberUsernamesAfter(ctx context.Context, tenantID string, after *MemberUsername, limit int) ([]MemberUsername, error)
}

// UnitOfWork exposes transaction-scoped repositories.
type UnitOfWork interface {
	Members() MemberRepository
	Activities() ActivityRepository
	Settings() SettingsRepository
	Segments() SegmentRepository
	Organizations() OrganizationRepository
	OrganizationIdentities() OrganizationIdentityRepository
	MergeSuggestions() MergeSuggestionRepository
	// LockIdentity serializes transactions touching the same platform username
	// until the enclosing transaction ends.
	LockIdentity(ctx context.Context, tenantID, platform, username string) error
}

// MemberUpdate lists mutable member columns. Nil means unchanged.
type MemberUpdate struct {
	Attributes map[string]any
	Reach      map[string]any
	JoinedAt   *time.Time
}

// IsEmpty reports whether no column would change.
func (u MemberUpdate) IsEmpty() bool {
	return u.Attributes == nil && u.Reach == nil && u.JoinedAt == nil
}

type MemberRepository interface {
	// FindByID returns ErrNotFound when the member does not exist.
	FindByID(ctx context.Context, tenantID, id string) (*domain.Member, error)
	// FindByUsername returns the owner of a platform username, preferring
	// verified and then oldest identities. It returns nil when nobody owns it.
	FindByUsername(ctx context.Context, tenantID, platform, username string) (*domain.Member, error)
	// FindByVerifiedEmail returns the member owning a verified email on any platform, or nil.
	FindByVerifiedEmail(ctx context.Context, tenantID, email string) (*domain.Member, error)
	// VerifiedOwner returns the id of the member holding a verified identity, or "".
	VerifiedOwner(ctx context.Context, tenantID, platform string, typ domain.MemberIdentityType, value string) (string, error)
	Create(ctx context.Context, m *domain.Member) error
	Update(ctx context.Context, tenantID, id string, upd MemberUpdate) error
	AddIdentityIfAbsent(ctx context.Context, identity domain.MemberIdentity) (bool, error)
}

type ActivityRepository interface {
	// FindByKey prefers the live row. A deleted row is only returned when no
	// live row exists; more than one live row is an invariant violation.
	FindByKey(ctx context.Context, key domain.ActivityKey) (*domain.Activity, error)
	InsertIfAbsent(ctx context.Context, a *domain.Activity) (bool, error)
	Update(ctx context.Context, tenantID, id string, upd domain.ActivityUpdate) error
	// Delete hard deletes one activity.
	Delete(ctx context.Context, tenantID, id string) error
}

type SettingsRepository interface {
	EnsureActivityType(ctx context.Context, tenantID, platform, activityType string) (bool, error)
	EnsureActivityChannel(ctx context.Context, tenantID, platform, channel string) (bool, error)
}

type SegmentRepository interface {
	// IntegrationSegment returns ErrNotFound for unknown integrations.
	IntegrationSegment(ctx context.Context, tenantID, integrationID string) (string, error)
	// RepoSegment returns the segment mapped to a repository url, or "".
	RepoSegment(ctx context.Context, tenantID, platform, url string) (string, error)
}

type OrganizationRepository interface {
	ActivityCount(ctx context.Context, tenantID, organizationID string) (int64, error)
	IsLFXMember(ctx context.Context, tenantID, organizationID string) (bool, error)
}

// OrganizationIdentityRepository mutations match the full identity tuple as it
// was read and require exactly one affected row.
type OrganizationIdentityRepository interface {
	FindMatching(ctx context.Context, tenantID, platform string, typ domain.OrganizationIdentityType, verified bool, value string) ([]domain.OrganizationIdentity, error)
	// HasOtherVerified reports whether the identity's organization owns another
	// verified identity of the same type.
	HasOtherVerified(ctx context.Context, identity domain.OrganizationIdentity) (bool, error)
	UpdateValue(ctx context.Context, identity domain.OrganizationIdentity, newValue string) error
	Unverify(ctx context.Context, identity domain.OrganizationIdentity, newValue string) error
	Delete(ctx context.Context, identity domain.OrganizationIdentity) error
}

type MergeSuggestionRepository interface {
	InsertIfAbsent(ctx context.Context, s domain.MergeSuggestion) (bool, error)
}

// OrganizationIdentityFilter narrows the reconciler scan.
type OrganizationIdentityFilter struct {
	TenantID string
	Types    []domain.OrganizationIdentityType
}

// Cursor is a keyset position over organization identities.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned on identity.
func CursorOf(identity domain.OrganizationIdentity) *Cursor {
	return &Cursor{CreatedAt: identity.CreatedAt, ID: identity.ID}
}

// MemberUsername is a distinct (tenant, member, platform, username) tuple used by live activities.
type MemberUsername struct {
	TenantID string
	MemberID string
	Platform string
	Username string
}
