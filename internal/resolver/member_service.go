package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/merge"
	"github.com/khalifapro/crowd.dev/internal/repository"
)

// MemberService finds, creates and updates members inside a caller's unit of work.
type MemberService struct {
	logger *zap.Logger
	newID  func() string
}

// NewMemberService creates a new member service
func NewMemberService(logger *zap.Logger) *MemberService {
	return &MemberService{
		logger: logger,
		newID:  uuid.NewString,
	}
}

// FindOrCreate returns the member owning platform:username, falling back to a
// verified email match when byEmail is set, and creates one when nobody matches.
// An existing member is updated with data.
func (s *MemberService) FindOrCreate(ctx context.Context, uow repository.UnitOfWork, tenantID, platform, username string, data *domain.MemberData, at time.Time, byEmail bool) (string, error) {
	member, err := uow.Members().FindByUsername(ctx, tenantID, platform, username)
	if err != nil {
		return "", err
	}

	if member == nil && byEmail {
		for _, email := range data.VerifiedEmails() {
			member, err = uow.Members().FindByVerifiedEmail(ctx, tenantID, email)
			if err != nil {
				return "", err
			}
			if member != nil {
				s.logger.Debug("Matched member by verified email", zap.String("member_id", member.ID))
				break
			}
		}
	}

	if member != nil {
		if err := s.Update(ctx, uow, member, data, at); err != nil {
			return "", err
		}
		return member.ID, nil
	}

	return s.Create(ctx, uow, tenantID, username, data, at)
}

// Create inserts a new member. Verified identities already owned by another
// member are left out.
func (s *MemberService) Create(ctx context.Context, uow repository.UnitOfWork, tenantID, username string, data *domain.MemberData, at time.Time) (string, error) {
	m := &domain.Member{
		ID:          s.newID(),
		TenantID:    tenantID,
		DisplayName: data.DisplayName,
		Attributes:  data.Attributes,
		Reach:       data.Reach,
		JoinedAt:    joinedAt(data, at),
	}
	if m.DisplayName == "" {
		m.DisplayName = username
	}
	if m.Attributes == nil {
		m.Attributes = map[string]any{}
	}
	if m.Reach == nil {
		m.Reach = map[string]any{}
	}

	for _, identity := range data.Identities {
		if identity.Verified {
			owner, err := uow.Members().VerifiedOwner(ctx, tenantID, identity.Platform, identity.Type, identity.Value)
			if err != nil {
				return "", err
			}
			if owner != "" {
				s.logger.Warn("Skipping identity owned by another member",
					zap.String("owner_member_id", owner),
					zap.String("platform", identity.Platform),
					zap.String("type", string(identity.Type)),
				)
				continue
			}
		}
		identity.TenantID = tenantID
		m.Identities = append(m.Identities, identity)
	}

	if err := uow.Members().Create(ctx, m); err != nil {
		return "", fmt.Errorf("failed to create member: %w", err)
	}

	s.logger.Debug("Created member", zap.String("member_id", m.ID))
	return m.ID, nil
}

// Update merges data into member without removing anything: joinedAt only
// moves earlier, attribute and reach maps are deep-merged, and missing
// identities are attached. Nothing is written when nothing changed.
func (s *MemberService) Update(ctx context.Context, uow repository.UnitOfWork, member *domain.Member, data *domain.MemberData, at time.Time) error {
	var upd repository.MemberUpdate

	if candidate := joinedAt(data, at); member.JoinedAt.IsZero() || candidate.Before(member.JoinedAt) {
		upd.JoinedAt = &candidate
	}
	if attributes, changed := merge.Maps(member.Attributes, data.Attributes); changed {
		upd.Attributes = attributes
	}
	if reach, changed := merge.Maps(member.Reach, data.Reach); changed {
		upd.Reach = reach
	}

	if !upd.IsEmpty() {
		if err := uow.Members().Update(ctx, member.TenantID, member.ID, upd); err != nil {
			return err
		}
	}

	for _, identity := range data.Identities {
		if hasIdentity(member, identity) {
			continue
		}
		if identity.Verified {
			owner, err := uow.Members().VerifiedOwner(ctx, member.TenantID, identity.Platform, identity.Type, identity.Value)
			if err != nil {
				return err
			}
			if owner != "" && owner != member.ID {
				s.logger.Warn("Skipping identity owned by another member",
					zap.String("member_id", member.ID),
					zap.String("owner_member_id", owner),
					zap.String("platform", identity.Platform),
					zap.String("type", string(identity.Type)),
				)
				continue
			}
		}

		identity.MemberID = member.ID
		identity.TenantID = member.TenantID
		if _, err := uow.Members().AddIdentityIfAbsent(ctx, identity); err != nil {
			return err
		}
	}

	return nil
}

func hasIdentity(m *domain.Member, identity domain.MemberIdentity) bool {
	for _, i := range m.Identities {
		if i.Platform == identity.Platform && i.Type == identity.Type && i.Value == identity.Value {
			return true
		}
	}
	return false
}

func joinedAt(data *domain.MemberData, at time.Time) time.Time {
	if data.JoinedAt != nil && !data.JoinedAt.IsZero() {
		return data.JoinedAt.UTC()
	}
	return at.UTC()
}
