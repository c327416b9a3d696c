package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

type pgMemberRepository struct {
	q querier
}

func (r *pgMemberRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.Member, error) {
	query := `
		SELECT id, "tenantId", "displayName", attributes, reach, "joinedAt"
		FROM members
		WHERE "tenantId" = $1 AND id = $2 AND "deletedAt" IS NULL
	`

	var (
		m          domain.Member
		attributes []byte
		reach      []byte
	)
	err := r.q.QueryRowContext(ctx, query, tenantID, id).Scan(
		&m.ID,
		&m.TenantID,
		&m.DisplayName,
		&attributes,
		&reach,
		&m.JoinedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query member: %w", err)
	}

	if m.Attributes, err = unmarshalMap(attributes); err != nil {
		return nil, fmt.Errorf("failed to decode member attributes: %w", err)
	}
	if m.Reach, err = unmarshalMap(reach); err != nil {
		return nil, fmt.Errorf("failed to decode member reach: %w", err)
	}

	if m.Identities, err = r.identities(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *pgMemberRepository) identities(ctx context.Context, tenantID, memberID string) ([]domain.MemberIdentity, error) {
	query := `
		SELECT "memberId", "tenantId", platform, type, value, verified
		FROM "memberIdentities"
		WHERE "tenantId" = $1 AND "memberId" = $2
		ORDER BY "createdAt"
	`

	rows, err := r.q.QueryContext(ctx, query, tenantID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.MemberIdentity
	for rows.Next() {
		var i domain.MemberIdentity
		if err := rows.Scan(&i.MemberID, &i.TenantID, &i.Platform, &i.Type, &i.Value, &i.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan member identity: %w", err)
		}
		identities = append(identities, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member identities: %w", err)
	}
	return identities, nil
}

func (r *pgMemberRepository) FindByUsername(ctx context.Context, tenantID, platform, username string) (*domain.Member, error) {
	query := `
		SELECT "memberId", verified
		FROM "memberIdentities"
		WHERE "tenantId" = $1 AND platform = $2 AND type = $3 AND value = $4
		ORDER BY verified DESC, "createdAt" ASC
	`

	rows, err := r.q.QueryContext(ctx, query, tenantID, platform, domain.MemberIdentityUsername, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query member by username: %w", err)
	}
	defer rows.Close()

	var (
		owners        []string
		verifiedCount int
	)
	for rows.Next() {
		var (
			memberID string
			verified bool
		)
		if err := rows.Scan(&memberID, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan username owner: %w", err)
		}
		if verified {
			verifiedCount++
		}
		owners = append(owners, memberID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate username owners: %w", err)
	}

	if verifiedCount > 1 {
		return nil, fmt.Errorf("%w: %s username %q verified by %d members", ErrInvariantViolation, platform, username, verifiedCount)
	}
	if len(owners) == 0 {
		return nil, nil
	}
	return r.FindByID(ctx, tenantID, owners[0])
}

func (r *pgMemberRepository) FindByVerifiedEmail(ctx context.Context, tenantID, email string) (*domain.Member, error) {
	query := `
		SELECT DISTINCT "memberId"
		FROM "memberIdentities"
		WHERE "tenantId" = $1 AND type = $2 AND verified = TRUE AND lower(value) = lower($3)
	`

	owners, err := r.distinctOwners(ctx, query, tenantID, domain.MemberIdentityEmail, email)
	if err != nil {
		return nil, fmt.Errorf("failed to query member by email: %w", err)
	}
	switch len(owners) {
	case 0:
		return nil, nil
	case 1:
		return r.FindByID(ctx, tenantID, owners[0])
	default:
		return nil, fmt.Errorf("%w: email %q verified by %d members", ErrInvariantViolation, email, len(owners))
	}
}

func (r *pgMemberRepository) VerifiedOwner(ctx context.Context, tenantID, platform string, typ domain.MemberIdentityType, value string) (string, error) {
	query := `
		SELECT DISTINCT "memberId"
		FROM "memberIdentities"
		WHERE "tenantId" = $1 AND platform = $2 AND type = $3 AND value = $4 AND verified = TRUE
	`

	owners, err := r.distinctOwners(ctx, query, tenantID, platform, typ, value)
	if err != nil {
		return "", fmt.Errorf("failed to query identity owner: %w", err)
	}
	switch len(owners) {
	case 0:
		return "", nil
	case 1:
		return owners[0], nil
	default:
		return "", fmt.Errorf("%w: %s %s %q verified by %d members", ErrInvariantViolation, platform, typ, value, len(owners))
	}
}

func (r *pgMemberRepository) distinctOwners(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

func (r *pgMemberRepository) Create(ctx context.Context, m *domain.Member) error {
	attributes, err := marshalMap(m.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode member attributes: %w", err)
	}
	reach, err := marshalMap(m.Reach)
	if err != nil {
		return fmt.Errorf("failed to encode member reach: %w", err)
	}

	query := `
		INSERT INTO members (id, "tenantId", "displayName", attributes, reach, "joinedAt", "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
	if _, err := r.q.ExecContext(ctx, query, m.ID, m.TenantID, m.DisplayName, attributes, reach, m.JoinedAt); err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}

	for _, identity := range m.Identities {
		identity.MemberID = m.ID
		identity.TenantID = m.TenantID
		written, err := r.AddIdentityIfAbsent(ctx, identity)
		if err != nil {
			return err
		}
		if !written && identity.Verified {
			return fmt.Errorf("%w: %s %s %q", ErrIdentityConflict, identity.Platform, identity.Type, identity.Value)
		}
	}
	return nil
}

func (r *pgMemberRepository) Update(ctx context.Context, tenantID, id string, upd MemberUpdate) error {
	if upd.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Attributes != nil {
		raw, err := marshalMap(upd.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode member attributes: %w", err)
		}
		add("attributes", raw)
	}
	if upd.Reach != nil {
		raw, err := marshalMap(upd.Reach)
		if err != nil {
			return fmt.Errorf("failed to encode member reach: %w", err)
		}
		add("reach", raw)
	}
	if upd.JoinedAt != nil {
		add(`"joinedAt"`, *upd.JoinedAt)
	}

	args = append(args, tenantID, id)
	query := fmt.Sprintf(`UPDATE members SET %s, "updatedAt" = NOW() WHERE "tenantId" = $%d AND id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return expectOneRow(res, "member update")
}

func (r *pgMemberRepository) AddIdentityIfAbsent(ctx context.Context, identity domain.MemberIdentity) (bool, error) {
	query := `
		INSERT INTO "memberIdentities" ("memberId", "tenantId", platform, type, value, verified, "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT DO NOTHING
	`

	res, err := r.q.ExecContext(ctx, query,
		identity.MemberID,
		identity.TenantID,
		identity.Platform,
		identity.Type,
		identity.Value,
		identity.Verified,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert member identity: %w", err)
	}
	return wroteRow(res)
}
