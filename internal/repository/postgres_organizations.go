package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

type pgOrganizationRepository struct {
	q querier
}

func (r *pgOrganizationRepository) ActivityCount(ctx context.Context, tenantID, organizationID string) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE "tenantId" = $1 AND "organizationId" = $2 AND "deletedAt" IS NULL`,
		tenantID, organizationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count organization activities: %w", err)
	}
	return count, nil
}

func (r *pgOrganizationRepository) IsLFXMember(ctx context.Context, tenantID, organizationID string) (bool, error) {
	var member bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM "lfxMemberships" WHERE "tenantId" = $1 AND "organizationId" = $2)`,
		tenantID, organizationID,
	).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("failed to query lfx membership: %w", err)
	}
	return member, nil
}

type pgOrganizationIdentityRepository struct {
	q querier
}

func (r *pgOrganizationIdentityRepository) FindMatching(ctx context.Context, tenantID, platform string, typ domain.OrganizationIdentityType, verified bool, value string) ([]domain.OrganizationIdentity, error) {
	query := `
		SELECT id, "tenantId", "organizationId", platform, type, value, verified, "createdAt"
		FROM "organizationIdentities"
		WHERE "tenantId" = $1 AND platform = $2 AND type = $3 AND verified = $4 AND value = $5
		ORDER BY "createdAt", id
	`

	rows, err := r.q.QueryContext(ctx, query, tenantID, platform, typ, verified, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query matching organization identities: %w", err)
	}
	defer rows.Close()

	return scanOrganizationIdentities(rows)
}

func (r *pgOrganizationIdentityRepository) HasOtherVerified(ctx context.Context, identity domain.OrganizationIdentity) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM "organizationIdentities"
			WHERE "tenantId" = $1 AND "organizationId" = $2 AND type = $3 AND verified = TRUE AND id <> $4
		)`,
		identity.TenantID, identity.OrganizationID, identity.Type, identity.ID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query sibling identities: %w", err)
	}
	return exists, nil
}

// identityMatch pins a mutation to the row exactly as it was read.
const identityMatch = `id = $1 AND "tenantId" = $2 AND "organizationId" = $3 AND platform = $4 AND type = $5 AND verified = $6 AND value = $7`

func identityArgs(identity domain.OrganizationIdentity) []any {
	return []any{
		identity.ID,
		identity.TenantID,
		identity.OrganizationID,
		identity.Platform,
		identity.Type,
		identity.Verified,
		identity.Value,
	}
}

func (r *pgOrganizationIdentityRepository) UpdateValue(ctx context.Context, identity domain.OrganizationIdentity, newValue string) error {
	args := append(identityArgs(identity), newValue)
	res, err := r.q.ExecContext(ctx,
		`UPDATE "organizationIdentities" SET value = $8, "updatedAt" = NOW() WHERE `+identityMatch,
		args...,
	)
	return r.checkMutation(res, err, "organization identity update")
}

func (r *pgOrganizationIdentityRepository) Unverify(ctx context.Context, identity domain.OrganizationIdentity, newValue string) error {
	args := append(identityArgs(identity), newValue)
	res, err := r.q.ExecContext(ctx,
		`UPDATE "organizationIdentities" SET value = $8, verified = FALSE, "updatedAt" = NOW() WHERE `+identityMatch,
		args...,
	)
	return r.checkMutation(res, err, "organization identity unverify")
}

func (r *pgOrganizationIdentityRepository) Delete(ctx context.Context, identity domain.OrganizationIdentity) error {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM "organizationIdentities" WHERE `+identityMatch,
		identityArgs(identity)...,
	)
	return r.checkMutation(res, err, "organization identity delete")
}

func (r *pgOrganizationIdentityRepository) checkMutation(res sql.Result, err error, what string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s collided with an existing identity: %v", ErrInvariantViolation, what, err)
	}
	if err != nil {
		return fmt.Errorf("failed %s: %w", what, err)
	}
	return expectOneRow(res, what)
}

func scanOrganizationIdentities(rows *sql.Rows) ([]domain.OrganizationIdentity, error) {
	var identities []domain.OrganizationIdentity
	for rows.Next() {
		var i domain.OrganizationIdentity
		if err := rows.Scan(
			&i.ID,
			&i.TenantID,
			&i.OrganizationID,
			&i.Platform,
			&i.Type,
			&i.Value,
			&i.Verified,
			&i.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan organization identity: %w", err)
		}
		identities = append(identities, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organization identities: %w", err)
	}
	return identities, nil
}

type pgMergeSuggestionRepository struct {
	q querier
}

func (r *pgMergeSuggestionRepository) InsertIfAbsent(ctx context.Context, s domain.MergeSuggestion) (bool, error) {
	query := `
		INSERT INTO "mergeSuggestions" ("organizationId", "toMergeId", similarity, status, "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT ("organizationId", "toMergeId") DO NOTHING
	`
	res, err := r.q.ExecContext(ctx, query, s.OrganizationID, s.ToMergeID, s.Similarity, s.Status)
	if err != nil {
		return false, fmt.Errorf("failed to insert merge suggestion: %w", err)
	}
	return wroteRow(res)
}
