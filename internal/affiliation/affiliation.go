// Package affiliation resolves the organization a member represents at a point in time.
package affiliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Resolver returns the organization id a member is affiliated with in a
// segment at a given time, or "" when there is none.
type Resolver interface {
	Resolve(ctx context.Context, memberID, segmentID string, at time.Time) (string, error)
}

// PostgresResolver reads affiliations from the members' segment overrides and
// work experiences. It runs on the pool, outside any activity transaction.
type PostgresResolver struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresResolver creates a new Postgres affiliation resolver
func NewPostgresResolver(db *sql.DB, logger *zap.Logger) *PostgresResolver {
	return &PostgresResolver{
		db:     db,
		logger: logger,
	}
}

// Resolve checks, in order: a manual affiliation for the segment covering at,
// the most recent work experience covering at, then the newest undated work experience.
func (r *PostgresResolver) Resolve(ctx context.Context, memberID, segmentID string, at time.Time) (string, error) {
	steps := []struct {
		name  string
		query string
		args  []any
	}{
		{
			name: "segment affiliation",
			query: `
				SELECT "organizationId"
				FROM "memberSegmentAffiliations"
				WHERE "memberId" = $1 AND "segmentId" = $2
				  AND ("dateStart" IS NULL OR "dateStart" <= $3)
				  AND ("dateEnd" IS NULL OR "dateEnd" >= $3)
				ORDER BY "dateStart" DESC NULLS LAST
				LIMIT 1
			`,
			args: []any{memberID, segmentID, at},
		},
		{
			name: "dated work experience",
			query: `
				SELECT "organizationId"
				FROM "memberOrganizations"
				WHERE "memberId" = $1 AND "deletedAt" IS NULL
				  AND "dateStart" IS NOT NULL AND "dateStart" <= $2
				  AND ("dateEnd" IS NULL OR "dateEnd" >= $2)
				ORDER BY "dateStart" DESC, id
				LIMIT 1
			`,
			args: []any{memberID, at},
		},
		{
			name: "undated work experience",
			query: `
				SELECT "organizationId"
				FROM "memberOrganizations"
				WHERE "memberId" = $1 AND "deletedAt" IS NULL
				  AND "dateStart" IS NULL AND "dateEnd" IS NULL
				ORDER BY "createdAt" DESC, id
				LIMIT 1
			`,
			args: []any{memberID},
		},
	}

	for _, step := range steps {
		var organizationID sql.NullString
		err := r.db.QueryRowContext(ctx, step.query, step.args...).Scan(&organizationID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to query %s: %w", step.name, err)
		}
		if organizationID.Valid && organizationID.String != "" {
			r.logger.Debug("Resolved affiliation",
				zap.String("member_id", memberID),
				zap.String("segment_id", segmentID),
				zap.String("source", step.name),
				zap.String("organization_id", organizationID.String),
			)
			return organizationID.String, nil
		}
	}
	return "", nil
}
