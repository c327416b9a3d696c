package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

type pgSettingsRepository struct {
	q querier
}

func (r *pgSettingsRepository) EnsureActivityType(ctx context.Context, tenantID, platform, activityType string) (bool, error) {
	query := `
		INSERT INTO "activityTypes" ("tenantId", platform, "activityType", "createdAt")
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT DO NOTHING
	`
	res, err := r.q.ExecContext(ctx, query, tenantID, platform, activityType)
	if err != nil {
		return false, fmt.Errorf("failed to register activity type: %w", err)
	}
	return wroteRow(res)
}

func (r *pgSettingsRepository) EnsureActivityChannel(ctx context.Context, tenantID, platform, channel string) (bool, error) {
	query := `
		INSERT INTO "activityChannels" ("tenantId", platform, channel, "createdAt")
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT DO NOTHING
	`
	res, err := r.q.ExecContext(ctx, query, tenantID, platform, channel)
	if err != nil {
		return false, fmt.Errorf("failed to register activity channel: %w", err)
	}
	return wroteRow(res)
}

type pgSegmentRepository struct {
	q querier
}

func (r *pgSegmentRepository) IntegrationSegment(ctx context.Context, tenantID, integrationID string) (string, error) {
	var segmentID string
	err := r.q.QueryRowContext(ctx,
		`SELECT "segmentId" FROM integrations WHERE "tenantId" = $1 AND id = $2 AND "deletedAt" IS NULL`,
		tenantID, integrationID,
	).Scan(&segmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("integration %s: %w", integrationID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query integration segment: %w", err)
	}
	return segmentID, nil
}

func (r *pgSegmentRepository) RepoSegment(ctx context.Context, tenantID, platform, url string) (string, error) {
	var table string
	switch platform {
	case domain.PlatformGithub:
		table = `"githubRepos"`
	case domain.PlatformGitlab:
		table = `"gitlabRepos"`
	default:
		return "", nil
	}

	var segmentID string
	err := r.q.QueryRowContext(ctx,
		`SELECT "segmentId" FROM `+table+` WHERE "tenantId" = $1 AND url = $2 AND "deletedAt" IS NULL LIMIT 1`,
		tenantID, url,
	).Scan(&segmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query repository segment: %w", err)
	}
	return segmentID, nil
}
