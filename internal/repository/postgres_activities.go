package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

const activityColumns = `id, "tenantId", "segmentId", "sourceId", "sourceParentId", platform, type, timestamp,
		"memberId", username, "objectMemberId", "objectMemberUsername", "organizationId",
		"isContribution", score, channel, url, body, title, attributes, sentiment, "deletedAt"`

type pgActivityRepository struct {
	q querier
}

func (r *pgActivityRepository) FindByKey(ctx context.Context, key domain.ActivityKey) (*domain.Activity, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activities
		WHERE "tenantId" = $1 AND "segmentId" = $2 AND "sourceId" = $3
		  AND platform = $4 AND type = $5 AND COALESCE(channel, '') = $6
		ORDER BY "deletedAt" NULLS FIRST
	`

	rows, err := r.q.QueryContext(ctx, query, key.TenantID, key.SegmentID, key.SourceID, key.Platform, key.Type, key.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var (
		live    []*domain.Activity
		deleted *domain.Activity
	)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		if a.DeletedAt == nil {
			live = append(live, a)
		} else if deleted == nil {
			deleted = a
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activities: %w", err)
	}

	switch {
	case len(live) > 1:
		return nil, fmt.Errorf("%w: %d live activities for source %s", ErrInvariantViolation, len(live), key.SourceID)
	case len(live) == 1:
		return live[0], nil
	default:
		return deleted, nil
	}
}

func scanActivity(rows *sql.Rows) (*domain.Activity, error) {
	var (
		a                    domain.Activity
		sourceParentID       sql.NullString
		objectMemberID       sql.NullString
		objectMemberUsername sql.NullString
		organizationID       sql.NullString
		channel              sql.NullString
		url                  sql.NullString
		body                 sql.NullString
		title                sql.NullString
		attributes           []byte
		sentiment            []byte
		deletedAt            sql.NullTime
	)

	if err := rows.Scan(
		&a.ID,
		&a.TenantID,
		&a.SegmentID,
		&a.SourceID,
		&sourceParentID,
		&a.Platform,
		&a.Type,
		&a.Timestamp,
		&a.MemberID,
		&a.Username,
		&objectMemberID,
		&objectMemberUsername,
		&organizationID,
		&a.IsContribution,
		&a.Score,
		&channel,
		&url,
		&body,
		&title,
		&attributes,
		&sentiment,
		&deletedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}

	a.SourceParentID = sourceParentID.String
	a.ObjectMemberID = objectMemberID.String
	a.ObjectMemberUsername = objectMemberUsername.String
	a.OrganizationID = organizationID.String
	a.Channel = channel.String
	a.URL = url.String
	a.Body = body.String
	a.Title = title.String

	var err error
	if a.Attributes, err = unmarshalMap(attributes); err != nil {
		return nil, fmt.Errorf("failed to decode activity attributes: %w", err)
	}
	if len(sentiment) > 0 && string(sentiment) != "null" {
		a.Sentiment = &domain.Sentiment{}
		if err := json.Unmarshal(sentiment, a.Sentiment); err != nil {
			return nil, fmt.Errorf("failed to decode activity sentiment: %w", err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}

// InsertIfAbsent writes a and reports false when a live activity with the same
// natural key already exists.
func (r *pgActivityRepository) InsertIfAbsent(ctx context.Context, a *domain.Activity) (bool, error) {
	attributes, err := marshalMap(a.Attributes)
	if err != nil {
		return false, fmt.Errorf("failed to encode activity attributes: %w", err)
	}
	sentiment, err := marshalSentiment(a.Sentiment)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO activities (` + activityColumns + `, "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NULL, NOW(), NOW())
		ON CONFLICT DO NOTHING
	`

	res, err := r.q.ExecContext(ctx, query,
		a.ID,
		a.TenantID,
		a.SegmentID,
		a.SourceID,
		nullString(a.SourceParentID),
		a.Platform,
		a.Type,
		a.Timestamp,
		a.MemberID,
		a.Username,
		nullString(a.ObjectMemberID),
		nullString(a.ObjectMemberUsername),
		nullString(a.OrganizationID),
		a.IsContribution,
		a.Score,
		a.Channel,
		a.URL,
		a.Body,
		a.Title,
		attributes,
		sentiment,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert activity: %w", err)
	}
	return wroteRow(res)
}

func (r *pgActivityRepository) Update(ctx context.Context, tenantID, id string, upd domain.ActivityUpdate) error {
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

	if upd.Type != nil {
		add("type", *upd.Type)
	}
	if upd.IsContribution != nil {
		add(`"isContribution"`, *upd.IsContribution)
	}
	if upd.Score != nil {
		add("score", *upd.Score)
	}
	if upd.SourceParentID != nil {
		add(`"sourceParentId"`, nullString(*upd.SourceParentID))
	}
	if upd.MemberID != nil {
		add(`"memberId"`, *upd.MemberID)
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.ObjectMemberID != nil {
		add(`"objectMemberId"`, nullString(*upd.ObjectMemberID))
	}
	if upd.ObjectMemberUsername != nil {
		add(`"objectMemberUsername"`, nullString(*upd.ObjectMemberUsername))
	}
	if upd.Attributes != nil {
		raw, err := marshalMap(upd.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode activity attributes: %w", err)
		}
		add("attributes", raw)
	}
	if upd.Body != nil {
		add("body", *upd.Body)
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Sentiment != nil {
		raw, err := marshalSentiment(upd.Sentiment)
		if err != nil {
			return err
		}
		add("sentiment", raw)
	}
	if upd.Channel != nil {
		add("channel", *upd.Channel)
	}
	if upd.URL != nil {
		add("url", *upd.URL)
	}
	if upd.OrganizationID != nil {
		add(`"organizationId"`, nullString(*upd.OrganizationID))
	}
	if upd.Platform != nil {
		add("platform", *upd.Platform)
	}

	args = append(args, tenantID, id)
	query := fmt.Sprintf(`UPDATE activities SET %s, "updatedAt" = NOW() WHERE "tenantId" = $%d AND id = $%d AND "deletedAt" IS NULL`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	return expectOneRow(res, "activity update")
}

func (r *pgActivityRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM activities WHERE "tenantId" = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete activity: %w", err)
	}
	return expectOneRow(res, "activity delete")
}

// marshalSentiment returns an untyped nil for a missing sentiment so the column is NULL.
func marshalSentiment(s *domain.Sentiment) (any, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity sentiment: %w", err)
	}
	return raw, nil
}
