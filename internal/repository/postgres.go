package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

const uniqueViolation = "23505"

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on top of lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a new Postgres backed store
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Transactionally runs fn in a single transaction.
func (s *PostgresStore) Transactionally(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// no-op after a successful commit; also covers panics in fn
	defer tx.Rollback()

	if err := fn(ctx, &pgUnitOfWork{q: tx}); err != nil {
		s.logger.Debug("Transaction rolled back", zap.Error(err))
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListOrganizationIdentitiesAfter pages identities ordered by ("createdAt", id).
// A nil cursor starts from the first row. Ids are compared as text so the
// cursor binds the same way whatever the column type.
func (s *PostgresStore) ListOrganizationIdentitiesAfter(ctx context.Context, filter OrganizationIdentityFilter, after *Cursor, limit int) ([]domain.OrganizationIdentity, error) {
	query := `
		SELECT id, "tenantId", "organizationId", platform, type, value, verified, "createdAt"
		FROM "organizationIdentities"
		WHERE ($1 = '' OR "tenantId"::text = $1)
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
		  AND ($3::timestamptz IS NULL OR ("createdAt", id::text) > ($3::timestamptz, $4::text))
		ORDER BY "createdAt", id::text
		LIMIT $5
	`

	var cursorTime, cursorID interface{}
	if after != nil {
		cursorTime = after.CreatedAt
		cursorID = after.ID
	}

	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}

	rows, err := s.db.QueryContext(ctx, query, filter.TenantID, pq.Array(types), cursorTime, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query organization identities: %w", err)
	}
	defer rows.Close()

	return scanOrganizationIdentities(rows)
}

// ListMemberUsernamesAfter pages distinct member usernames of live activities.
func (s *PostgresStore) ListMemberUsernamesAfter(ctx context.Context, tenantID string, after *MemberUsername, limit int) ([]MemberUsername, error) {
	query := `
		SELECT DISTINCT "tenantId", "memberId", platform, username
		FROM activities
		WHERE "deletedAt" IS NULL
		  AND ($1 = '' OR "tenantId"::text = $1)
		  AND ("tenantId"::text, "memberId"::text, platform, username) > ($2, $3, $4, $5)
		ORDER BY "tenantId", "memberId", platform, username
		LIMIT $6
	`

	var cursor MemberUsername
	if after != nil {
		cursor = *after
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID, cursor.TenantID, cursor.MemberID, cursor.Platform, cursor.Username, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity usernames: %w", err)
	}
	defer rows.Close()

	var result []MemberUsername
	for rows.Next() {
		var mu MemberUsername
		if err := rows.Scan(&mu.TenantID, &mu.MemberID, &mu.Platform, &mu.Username); err != nil {
			return nil, fmt.Errorf("failed to scan activity username: %w", err)
		}
		result = append(result, mu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity usernames: %w", err)
	}
	return result, nil
}

type pgUnitOfWork struct {
	q querier
}

func (u *pgUnitOfWork) Members() MemberRepository {
	return &pgMemberRepository{q: u.q}
}

func (u *pgUnitOfWork) Activities() ActivityRepository {
	return &pgActivityRepository{q: u.q}
}

func (u *pgUnitOfWork) Settings() SettingsRepository {
	return &pgSettingsRepository{q: u.q}
}

func (u *pgUnitOfWork) Segments() SegmentRepository {
	return &pgSegmentRepository{q: u.q}
}

func (u *pgUnitOfWork) Organizations() OrganizationRepository {
	return &pgOrganizationRepository{q: u.q}
}

func (u *pgUnitOfWork) OrganizationIdentities() OrganizationIdentityRepository {
	return &pgOrganizationIdentityRepository{q: u.q}
}

func (u *pgUnitOfWork) MergeSuggestions() MergeSuggestionRepository {
	return &pgMergeSuggestionRepository{q: u.q}
}

// LockIdentity takes a transaction-scoped advisory lock on the identity.
func (u *pgUnitOfWork) LockIdentity(ctx context.Context, tenantID, platform, username string) error {
	_, err := u.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2 || ':' || $3))`, tenantID, platform, username)
	if err != nil {
		return fmt.Errorf("failed to lock identity %s/%s: %w", platform, username, err)
	}
	return nil
}

// expectOneRow converts a rows-affected count into ErrInvariantViolation when it is not 1.
func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s affected %d rows", ErrInvariantViolation, what, n)
	}
	return nil
}

func wroteRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
