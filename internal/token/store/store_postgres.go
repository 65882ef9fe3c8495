package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/platform/postgres"
	"exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/platform/tx"
)

// PostgresStore persists access tokens. Usage is only ever incremented by a
// conditional UPDATE so concurrent validators cannot over-admit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, exam_id, center_id, shift_id, digest, expires_at, usage_count, max_usage, version, revoked_at, created_at`

func (s *PostgresStore) Create(ctx context.Context, t *models.AccessToken) error {
	query := `
		INSERT INTO access_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(t.ID), uuid.UUID(t.ExamID), uuid.UUID(t.CenterID), uuid.UUID(t.ShiftID),
		t.Digest, t.ExpiresAt, t.UsageCount, t.MaxUsage, t.Version, t.RevokedAt, t.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tokenID id.TokenID) (*models.AccessToken, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM access_tokens WHERE id = $1`, uuid.UUID(tokenID))
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find access token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindByScope(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.AccessToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM access_tokens
		WHERE exam_id = $1 AND shift_id = $2 AND center_id = $3 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	t, err := scanToken(tx.Exec(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(examID), uuid.UUID(shiftID), uuid.UUID(centerID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find access token by scope: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) CentersForShift(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]id.CenterID, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT DISTINCT center_id FROM access_tokens WHERE exam_id = $1 AND shift_id = $2`,
		uuid.UUID(examID), uuid.UUID(shiftID),
	)
	if err != nil {
		return nil, fmt.Errorf("list centers for shift: %w", err)
	}
	defer rows.Close()

	var centers []id.CenterID
	for rows.Next() {
		var centerID uuid.UUID
		if err := rows.Scan(&centerID); err != nil {
			return nil, fmt.Errorf("scan center id: %w", err)
		}
		centers = append(centers, id.CenterID(centerID))
	}
	return centers, rows.Err()
}

// ConsumeIfValid increments usage with one conditional UPDATE. When no row
// qualifies the current row is read back to report why.
func (s *PostgresStore) ConsumeIfValid(ctx context.Context, digest []byte, now time.Time) (*models.AccessToken, error) {
	query := `
		UPDATE access_tokens
		SET usage_count = usage_count + 1
		WHERE digest = $1
		  AND expires_at >= $2
		  AND revoked_at IS NULL
		  AND (max_usage = 0 OR usage_count < max_usage)
		RETURNING ` + tokenColumns
	exec := tx.Exec(ctx, s.db)
	t, err := scanToken(exec.QueryRowContext(ctx, query, digest, now))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume access token: %w", err)
	}

	current, err := scanToken(exec.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM access_tokens WHERE digest = $1`, digest))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if reason := current.CanConsume(now); reason != nil {
		return current, reason
	}
	// The row qualified by the time we read it back, so a concurrent
	// consumer must have taken the last slot first.
	return current, sentinel.ErrExhausted
}

func (s *PostgresStore) ReplaceDigest(ctx context.Context, tokenID id.TokenID, digest []byte) (*models.AccessToken, error) {
	query := `
		UPDATE access_tokens
		SET digest = $2, version = version + 1
		WHERE id = $1
		RETURNING ` + tokenColumns
	t, err := scanToken(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(tokenID), digest))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("replace token digest: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RevokeExpired(ctx context.Context, now time.Time) ([]*models.AccessToken, error) {
	query := `
		UPDATE access_tokens
		SET revoked_at = $1
		WHERE revoked_at IS NULL AND expires_at < $1
		RETURNING ` + tokenColumns
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("revoke expired tokens: %w", err)
	}
	defer rows.Close()

	var revoked []*models.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revoked token: %w", err)
		}
		revoked = append(revoked, t)
	}
	return revoked, rows.Err()
}

// Upsert imports a grant. A newer version replaces the digest; the usage
// count never moves backwards.
func (s *PostgresStore) Upsert(ctx context.Context, t *models.AccessToken) error {
	query := `
		INSERT INTO access_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10)
		ON CONFLICT (id) DO UPDATE SET
			digest = CASE WHEN EXCLUDED.version >= access_tokens.version THEN EXCLUDED.digest ELSE access_tokens.digest END,
			expires_at = CASE WHEN EXCLUDED.version >= access_tokens.version THEN EXCLUDED.expires_at ELSE access_tokens.expires_at END,
			max_usage = CASE WHEN EXCLUDED.version >= access_tokens.version THEN EXCLUDED.max_usage ELSE access_tokens.max_usage END,
			version = GREATEST(EXCLUDED.version, access_tokens.version),
			usage_count = GREATEST(EXCLUDED.usage_count, access_tokens.usage_count)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(t.ID), uuid.UUID(t.ExamID), uuid.UUID(t.CenterID), uuid.UUID(t.ShiftID),
		t.Digest, t.ExpiresAt, t.UsageCount, t.MaxUsage, t.Version, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert access token: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*models.AccessToken, error) {
	var (
		t                                  models.AccessToken
		tokenID, examID, centerID, shiftID uuid.UUID
		revokedAt                          sql.NullTime
	)
	if err := row.Scan(&tokenID, &examID, &centerID, &shiftID, &t.Digest, &t.ExpiresAt,
		&t.UsageCount, &t.MaxUsage, &t.Version, &revokedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ID = id.TokenID(tokenID)
	t.ExamID = id.ExamID(examID)
	t.CenterID = id.CenterID(centerID)
	t.ShiftID = id.ShiftID(shiftID)
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	return &t, nil
}
