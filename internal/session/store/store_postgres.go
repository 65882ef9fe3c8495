package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/platform/postgres"
	"exambridge/internal/session/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/codec"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/platform/tx"
)

// PostgresStore persists sessions in exam_sessions. Terminal rows are
// protected by the WHERE clause of every lifecycle update, and the sync
// flag only moves through a conditional UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, candidate_id, roll_number, access_token_id, center_id, exam_id, shift_id, package_id,
	paper_id, status, termination_reason, answers, created_at, started_at, ends_at, ended_at, last_heartbeat_at,
	last_heartbeat_sent_at, synced_to_main, synced_at`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	answers, err := encodeAnswers(session.Answers)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO exam_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = tx.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(session.ID), session.CandidateID, session.RollNumber, uuid.UUID(session.AccessTokenID),
		uuid.UUID(session.CenterID), uuid.UUID(session.ExamID), uuid.UUID(session.ShiftID), uuid.UUID(session.PackageID),
		nullPaper(session.PaperID), string(session.Status), string(session.TerminationReason), answers,
		session.CreatedAt, session.StartedAt, session.EndsAt, session.EndedAt, session.LastHeartbeatAt,
		session.LastHeartbeatSentAt, session.SyncedToMain, session.SyncedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	session, err := scanSession(tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, uuid.UUID(sessionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	answers, err := encodeAnswers(session.Answers)
	if err != nil {
		return err
	}
	query := `
		UPDATE exam_sessions SET
			paper_id = $2, status = $3, termination_reason = $4, answers = $5,
			started_at = $6, ends_at = $7, ended_at = $8, last_heartbeat_at = $9,
			last_heartbeat_sent_at = $10
		WHERE id = $1 AND status IN ('WAITING', 'IN_PROGRESS')
	`
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(session.ID), nullPaper(session.PaperID), string(session.Status),
		string(session.TerminationReason), answers,
		session.StartedAt, session.EndsAt, session.EndedAt, session.LastHeartbeatAt,
		session.LastHeartbeatSentAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, session.ID); err != nil {
		return err
	}
	return sentinel.ErrInvalidState
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Session, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+`
		FROM exam_sessions
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
}

func (s *PostgresStore) ListUnsynced(ctx context.Context, centerID id.CenterID, limit int) ([]*models.Session, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+`
		FROM exam_sessions
		WHERE center_id = $1 AND status = 'SUBMITTED' AND synced_to_main = FALSE
		ORDER BY created_at
		LIMIT $2
	`, uuid.UUID(centerID), limit)
}

// MarkSynced is a compare-and-set: only an unsynced SUBMITTED row changes.
func (s *PostgresStore) MarkSynced(ctx context.Context, sessionID id.SessionID, at time.Time) (bool, error) {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE exam_sessions SET synced_to_main = TRUE, synced_at = $2
		WHERE id = $1 AND status = 'SUBMITTED' AND synced_to_main = FALSE
	`, uuid.UUID(sessionID), at)
	if err != nil {
		return false, fmt.Errorf("mark session synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark session synced: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.FindByID(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CountSync(ctx context.Context, centerID id.CenterID) (models.SyncCounts, error) {
	var counts models.SyncCounts
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE synced_to_main),
			COUNT(*) FILTER (WHERE NOT synced_to_main)
		FROM exam_sessions
		WHERE center_id = $1 AND status = 'SUBMITTED'
	`, uuid.UUID(centerID)).Scan(&counts.Synced, &counts.Unsynced)
	if err != nil {
		return counts, fmt.Errorf("count synced sessions: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session                                 models.Session
		sessionID, tokenID, center, exam, shift uuid.UUID
		packageID                               uuid.UUID
		paperID                                 uuid.NullUUID
		status, reason                          string
		answers                                 []byte
		startedAt, endsAt, endedAt              sql.NullTime
		lastHeartbeatAt, lastSentAt, syncedAt   sql.NullTime
	)
	if err := row.Scan(&sessionID, &session.CandidateID, &session.RollNumber, &tokenID, &center, &exam, &shift,
		&packageID, &paperID, &status, &reason, &answers, &session.CreatedAt, &startedAt, &endsAt, &endedAt,
		&lastHeartbeatAt, &lastSentAt, &session.SyncedToMain, &syncedAt); err != nil {
		return nil, err
	}
	session.ID = id.SessionID(sessionID)
	session.AccessTokenID = id.TokenID(tokenID)
	session.CenterID = id.CenterID(center)
	session.ExamID = id.ExamID(exam)
	session.ShiftID = id.ShiftID(shift)
	session.PackageID = id.PackageID(packageID)
	if paperID.Valid {
		session.PaperID = id.PaperID(paperID.UUID)
	}
	session.Status = models.Status(status)
	session.TerminationReason = models.TerminationReason(reason)
	session.StartedAt = timePtr(startedAt)
	session.EndsAt = timePtr(endsAt)
	session.EndedAt = timePtr(endedAt)
	session.LastHeartbeatAt = timePtr(lastHeartbeatAt)
	session.LastHeartbeatSentAt = timePtr(lastSentAt)
	session.SyncedAt = timePtr(syncedAt)
	if len(answers) > 0 {
		if err := codec.Unmarshal(answers, &session.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	return &session, nil
}

func encodeAnswers(answers map[string]string) ([]byte, error) {
	if answers == nil {
		return nil, nil
	}
	data, err := codec.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	return data, nil
}

func nullPaper(paperID id.PaperID) uuid.NullUUID {
	if paperID.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(paperID), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
