package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"exambridge/internal/registry/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/codec"
	"exambridge/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert relies on the session_id primary key for idempotency.
func (s *PostgresStore) Insert(ctx context.Context, record *models.ResultRecord) (bool, error) {
	var answers []byte
	if record.Answers != nil {
		var err error
		if answers, err = codec.Marshal(record.Answers); err != nil {
			return false, fmt.Errorf("encode answers: %w", err)
		}
	}
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO exam_results (session_id, center_id, exam_id, shift_id, candidate_id, roll_number,
			answers, status, submitted_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING
	`, uuid.UUID(record.SessionID), uuid.UUID(record.CenterID), uuid.UUID(record.ExamID), uuid.UUID(record.ShiftID),
		record.CandidateID, record.RollNumber, answers, record.Status, record.SubmittedAt, record.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Count(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (int, error) {
	var n int
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exam_results WHERE exam_id = $1 AND shift_id = $2`,
		uuid.UUID(examID), uuid.UUID(shiftID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// SaveStatus upserts the center's last report for the shift.
func (s *PostgresStore) SaveStatus(ctx context.Context, status *models.CenterStatus) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO center_shift_status (center_id, exam_id, shift_id, synced, unsynced, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (center_id, exam_id, shift_id) DO UPDATE SET
			synced = EXCLUDED.synced,
			unsynced = EXCLUDED.unsynced,
			reported_at = EXCLUDED.reported_at
	`, uuid.UUID(status.CenterID), uuid.UUID(status.ExamID), uuid.UUID(status.ShiftID),
		status.Synced, status.Unsynced, status.ReportedAt)
	if err != nil {
		return fmt.Errorf("save center status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStatus(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.CenterStatus, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT center_id, synced, unsynced, reported_at
		FROM center_shift_status
		WHERE exam_id = $1 AND shift_id = $2
	`, uuid.UUID(examID), uuid.UUID(shiftID))
	if err != nil {
		return nil, fmt.Errorf("list center status: %w", err)
	}
	defer rows.Close()

	var out []models.CenterStatus
	for rows.Next() {
		var (
			centerID uuid.UUID
			st       = models.CenterStatus{ExamID: examID, ShiftID: shiftID}
		)
		if err := rows.Scan(&centerID, &st.Synced, &st.Unsynced, &st.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan center status: %w", err)
		}
		st.CenterID = id.CenterID(centerID)
		out = append(out, st)
	}
	return out, rows.Err()
}
