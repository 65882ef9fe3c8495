package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/center/models"
	"exambridge/internal/platform/postgres"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

const centerColumns = `id, code, name, location, admin_password_hash, age_recipient, lan_address, lan_port,
	seats, computers, synced_count, unsynced_count, last_sync_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, center *models.Center) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO exam_centers (`+centerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, uuid.UUID(center.ID), center.Code, center.Name, center.Location, string(center.PasswordHash),
		center.AgeRecipient, center.LANAddress, center.LANPort, center.Seats, center.Computers,
		center.SyncedCount, center.UnsyncedCount, center.LastSyncAt, center.CreatedAt, center.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert center: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, centerID id.CenterID) (*models.Center, error) {
	return s.findOne(ctx, `SELECT `+centerColumns+` FROM exam_centers WHERE id = $1`, uuid.UUID(centerID))
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*models.Center, error) {
	return s.findOne(ctx, `SELECT `+centerColumns+` FROM exam_centers WHERE code = $1`, code)
}

func (s *PostgresStore) UpdateSyncCounters(ctx context.Context, centerID id.CenterID, synced, unsynced int, at time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE exam_centers
		SET synced_count = $2, unsynced_count = $3, last_sync_at = $4, updated_at = $4
		WHERE id = $1
	`, uuid.UUID(centerID), synced, unsynced, at)
	if err != nil {
		return fmt.Errorf("update center counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update center counters: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg any) (*models.Center, error) {
	c, err := scanCenter(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find center: %w", err)
	}
	return c, nil
}

func scanCenter(row scanner) (*models.Center, error) {
	var (
		c          models.Center
		centerID   uuid.UUID
		hash       string
		lastSyncAt sql.NullTime
	)
	if err := row.Scan(&centerID, &c.Code, &c.Name, &c.Location, &hash, &c.AgeRecipient, &c.LANAddress,
		&c.LANPort, &c.Seats, &c.Computers, &c.SyncedCount, &c.UnsyncedCount, &lastSyncAt,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ID = id.CenterID(centerID)
	c.PasswordHash = []byte(hash)
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		c.LastSyncAt = &t
	}
	return &c, nil
}
