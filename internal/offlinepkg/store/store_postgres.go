package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"exambridge/internal/offlinepkg/models"
	"exambridge/internal/platform/postgres"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/platform/tx"
)

type scanner interface {
	Scan(dest ...any) error
}

// PostgresRosterStore persists rosters in candidates.
type PostgresRosterStore struct {
	db *sql.DB
}

func NewPostgresRosterStore(db *sql.DB) *PostgresRosterStore {
	return &PostgresRosterStore{db: db}
}

// ReplaceRoster swaps the whole roster of a shift in one transaction.
func (s *PostgresRosterStore) ReplaceRoster(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidates []models.Candidate) error {
	ids := make([]string, len(candidates))
	rolls := make([]string, len(candidates))
	names := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i], rolls[i], names[i] = c.CandidateID, c.RollNumber, c.Name
	}
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		exec := tx.Exec(ctx, s.db)
		if _, err := exec.ExecContext(ctx,
			`DELETE FROM candidates WHERE exam_id = $1 AND shift_id = $2`,
			uuid.UUID(examID), uuid.UUID(shiftID)); err != nil {
			return fmt.Errorf("clear roster: %w", err)
		}
		query := `
			INSERT INTO candidates (exam_id, shift_id, candidate_id, roll_number, name)
			SELECT $1, $2, c.candidate_id, c.roll_number, c.name
			FROM unnest($3::text[], $4::text[], $5::text[]) AS c(candidate_id, roll_number, name)
		`
		if _, err := exec.ExecContext(ctx, query, uuid.UUID(examID), uuid.UUID(shiftID),
			pq.Array(ids), pq.Array(rolls), pq.Array(names)); err != nil {
			if postgres.IsUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert roster: %w", err)
		}
		return nil
	})
}

func (s *PostgresRosterStore) ListRoster(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.Candidate, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT candidate_id, roll_number, name
		FROM candidates
		WHERE exam_id = $1 AND shift_id = $2
		ORDER BY candidate_id
	`, uuid.UUID(examID), uuid.UUID(shiftID))
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	defer rows.Close()

	var roster []models.Candidate
	for rows.Next() {
		c := models.Candidate{ExamID: examID, ShiftID: shiftID}
		if err := rows.Scan(&c.CandidateID, &c.RollNumber, &c.Name); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		roster = append(roster, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return roster, nil
}

func (s *PostgresRosterStore) FindCandidate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*models.Candidate, error) {
	c := models.Candidate{ExamID: examID, ShiftID: shiftID}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT candidate_id, roll_number, name
		FROM candidates
		WHERE exam_id = $1 AND shift_id = $2 AND candidate_id = $3
	`, uuid.UUID(examID), uuid.UUID(shiftID), candidateID).Scan(&c.CandidateID, &c.RollNumber, &c.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find candidate: %w", err)
	}
	return &c, nil
}

// PostgresPackageStore persists packages in offline_packages.
type PostgresPackageStore struct {
	db *sql.DB
}

func NewPostgresPackageStore(db *sql.DB) *PostgresPackageStore {
	return &PostgresPackageStore{db: db}
}

const packageColumns = `id, code, exam_id, shift_id, version, status, size_bytes, digest, bundle, download_count, sync_status, created_at`

// Publish assigns the next version, supersedes the previous READY rows and
// inserts the new READY row in one transaction. A per-shift advisory lock
// serializes concurrent publishers.
func (s *PostgresPackageStore) Publish(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	var published *models.Package
	err := tx.Run(ctx, s.db, func(ctx context.Context) error {
		exec := tx.Exec(ctx, s.db)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			pkg.ExamID.String()+"/"+pkg.ShiftID.String()); err != nil {
			return fmt.Errorf("lock shift packages: %w", err)
		}

		var next int
		if err := exec.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM offline_packages WHERE exam_id = $1 AND shift_id = $2`,
			uuid.UUID(pkg.ExamID), uuid.UUID(pkg.ShiftID)).Scan(&next); err != nil {
			return fmt.Errorf("next package version: %w", err)
		}
		if _, err := exec.ExecContext(ctx, `
			UPDATE offline_packages SET status = $3
			WHERE exam_id = $1 AND shift_id = $2 AND status = $4
		`, uuid.UUID(pkg.ExamID), uuid.UUID(pkg.ShiftID), string(models.StatusSuperseded), string(models.StatusReady)); err != nil {
			return fmt.Errorf("supersede packages: %w", err)
		}

		p := *pkg
		p.Version = next
		p.Status = models.StatusReady
		if p.SyncStatus == "" {
			p.SyncStatus = models.SyncStatusNotSynced
		}
		if err := insertPackage(ctx, exec, &p, false); err != nil {
			return err
		}
		published = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// Save upserts a package received from the main server.
func (s *PostgresPackageStore) Save(ctx context.Context, pkg *models.Package) error {
	return insertPackage(ctx, tx.Exec(ctx, s.db), pkg, true)
}

func insertPackage(ctx context.Context, exec tx.Executor, p *models.Package, upsert bool) error {
	query := `
		INSERT INTO offline_packages (` + packageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if upsert {
		query += ` ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, sync_status = EXCLUDED.sync_status`
	}
	_, err := exec.ExecContext(ctx, query,
		uuid.UUID(p.ID), p.Code, uuid.UUID(p.ExamID), uuid.UUID(p.ShiftID), p.Version, string(p.Status),
		p.SizeBytes, p.Digest, p.Bundle, p.DownloadCount, string(p.SyncStatus), p.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert offline package: %w", err)
	}
	return nil
}

func (s *PostgresPackageStore) FindByID(ctx context.Context, packageID id.PackageID) (*models.Package, error) {
	p, err := scanPackage(tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM offline_packages WHERE id = $1`, uuid.UUID(packageID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find offline package: %w", err)
	}
	return p, nil
}

func (s *PostgresPackageStore) Latest(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	query := `
		SELECT ` + packageColumns + `
		FROM offline_packages
		WHERE exam_id = $1 AND shift_id = $2 AND status = $3
		ORDER BY version DESC
		LIMIT 1
	`
	p, err := scanPackage(tx.Exec(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(examID), uuid.UUID(shiftID), string(models.StatusReady)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find latest package: %w", err)
	}
	return p, nil
}

func (s *PostgresPackageStore) IncrementDownloads(ctx context.Context, packageID id.PackageID) (*models.Package, error) {
	query := `
		UPDATE offline_packages SET download_count = download_count + 1
		WHERE id = $1
		RETURNING ` + packageColumns
	p, err := scanPackage(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(packageID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("increment package downloads: %w", err)
	}
	return p, nil
}

func (s *PostgresPackageStore) MarkSynced(ctx context.Context, packageID id.PackageID) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx,
		`UPDATE offline_packages SET sync_status = $2 WHERE id = $1`,
		uuid.UUID(packageID), string(models.SyncStatusSynced))
	if err != nil {
		return fmt.Errorf("mark package synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark package synced: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanPackage(row scanner) (*models.Package, error) {
	var (
		p                      models.Package
		packageID, exam, shift uuid.UUID
		status, syncStatus     string
	)
	if err := row.Scan(&packageID, &p.Code, &exam, &shift, &p.Version, &status, &p.SizeBytes,
		&p.Digest, &p.Bundle, &p.DownloadCount, &syncStatus, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.ID = id.PackageID(packageID)
	p.ExamID = id.ExamID(exam)
	p.ShiftID = id.ShiftID(shift)
	p.Status = models.Status(status)
	p.SyncStatus = models.SyncStatus(syncStatus)
	return &p, nil
}
