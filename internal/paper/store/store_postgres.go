package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"exambridge/internal/paper/models"
	"exambridge/internal/platform/postgres"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/platform/tx"
)

// PostgresPaperStore persists encrypted papers in question_papers.
type PostgresPaperStore struct {
	db *sql.DB
}

func NewPostgresPaperStore(db *sql.DB) *PostgresPaperStore {
	return &PostgresPaperStore{db: db}
}

const paperColumns = `id, exam_id, code, version, language, active, ciphertext, key_ref, duration_minutes, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresPaperStore) Create(ctx context.Context, p *models.QuestionPaper) error {
	query := `
		INSERT INTO question_papers (` + paperColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(p.ID), uuid.UUID(p.ExamID), p.Code, p.Version, p.Language, p.Active,
		p.Ciphertext, p.KeyRef, p.DurationMinutes, p.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert question paper: %w", err)
	}
	return nil
}

func (s *PostgresPaperStore) FindByID(ctx context.Context, paperID id.PaperID) (*models.QuestionPaper, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paperColumns+` FROM question_papers WHERE id = $1`, uuid.UUID(paperID))
	p, err := scanPaper(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find question paper: %w", err)
	}
	return p, nil
}

func (s *PostgresPaperStore) ListActive(ctx context.Context, examID id.ExamID) ([]*models.QuestionPaper, error) {
	query := `
		SELECT ` + paperColumns + `
		FROM question_papers
		WHERE exam_id = $1 AND active
		ORDER BY code, version, language
	`
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, uuid.UUID(examID))
	if err != nil {
		return nil, fmt.Errorf("list active papers: %w", err)
	}
	defer rows.Close()

	var papers []*models.QuestionPaper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question paper: %w", err)
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question papers: %w", err)
	}
	return papers, nil
}

func (s *PostgresPaperStore) SetActive(ctx context.Context, paperID id.PaperID, active bool) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx,
		`UPDATE question_papers SET active = $2 WHERE id = $1`, uuid.UUID(paperID), active)
	if err != nil {
		return fmt.Errorf("update paper active flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update paper active flag: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanPaper(row scanner) (*models.QuestionPaper, error) {
	var (
		p             models.QuestionPaper
		paperID, exam uuid.UUID
	)
	if err := row.Scan(&paperID, &exam, &p.Code, &p.Version, &p.Language, &p.Active,
		&p.Ciphertext, &p.KeyRef, &p.DurationMinutes, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.ID = id.PaperID(paperID)
	p.ExamID = id.ExamID(exam)
	return &p, nil
}

// PostgresKeyStore persists wrapped keys in paper_keys.
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Put(ctx context.Context, k *models.WrappedKey) error {
	query := `
		INSERT INTO paper_keys (key_ref, paper_id, wrapped_key, wrapper, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		k.KeyRef, uuid.UUID(k.PaperID), k.Wrapped, k.Wrapper, k.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert paper key: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) Get(ctx context.Context, keyRef string) (*models.WrappedKey, error) {
	var (
		k       models.WrappedKey
		paperID uuid.UUID
	)
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT key_ref, paper_id, wrapped_key, wrapper, created_at FROM paper_keys WHERE key_ref = $1`, keyRef,
	).Scan(&k.KeyRef, &paperID, &k.Wrapped, &k.Wrapper, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find paper key: %w", err)
	}
	k.PaperID = id.PaperID(paperID)
	return &k, nil
}
