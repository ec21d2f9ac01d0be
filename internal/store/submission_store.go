package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/reunite/internal/domain"
)

// SubmissionStore is the local log of settled submissions.
type SubmissionStore struct {
	db *sql.DB
}

func NewSubmissionStore(db *sql.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

// Create inserts rec, assigning an ID and timestamp when they are unset.
func (s *SubmissionStore) Create(ctx context.Context, rec domain.SubmissionRecord) (*domain.SubmissionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, source, endpoint, person_name, outcome, detail, preview_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Source), rec.Endpoint, rec.PersonName, string(rec.Outcome), rec.Detail, rec.PreviewKey, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create submission: %w", err)
	}

	return s.GetByID(ctx, rec.ID)
}

func (s *SubmissionStore) GetByID(ctx context.Context, id string) (*domain.SubmissionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, endpoint, person_name, outcome, detail, preview_key, created_at
		FROM submissions WHERE id = ?
	`, id)

	rec, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	return rec, nil
}

// ListRecent returns up to limit submissions, newest first.
func (s *SubmissionStore) ListRecent(ctx context.Context, limit int) ([]*domain.SubmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, endpoint, person_name, outcome, detail, preview_key, created_at
		FROM submissions ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var recs []*domain.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}

	return recs, nil
}

// CountByOutcome tallies the log per outcome.
func (s *SubmissionStore) CountByOutcome(ctx context.Context) (map[domain.Outcome]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM submissions GROUP BY outcome
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	counts := map[domain.Outcome]int64{}
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan submission count: %w", err)
		}
		counts[domain.Outcome(outcome)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission counts: %w", err)
	}

	return counts, nil
}

func (s *SubmissionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM submissions WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("submission not found")
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*domain.SubmissionRecord, error) {
	rec := &domain.SubmissionRecord{}
	var source, outcome string
	if err := row.Scan(&rec.ID, &source, &rec.Endpoint, &rec.PersonName, &outcome, &rec.Detail, &rec.PreviewKey, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Source = domain.Source(source)
	rec.Outcome = domain.Outcome(outcome)
	return rec, nil
}
