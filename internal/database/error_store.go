package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/models"
)

// CreateErrorRecord appends an error record for a lesson at a step.
func (s *PostgresStore) CreateErrorRecord(ctx context.Context, ingestID, lessonID string, step models.Step, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_errors (id, ingest_id, lesson_id, step, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), ingestID, lessonID, step, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store ingest error: %w", err)
	}
	return nil
}

// ListErrors returns the newest error records of an ingest. An empty step
// lists all steps; a non-positive limit defaults to 100.
func (s *PostgresStore) ListErrors(ctx context.Context, ingestID string, step models.Step, limit int) ([]models.IngestError, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ingest_id, lesson_id, step, error_message, created_at
		FROM ingest_errors
		WHERE ingest_id = $1
	`
	args := []any{ingestID}
	if step != "" {
		query += " AND step = $3"
		args = append(args, limit, step)
	} else {
		args = append(args, limit)
	}
	query += " ORDER BY created_at DESC LIMIT $2"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest errors: %w", err)
	}
	defer rows.Close()

	var errs []models.IngestError
	for rows.Next() {
		var e models.IngestError
		if err := rows.Scan(&e.ID, &e.IngestID, &e.LessonID, &e.Step, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingest error: %w", err)
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}
