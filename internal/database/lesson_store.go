package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lib/pq"
)

const lessonColumns = `l.id, l.ingest_id, l.source_lesson_id, l.data, l.data_hash, l.step, l.step_status,
	l.captions_id, l.lesson_plan_id, l.created_at, l.updated_at`

// CreateLessons inserts lessons with a single multi-row statement. Callers
// bound the slice size; see ingest.InsertInChunks.
func (s *PostgresStore) CreateLessons(ctx context.Context, lessons []models.IngestLesson) error {
	if len(lessons) == 0 {
		return nil
	}

	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO ingest_lessons
		(id, ingest_id, source_lesson_id, data, data_hash, step, step_status, created_at, updated_at) VALUES `)

	args := make([]any, 0, len(lessons)*cols)
	now := time.Now().UTC()
	for i, l := range lessons {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, l.ID, l.IngestID, l.SourceLessonID, []byte(l.Data), l.DataHash, l.Step, l.StepStatus, now, now)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d lessons: %w", len(lessons), err)
	}
	return nil
}

// ListSourceLessonIDs returns the source ids already imported into an ingest.
func (s *PostgresStore) ListSourceLessonIDs(ctx context.Context, ingestID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_lesson_id FROM ingest_lessons WHERE ingest_id = $1`, ingestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source lesson ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source lesson id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// GetLessonsByState returns lessons of an active ingest at (step, status).
func (s *PostgresStore) GetLessonsByState(ctx context.Context, ingestID string, step models.Step, status models.StepStatus) ([]models.IngestLesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lessonColumns+`
		FROM ingest_lessons l
		JOIN ingests i ON i.id = l.ingest_id
		WHERE l.ingest_id = $1 AND i.status = 'active' AND l.step = $2 AND l.step_status = $3
		ORDER BY l.created_at, l.id
	`, ingestID, step, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query lessons by state: %w", err)
	}
	defer rows.Close()
	return scanLessons(rows)
}

// UpdateLessonsState sets (step, status) regardless of current state.
func (s *PostgresStore) UpdateLessonsState(ctx context.Context, ingestID string, ids []string, step models.Step, status models.StepStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_lessons
		SET step = $3, step_status = $4, updated_at = NOW()
		WHERE ingest_id = $1 AND id = ANY($2)
	`, ingestID, pq.Array(ids), step, status)
	if err != nil {
		return 0, fmt.Errorf("failed to update lesson state: %w", err)
	}
	return res.RowsAffected()
}

// TransitionLessons moves lessons still at (step, from) to (step, to).
func (s *PostgresStore) TransitionLessons(ctx context.Context, ingestID string, ids []string, step models.Step, from, to models.StepStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_lessons
		SET step_status = $5, updated_at = NOW()
		WHERE ingest_id = $1 AND id = ANY($2) AND step = $3 AND step_status = $4
	`, ingestID, pq.Array(ids), step, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to transition lessons: %w", err)
	}
	return res.RowsAffected()
}

// LoadLessonsAndUpdateState claims every lesson of an active ingest that
// completed prevStep in one conditional UPDATE. Concurrent callers re-check
// the WHERE clause after row locks are released, so each lesson is returned
// to at most one of them.
func (s *PostgresStore) LoadLessonsAndUpdateState(ctx context.Context, ingestID string, prevStep, currentStep models.Step) ([]models.IngestLesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE ingest_lessons l
		SET step = $3, step_status = 'started', updated_at = NOW()
		FROM ingests i
		WHERE i.id = l.ingest_id
			AND i.status = 'active'
			AND l.ingest_id = $1
			AND l.step = $2
			AND l.step_status = 'completed'
		RETURNING `+lessonColumns,
		ingestID, prevStep, currentStep)
	if err != nil {
		return nil, fmt.Errorf("failed to claim lessons: %w", err)
	}
	defer rows.Close()

	lessons, err := scanLessons(rows)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(lessons, func(a, b models.IngestLesson) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return lessons, nil
}

// CountLessonsByState groups lesson counts by step and status.
func (s *PostgresStore) CountLessonsByState(ctx context.Context, ingestID string) (map[models.Step]map[models.StepStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, step_status, COUNT(*)
		FROM ingest_lessons
		WHERE ingest_id = $1
		GROUP BY step, step_status
	`, ingestID)
	if err != nil {
		return nil, fmt.Errorf("failed to count lessons: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Step]map[models.StepStatus]int)
	for rows.Next() {
		var (
			step   models.Step
			status models.StepStatus
			n      int
		)
		if err := rows.Scan(&step, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan lesson count: %w", err)
		}
		if counts[step] == nil {
			counts[step] = make(map[models.StepStatus]int)
		}
		counts[step][status] = n
	}
	return counts, rows.Err()
}

func scanLessons(rows *sql.Rows) ([]models.IngestLesson, error) {
	var lessons []models.IngestLesson
	for rows.Next() {
		var (
			l            models.IngestLesson
			data         []byte
			captionsID   sql.NullString
			lessonPlanID sql.NullString
		)
		if err := rows.Scan(
			&l.ID,
			&l.IngestID,
			&l.SourceLessonID,
			&data,
			&l.DataHash,
			&l.Step,
			&l.StepStatus,
			&captionsID,
			&lessonPlanID,
			&l.CreatedAt,
			&l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}
		l.Data = data
		if captionsID.Valid {
			l.CaptionsID = &captionsID.String
		}
		if lessonPlanID.Valid {
			l.LessonPlanID = &lessonPlanID.String
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lessons: %w", err)
	}
	return lessons, nil
}

// writePlaceholders appends "($n+1, ..., $n+count)".
func writePlaceholders(sb *strings.Builder, offset, count int) {
	sb.WriteByte('(')
	for j := 1; j <= count; j++ {
		if j > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", offset+j)
	}
	sb.WriteByte(')')
}
