package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// CreateCaptionsRecord stores captions and links them to the lesson in one
// transaction.
func (s *PostgresStore) CreateCaptionsRecord(ctx context.Context, ingestID, lessonID string, lines []models.CaptionLine) (string, error) {
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to marshal captions: %w", err)
	}

	id := uuid.New().String()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ingest_captions (id, ingest_id, lesson_id, data, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id, ingestID, lessonID, data, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert captions: %w", err)
		}
		return linkLesson(ctx, tx, "captions_id", id, ingestID, lessonID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetCaptionsByLessonIDs returns the captions linked to each lesson.
func (s *PostgresStore) GetCaptionsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.Captions, error) {
	out := make(map[string]models.Captions)
	if len(lessonIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.ingest_id, l.id, c.data, c.created_at
		FROM ingest_lessons l
		JOIN ingest_captions c ON c.id = l.captions_id
		WHERE l.ingest_id = $1 AND l.id = ANY($2)
	`, ingestID, pq.Array(lessonIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query captions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c    models.Captions
			data []byte
		)
		if err := rows.Scan(&c.ID, &c.IngestID, &c.LessonID, &data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan captions: %w", err)
		}
		if err := json.Unmarshal(data, &c.Data); err != nil {
			return nil, fmt.Errorf("failed to decode captions %s: %w", c.ID, err)
		}
		out[c.LessonID] = c
	}
	return out, rows.Err()
}

// CreateLessonPlan stores a plan and links it to the lesson.
func (s *PostgresStore) CreateLessonPlan(ctx context.Context, plan models.LessonPlan) (string, error) {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ingest_lesson_plans (id, ingest_id, lesson_id, data, data_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, plan.ID, plan.IngestID, plan.LessonID, []byte(plan.Data), plan.DataHash, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert lesson plan: %w", err)
		}
		return linkLesson(ctx, tx, "lesson_plan_id", plan.ID, plan.IngestID, plan.LessonID)
	})
	if err != nil {
		return "", err
	}
	return plan.ID, nil
}

// GetLessonPlansByLessonIDs returns the plan linked to each lesson.
func (s *PostgresStore) GetLessonPlansByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.LessonPlan, error) {
	out := make(map[string]models.LessonPlan)
	if len(lessonIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.ingest_id, l.id, p.data, p.data_hash, p.created_at
		FROM ingest_lessons l
		JOIN ingest_lesson_plans p ON p.id = l.lesson_plan_id
		WHERE l.ingest_id = $1 AND l.id = ANY($2)
	`, ingestID, pq.Array(lessonIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query lesson plans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    models.LessonPlan
			data []byte
		)
		if err := rows.Scan(&p.ID, &p.IngestID, &p.LessonID, &data, &p.DataHash, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lesson plan: %w", err)
		}
		p.Data = data
		out[p.LessonID] = p
	}
	return out, rows.Err()
}

// CreateLessonPlanParts inserts parts with a single multi-row statement.
// Parts already stored for the same plan and key are left untouched.
func (s *PostgresStore) CreateLessonPlanParts(ctx context.Context, parts []models.LessonPlanPart) error {
	if len(parts) == 0 {
		return nil
	}

	const cols = 8
	var sb strings.Builder
	sb.WriteString(`INSERT INTO ingest_lesson_plan_parts
		(id, ingest_id, lesson_id, lesson_plan_id, key, value_text, value_json, created_at) VALUES `)

	args := make([]any, 0, len(parts)*cols)
	now := time.Now().UTC()
	for i, p := range parts {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, p.ID, p.IngestID, p.LessonID, p.LessonPlanID, p.Key, p.ValueText, []byte(p.ValueJSON), now)
	}

	sb.WriteString(" ON CONFLICT (lesson_plan_id, key) DO NOTHING")

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d lesson plan parts: %w", len(parts), err)
	}
	return nil
}

// GetPartsByLessonIDs returns the parts of the given lessons' current plans.
func (s *PostgresStore) GetPartsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) ([]models.LessonPlanPart, error) {
	if len(lessonIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.ingest_id, p.lesson_id, p.lesson_plan_id, p.key, p.value_text, p.value_json,
			p.embedding, p.created_at
		FROM ingest_lesson_plan_parts p
		JOIN ingest_lessons l ON l.id = p.lesson_id AND l.lesson_plan_id = p.lesson_plan_id
		WHERE p.ingest_id = $1 AND p.lesson_id = ANY($2)
		ORDER BY p.created_at, p.id
	`, ingestID, pq.Array(lessonIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query lesson plan parts: %w", err)
	}
	defer rows.Close()

	var parts []models.LessonPlanPart
	for rows.Next() {
		var (
			p         models.LessonPlanPart
			valueJSON []byte
			embedding *pgvector.Vector
		)
		if err := rows.Scan(&p.ID, &p.IngestID, &p.LessonID, &p.LessonPlanID, &p.Key, &p.ValueText, &valueJSON, &embedding, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lesson plan part: %w", err)
		}
		p.ValueJSON = valueJSON
		if embedding != nil {
			p.Embedding = embedding.Slice()
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// UpdatePartEmbedding writes a vector to a part and returns rows updated.
func (s *PostgresStore) UpdatePartEmbedding(ctx context.Context, partID string, embedding []float32) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_lesson_plan_parts SET embedding = $2::vector WHERE id = $1
	`, partID, pgvector.NewVector(embedding))
	if err != nil {
		return 0, fmt.Errorf("failed to update embedding for part %s: %w", partID, err)
	}
	return res.RowsAffected()
}

// linkLesson points a lesson's artifact column at a freshly inserted row.
func linkLesson(ctx context.Context, tx *sql.Tx, column, artifactID, ingestID, lessonID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE ingest_lessons SET `+column+` = $1, updated_at = NOW() WHERE id = $2 AND ingest_id = $3`,
		artifactID, lessonID, ingestID)
	if err != nil {
		return fmt.Errorf("failed to link %s to lesson %s: %w", column, lessonID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lesson %s: %w", lessonID, ingest.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
