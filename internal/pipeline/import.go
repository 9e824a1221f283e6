package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lessonplans/ingest/internal/codec"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
)

// ImportReport summarises an import run.
type ImportReport struct {
	Imported int
	Skipped  int
	Failed   int
}

// Import copies source lessons into the ingest at (import, completed). Lessons
// whose source id is already present are skipped, so re-running an import
// only adds what is new. A lesson whose data cannot be filtered or hashed is
// stored at (import, failed) with an error record.
func (r *Runner) Import(ctx context.Context, ing *models.Ingest, src LessonSource) (ImportReport, error) {
	var report ImportReport

	existing, err := r.store.ListSourceLessonIDs(ctx, ing.ID)
	if err != nil {
		return report, fmt.Errorf("list imported lessons: %w", err)
	}

	pageSize := r.config.SourcePageSize
	if pageSize <= 0 {
		pageSize = DefaultRunnerConfig().SourcePageSize
	}

	var (
		lessons  []models.IngestLesson
		failures []LessonFailure
	)
	for offset := 0; ; offset += pageSize {
		page, err := src.Lessons(ctx, offset, pageSize)
		if err != nil {
			return report, fmt.Errorf("read lesson source at offset %d: %w", offset, err)
		}

		for _, sl := range page {
			if _, ok := existing[sl.ID]; ok {
				report.Skipped++
				continue
			}
			existing[sl.ID] = struct{}{}

			lesson := models.IngestLesson{
				ID:             uuid.New().String(),
				IngestID:       ing.ID,
				SourceLessonID: sl.ID,
				Data:           sl.Data,
				Step:           models.StepImport,
				StepStatus:     models.StepStatusCompleted,
			}
			if err := prepareLessonData(&lesson, ing.Config); err != nil {
				lesson.StepStatus = models.StepStatusFailed
				failures = append(failures, LessonFailure{LessonID: lesson.ID, Err: err})
			}
			lessons = append(lessons, lesson)
		}

		if len(page) < pageSize {
			break
		}
	}

	if len(lessons) == 0 {
		r.logger.Info("no new lessons to import", "ingest_id", ing.ID, "skipped", report.Skipped)
		return report, nil
	}

	err = ingest.InsertInChunks(ctx, lessons, r.config.InsertChunkSize, r.config.InsertConcurrency, r.store.CreateLessons)
	if err != nil {
		return report, fmt.Errorf("insert lessons: %w", err)
	}

	for _, f := range failures {
		if err := r.store.CreateErrorRecord(ctx, ing.ID, f.LessonID, models.StepImport, f.Err.Error()); err != nil {
			return report, fmt.Errorf("record error for lesson %s: %w", f.LessonID, err)
		}
		r.logger.Warn("lesson failed", "ingest_id", ing.ID, "lesson_id", f.LessonID, "step", models.StepImport, "error", f.Err)
	}

	report.Failed = len(failures)
	report.Imported = len(lessons) - len(failures)
	r.metrics.LessonsTransitioned(string(models.StepImport), string(models.StepStatusCompleted), report.Imported)
	r.metrics.LessonsTransitioned(string(models.StepImport), string(models.StepStatusFailed), report.Failed)

	r.logger.Info("import finished",
		"ingest_id", ing.ID,
		"imported", report.Imported,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// prepareLessonData keeps only the configured source fields and hashes the
// result.
func prepareLessonData(lesson *models.IngestLesson, cfg models.IngestConfig) error {
	if !cfg.IncludesAllSourceParts() {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(lesson.Data, &fields); err != nil {
			return fmt.Errorf("lesson data is not an object: %w", err)
		}
		kept := make(map[string]json.RawMessage, len(cfg.SourcePartsToInclude))
		for _, key := range cfg.SourcePartsToInclude {
			if v, ok := fields[key]; ok {
				kept[key] = v
			}
		}
		filtered, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("filter lesson data: %w", err)
		}
		lesson.Data = filtered
	}

	hash, err := codec.Hash(lesson.Data)
	if err != nil {
		return err
	}
	lesson.DataHash = hash
	return nil
}
