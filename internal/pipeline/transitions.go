package pipeline

import (
	"context"
	"fmt"

	"github.com/lessonplans/ingest/internal/models"
)

// LessonFailure pairs a lesson with the reason it failed a step.
type LessonFailure struct {
	LessonID string
	Err      error
}

// failLessons appends an error record per failure and moves the affected
// lessons from (step, started) to (step, failed). Lessons no longer started
// keep their state.
func (r *Runner) failLessons(ctx context.Context, ingestID string, step models.Step, failures []LessonFailure) (int64, error) {
	if len(failures) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(failures))
	seen := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		if err := r.store.CreateErrorRecord(ctx, ingestID, f.LessonID, step, f.Err.Error()); err != nil {
			return 0, fmt.Errorf("record error for lesson %s: %w", f.LessonID, err)
		}
		r.logger.Warn("lesson failed",
			"ingest_id", ingestID,
			"lesson_id", f.LessonID,
			"step", step,
			"error", f.Err,
		)
		if _, dup := seen[f.LessonID]; !dup {
			seen[f.LessonID] = struct{}{}
			ids = append(ids, f.LessonID)
		}
	}

	n, err := r.store.TransitionLessons(ctx, ingestID, ids, step, models.StepStatusStarted, models.StepStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("mark %d lessons failed: %w", len(ids), err)
	}
	r.metrics.LessonsTransitioned(string(step), string(models.StepStatusFailed), int(n))
	return n, nil
}

// completeLessons moves lessons from (step, started) to (step, completed).
func (r *Runner) completeLessons(ctx context.Context, ingestID string, step models.Step, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.store.TransitionLessons(ctx, ingestID, ids, step, models.StepStatusStarted, models.StepStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("mark %d lessons completed: %w", len(ids), err)
	}
	r.metrics.LessonsTransitioned(string(step), string(models.StepStatusCompleted), int(n))
	return n, nil
}

// claim loads the cohort that completed the step before step and moves it
// to (step, started).
func (r *Runner) claim(ctx context.Context, ingestID string, step models.Step) ([]models.IngestLesson, error) {
	prev, err := step.Previous()
	if err != nil {
		return nil, err
	}
	lessons, err := r.store.LoadLessonsAndUpdateState(ctx, ingestID, prev, step)
	if err != nil {
		return nil, fmt.Errorf("claim lessons for %s: %w", step, err)
	}
	r.metrics.LessonsTransitioned(string(step), string(models.StepStatusStarted), len(lessons))
	r.logger.Info("claimed lessons", "ingest_id", ingestID, "step", step, "from", prev, "count", len(lessons))
	return lessons, nil
}
