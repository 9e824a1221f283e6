package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/lessonplans/ingest/internal/models"
)

// SyncStage is a step whose work runs inline, one lesson at a time.
type SyncStage struct {
	Step      models.Step
	Transform func(ctx context.Context, ing *models.Ingest, lesson models.IngestLesson) error
}

// StageReport summarises one driver invocation.
type StageReport struct {
	Step      models.Step
	Claimed   int
	Completed int
	Failed    int
}

// RunSync claims the stage's cohort and transforms each lesson in order. Each
// lesson is marked completed or failed as soon as its transform returns, and a
// failure never stops the loop. When ctx is cancelled the lessons not yet
// transformed stay started.
func (r *Runner) RunSync(ctx context.Context, ing *models.Ingest, stage SyncStage) (StageReport, error) {
	report := StageReport{Step: stage.Step}

	lessons, err := r.claim(ctx, ing.ID, stage.Step)
	if err != nil {
		return report, err
	}
	report.Claimed = len(lessons)

	// Transitions of finished lessons ignore cancellation.
	record := context.WithoutCancel(ctx)
	for i, lesson := range lessons {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%s interrupted after %d of %d lessons: %w", stage.Step, i, len(lessons), err)
		}

		if err := stage.Transform(ctx, ing, lesson); err != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("%s interrupted at lesson %s: %w", stage.Step, lesson.ID, errors.Join(ctx.Err(), err))
			}
			n, err := r.failLessons(record, ing.ID, stage.Step, []LessonFailure{{LessonID: lesson.ID, Err: err}})
			if err != nil {
				return report, err
			}
			report.Failed += int(n)
			continue
		}

		n, err := r.completeLessons(record, ing.ID, stage.Step, []string{lesson.ID})
		if err != nil {
			return report, err
		}
		report.Completed += int(n)
	}

	r.logger.Info("stage finished",
		"ingest_id", ing.ID,
		"step", stage.Step,
		"claimed", report.Claimed,
		"completed", report.Completed,
		"failed", report.Failed,
	)
	return report, nil
}
