// Package ingest defines the item store behind the ingest state machine and
// the helpers drivers use to move cohorts of lessons between steps.
package ingest

import (
	"context"
	"errors"

	"github.com/lessonplans/ingest/internal/models"
)

var (
	// ErrNotFound is returned when an ingest or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when a persisted ingest config does not
	// match the expected shape.
	ErrInvalidConfig = errors.New("invalid ingest config")
)

// Store is the persistence contract for ingest runs, their lessons and the
// artifacts each step produces. Bulk state updates are the only way lesson
// state changes.
type Store interface {
	IngestStore
	LessonStore
	ArtifactStore
	BatchStore
}

// IngestStore manages ingest runs.
type IngestStore interface {
	// CreateIngest starts a new active run with the given config.
	CreateIngest(ctx context.Context, cfg models.IngestConfig) (*models.Ingest, error)

	// GetLatestIngestID returns the most recently created active ingest.
	GetLatestIngestID(ctx context.Context) (string, error)

	// GetIngestByID loads an ingest, validating its persisted config.
	GetIngestByID(ctx context.Context, id string) (*models.Ingest, error)

	// SetIngestStatus changes the run status. Lessons of inactive runs are
	// invisible to drivers.
	SetIngestStatus(ctx context.Context, id string, status models.IngestStatus) error
}

// LessonStore manages lesson rows and their (step, status) state.
type LessonStore interface {
	// CreateLessons inserts lessons as given; callers set the initial state.
	CreateLessons(ctx context.Context, lessons []models.IngestLesson) error

	// ListSourceLessonIDs returns the source ids already imported into an ingest.
	ListSourceLessonIDs(ctx context.Context, ingestID string) (map[string]struct{}, error)

	// GetLessonsByState returns lessons of an active ingest at (step, status),
	// ordered by creation.
	GetLessonsByState(ctx context.Context, ingestID string, step models.Step, status models.StepStatus) ([]models.IngestLesson, error)

	// UpdateLessonsState sets (step, status) on the given lessons regardless
	// of their current state.
	UpdateLessonsState(ctx context.Context, ingestID string, ids []string, step models.Step, status models.StepStatus) (int64, error)

	// TransitionLessons moves only lessons currently at (step, from) to
	// (step, to) and reports how many moved.
	TransitionLessons(ctx context.Context, ingestID string, ids []string, step models.Step, from, to models.StepStatus) (int64, error)

	// LoadLessonsAndUpdateState atomically claims every lesson of an active
	// ingest at (prevStep, completed), moves it to (currentStep, started) and
	// returns the claimed lessons in their new state.
	LoadLessonsAndUpdateState(ctx context.Context, ingestID string, prevStep, currentStep models.Step) ([]models.IngestLesson, error)

	// CountLessonsByState returns lesson counts grouped by step and status.
	CountLessonsByState(ctx context.Context, ingestID string) (map[models.Step]map[models.StepStatus]int, error)
}

// ArtifactStore persists per-lesson artifacts.
type ArtifactStore interface {
	CreateErrorRecord(ctx context.Context, ingestID, lessonID string, step models.Step, message string) error
	ListErrors(ctx context.Context, ingestID string, step models.Step, limit int) ([]models.IngestError, error)

	// CreateCaptionsRecord stores captions and links them to the lesson.
	CreateCaptionsRecord(ctx context.Context, ingestID, lessonID string, captions []models.CaptionLine) (string, error)
	GetCaptionsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.Captions, error)

	// CreateLessonPlan stores a plan and links it to the lesson.
	CreateLessonPlan(ctx context.Context, plan models.LessonPlan) (string, error)
	GetLessonPlansByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.LessonPlan, error)

	// CreateLessonPlanParts inserts parts; a (plan, key) pair is stored once.
	CreateLessonPlanParts(ctx context.Context, parts []models.LessonPlanPart) error
	// GetPartsByLessonIDs returns the parts of each lesson's linked plan.
	GetPartsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) ([]models.LessonPlanPart, error)

	// UpdatePartEmbedding writes a vector to a part and returns rows updated.
	UpdatePartEmbedding(ctx context.Context, partID string, embedding []float32) (int64, error)
}

// BatchStore tracks submitted provider batches.
type BatchStore interface {
	CreateBatchRecord(ctx context.Context, batch models.IngestOpenAIBatch) (string, error)
	ListPendingBatches(ctx context.Context, ingestID string, batchType models.Step) ([]models.IngestOpenAIBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus, outputFileID, errorFileID *string) error
}
