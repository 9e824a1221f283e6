// Package pipeline drives lessons through the ingest steps. Synchronous
// stages transform each claimed lesson inline; batch stages write the cohort
// to provider batch files and settle results on a later sync.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lessonplans/ingest/internal/batchfile"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/metrics"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/openaibatch"
)

// LessonSource pages through the external lesson catalogue.
type LessonSource interface {
	// Lessons returns up to limit lessons starting at offset. A page shorter
	// than limit ends the listing.
	Lessons(ctx context.Context, offset, limit int) ([]models.SourceLesson, error)
}

// CaptionFetcher retrieves the transcript stored under a filename.
type CaptionFetcher interface {
	FetchCaptions(ctx context.Context, filename string) ([]models.CaptionLine, error)
}

// LessonPlanParser turns model output into a lesson plan keyed by section.
type LessonPlanParser interface {
	ParseLessonPlan(content string) (map[string]json.RawMessage, error)
}

// RequestBuilder produces the chat request that generates a lesson's plan.
type RequestBuilder interface {
	BuildLessonPlanRequest(ctx context.Context, ing *models.Ingest, lesson models.IngestLesson, captions *models.Captions) (openai.ChatCompletionRequest, error)
}

// BatchClient is the subset of the provider batch API the drivers use.
type BatchClient interface {
	Upload(ctx context.Context, path string) (string, error)
	Submit(ctx context.Context, fileID string, endpoint openai.BatchEndpoint) (string, error)
	Retrieve(ctx context.Context, batchID string) (openaibatch.Status, error)
	Download(ctx context.Context, fileID string) (string, error)
}

// Archiver keeps copies of batch inputs and results.
type Archiver interface {
	Store(ctx context.Context, key string, body io.Reader) error
}

// RunnerConfig holds tunables for the drivers.
type RunnerConfig struct {
	BatchDir          string
	MaxRowsPerBatch   int
	MaxBytesPerBatch  int64
	InsertChunkSize   int
	InsertConcurrency int
	SourcePageSize    int
}

// DefaultRunnerConfig returns the provider limits and store defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BatchDir:          "batches",
		MaxRowsPerBatch:   batchfile.DefaultMaxRows,
		MaxBytesPerBatch:  batchfile.DefaultMaxBytes,
		InsertChunkSize:   ingest.DefaultInsertChunkSize,
		InsertConcurrency: ingest.DefaultInsertConcurrency,
		SourcePageSize:    1000,
	}
}

// Runner executes stages against a store. It holds no per-run state, so one
// Runner may drive any ingest.
type Runner struct {
	store    ingest.Store
	client   BatchClient
	archiver Archiver
	metrics  *metrics.PipelineCollector
	logger   *slog.Logger
	config   RunnerConfig
}

// NewRunner creates a Runner. client may be nil when only synchronous stages
// are run; archiver and collector may be nil.
func NewRunner(
	store ingest.Store,
	client BatchClient,
	archiver Archiver,
	collector *metrics.PipelineCollector,
	logger *slog.Logger,
	config RunnerConfig,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		client:   client,
		archiver: archiver,
		metrics:  collector,
		logger:   logger,
		config:   config,
	}
}
