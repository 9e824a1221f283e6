package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/lessonplans/ingest/internal/archive"
	"github.com/lessonplans/ingest/internal/cloudsql"
	"github.com/lessonplans/ingest/internal/config"
	"github.com/lessonplans/ingest/internal/database"
	"github.com/lessonplans/ingest/internal/logging"
	"github.com/lessonplans/ingest/internal/metrics"
	"github.com/lessonplans/ingest/internal/openaibatch"
	"github.com/lessonplans/ingest/internal/pipeline"
)

// Setup wires the production environment: configuration from the
// environment and .env files, logging, Postgres with migrations applied, the
// OpenAI batch client, the archive backend and metrics.
func Setup(ctx context.Context) (*Env, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	env := &Env{Config: cfg, Logger: logger}
	env.closers = append(env.closers, closeLog)

	fail := func(err error) (*Env, error) {
		_ = env.Close()
		return nil, err
	}

	logger.Info("database configuration", "config", cloudsql.Describe(os.Getenv))
	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return fail(err)
	}
	env.closers = append(env.closers, db.Close)

	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsDir, logger); err != nil {
		return fail(fmt.Errorf("run migrations: %w", err))
	}
	store := database.NewPostgresStore(db)

	client, err := openaibatch.New(cfg.OpenAI.APIKey,
		openaibatch.WithBaseURL(cfg.OpenAI.BaseURL),
		openaibatch.WithLogger(logger),
	)
	if err != nil {
		return fail(err)
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fail(fmt.Errorf("init archive: %w", err))
	}

	collector, err := metrics.NewPipelineCollector()
	if err != nil {
		return fail(fmt.Errorf("init metrics: %w", err))
	}

	runnerCfg := pipeline.DefaultRunnerConfig()
	runnerCfg.BatchDir = cfg.Batch.Dir
	runnerCfg.MaxRowsPerBatch = cfg.Batch.MaxRows
	runnerCfg.MaxBytesPerBatch = cfg.Batch.MaxBytes

	env.Store = store
	env.Metrics = collector
	env.Runner = pipeline.NewRunner(store, client, archiver, collector, logger, runnerCfg)
	env.Builder = pipeline.DefaultRequestBuilder{}
	env.Parser = pipeline.JSONLessonPlanParser{}
	if cfg.Sources.LessonFile != "" {
		env.Source = pipeline.NewJSONLSource(cfg.Sources.LessonFile)
	}
	if cfg.Sources.CaptionsBaseURL != "" {
		env.Fetcher = pipeline.NewHTTPCaptionFetcher(cfg.Sources.CaptionsBaseURL, cfg.Sources.CaptionsTimeout)
	}
	return env, nil
}
