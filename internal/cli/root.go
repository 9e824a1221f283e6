// Package cli provides the command-line interface for the lesson ingest
// pipeline. Each command runs one driver against one ingest and exits; sync
// commands are meant to be invoked repeatedly by a scheduler.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lessonplans/ingest/internal/config"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/metrics"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/pipeline"
)

// Version is set at build time.
var Version = "0.1.0"

// Env is everything a command needs. Fields a command does not use may be
// nil.
type Env struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   ingest.Store
	Runner  *pipeline.Runner
	Metrics *metrics.PipelineCollector

	Source  pipeline.LessonSource
	Fetcher pipeline.CaptionFetcher
	Builder pipeline.RequestBuilder
	Parser  pipeline.LessonPlanParser

	closers []func() error
}

// Close releases the environment's resources in reverse order.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// SetupFunc builds the environment before a command runs.
type SetupFunc func(ctx context.Context) (*Env, error)

type app struct {
	setup    SetupFunc
	env      *Env
	logger   *slog.Logger
	ingestID string
	started  time.Time
}

// NewRootCommand builds the command tree. setup runs once before any
// subcommand.
func NewRootCommand(setup SetupFunc) *cobra.Command {
	root, _ := newRoot(setup)
	return root
}

func newRoot(setup SetupFunc) (*cobra.Command, *app) {
	a := &app{setup: setup}

	root := &cobra.Command{
		Use:   "ingest",
		Short: "Lesson plan ingest pipeline",
		Long: `Moves lessons through import, captions_fetch, lesson_plan_generation,
chunking and embedding. Each command runs one step for one ingest:

  start        create an ingest and import lessons
  captions     fetch captions
  lp-start     submit lesson plan generation batches
  lp-sync      settle finished lesson plan batches
  chunk        split lesson plans into parts
  embed-start  submit embedding batches
  embed-sync   settle finished embedding batches

Commands act on the most recent active ingest unless --ingest-id is given.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			env, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			a.env = env
			a.logger = env.Logger
			a.started = time.Now()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.finish(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.ingestID, "ingest-id", "", "ingest to act on (default: most recent active)")

	root.AddCommand(
		newStartCmd(a),
		a.syncStageCmd("captions", "Fetch captions for imported lessons", func(env *Env) (pipeline.SyncStage, error) {
			if env.Fetcher == nil {
				return pipeline.SyncStage{}, errors.New("CAPTIONS_BASE_URL is required")
			}
			return env.Runner.CaptionsStage(env.Fetcher), nil
		}),
		a.batchStartCmd("lp-start", "Submit lesson plan generation batches", lessonPlanStage),
		a.batchSyncCmd("lp-sync", "Settle finished lesson plan generation batches", lessonPlanStage),
		a.syncStageCmd("chunk", "Split generated lesson plans into parts", func(env *Env) (pipeline.SyncStage, error) {
			return env.Runner.ChunkingStage(), nil
		}),
		a.batchStartCmd("embed-start", "Submit embedding batches", embeddingStage),
		a.batchSyncCmd("embed-sync", "Settle finished embedding batches", embeddingStage),
		newStatusCmd(a),
		newResetCmd(a),
		newDeactivateCmd(a),
	)
	return root, a
}

// Execute runs the CLI with the production environment and returns the
// process exit code.
func Execute(ctx context.Context) int {
	if err := Run(ctx, Setup, os.Args[1:], os.Stdout); err != nil {
		return 1
	}
	return 0
}

// Run executes one command. The error is logged before it is returned.
func Run(ctx context.Context, setup SetupFunc, args []string, out io.Writer) error {
	root, a := newRoot(setup)
	root.SetArgs(args)
	root.SetOut(out)

	cmd, err := root.ExecuteContextC(ctx)
	if a.env != nil {
		// post-run hooks are skipped when a command fails
		err = errors.Join(err, a.finish(cmd))
	}
	if err != nil {
		a.log().Error("command failed", "command", cmd.Name(), "args", args, "error", err)
	}
	return err
}

func (a *app) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// finish records the command duration, pushes metrics and closes the env.
func (a *app) finish(cmd *cobra.Command) error {
	env := a.env
	if env == nil {
		return nil
	}
	env.Metrics.ObserveDriver(cmd.Name(), time.Since(a.started))

	var errs []error
	if url := env.Config.Metrics.PushgatewayURL; url != "" {
		instance, _ := os.Hostname()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		defer cancel()
		if err := env.Metrics.Push(ctx, url, env.Config.Metrics.Job, instance); err != nil {
			env.Logger.Warn("failed to push metrics", "error", err)
		}
	}
	if err := env.Close(); err != nil {
		errs = append(errs, err)
	}
	a.env = nil
	return errors.Join(errs...)
}

// resolveIngest loads the ingest named by --ingest-id, or the most recent
// active one.
func (a *app) resolveIngest(ctx context.Context) (*models.Ingest, error) {
	id := a.ingestID
	if id == "" {
		latest, err := a.env.Store.GetLatestIngestID(ctx)
		if errors.Is(err, ingest.ErrNotFound) {
			return nil, errors.New("no active ingest; run start first or pass --ingest-id")
		}
		if err != nil {
			return nil, fmt.Errorf("find latest ingest: %w", err)
		}
		id = latest
	}

	ing, err := a.env.Store.GetIngestByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load ingest %s: %w", id, err)
	}
	a.env.Logger.Debug("resolved ingest", "ingest_id", ing.ID, "status", ing.Status)
	return ing, nil
}

func (a *app) syncStageCmd(use, short string, stage func(*Env) (pipeline.SyncStage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			s, err := stage(a.env)
			if err != nil {
				return err
			}
			report, err := a.env.Runner.RunSync(ctx, ing, s)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s: claimed %d, completed %d, failed %d\n", report.Step, report.Claimed, report.Completed, report.Failed)
			return nil
		},
	}
}

func (a *app) batchStartCmd(use, short string, stage func(*Env) pipeline.BatchStage) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			report, err := a.env.Runner.StartBatch(ctx, ing, stage(a.env))
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s: claimed %d, failed %d, submitted %d lines in %d batches\n",
				report.Step, report.Claimed, report.Failed, report.Lines, len(report.Batches))
			return nil
		},
	}
}

func (a *app) batchSyncCmd(use, short string, stage func(*Env) pipeline.BatchStage) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			report, err := a.env.Runner.SyncBatches(ctx, ing, stage(a.env))
			printf(cmd.OutOrStdout(), "%s: %d pending, %d completed, %d failed batches; %d lessons completed, %d failed\n",
				report.Step, report.Pending, report.Completed, report.Failed, report.LessonsCompleted, report.LessonsFailed)
			if report.LessonsHeld > 0 {
				printf(cmd.OutOrStdout(), "%d lessons left started by failed batches; inspect them and run reset --step %s --from-status started\n",
					report.LessonsHeld, report.Step)
			}
			return err
		},
	}
}

func lessonPlanStage(env *Env) pipeline.BatchStage {
	return env.Runner.LessonPlanStage(env.Builder, env.Parser)
}

func embeddingStage(env *Env) pipeline.BatchStage {
	return env.Runner.EmbeddingStage()
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
