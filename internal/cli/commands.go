package cli

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/pipeline"
)

func newStartCmd(a *app) *cobra.Command {
	var sourceFile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create an ingest and import lessons from the source",
		Long: `Create a new active ingest with the configured models and import every
lesson from the source into it. With --ingest-id, import into that ingest
instead; lessons already imported are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env := a.env

			src := env.Source
			if sourceFile != "" {
				src = pipeline.NewJSONLSource(sourceFile)
			}
			if src == nil {
				return errors.New("no lesson source; set LESSON_SOURCE_FILE or pass --source")
			}

			var (
				ing *models.Ingest
				err error
			)
			if a.ingestID != "" {
				ing, err = a.resolveIngest(ctx)
			} else {
				ing, err = env.Store.CreateIngest(ctx, env.Config.Ingest)
				if err == nil {
					env.Logger.Info("created ingest", "ingest_id", ing.ID, "config", ing.Config)
				}
			}
			if err != nil {
				return err
			}

			report, err := env.Runner.Import(ctx, ing, src)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "ingest %s: imported %d, skipped %d, failed %d\n", ing.ID, report.Imported, report.Skipped, report.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceFile, "source", "", "JSONL lesson export (default: LESSON_SOURCE_FILE)")
	return cmd
}

var batchSteps = []models.Step{models.StepLessonPlanGeneration, models.StepEmbedding}

func newStatusCmd(a *app) *cobra.Command {
	var errorLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lesson counts per step, pending batches and recent errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			store := a.env.Store

			counts, err := store.CountLessonsByState(ctx, ing.ID)
			if err != nil {
				return fmt.Errorf("count lessons: %w", err)
			}

			out := cmd.OutOrStdout()
			printf(out, "ingest %s (%s, created %s)\n\n", ing.ID, ing.Status, ing.CreatedAt.Format("2006-01-02 15:04"))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(w, "STEP\tSTARTED\tCOMPLETED\tFAILED\n")
			for _, step := range models.Steps {
				c := counts[step]
				printf(w, "%s\t%d\t%d\t%d\n", step, c[models.StepStatusStarted], c[models.StepStatusCompleted], c[models.StepStatusFailed])
			}
			if err := w.Flush(); err != nil {
				return err
			}

			printf(out, "\npending batches:\n")
			for _, step := range batchSteps {
				pending, err := store.ListPendingBatches(ctx, ing.ID, step)
				if err != nil {
					return fmt.Errorf("list pending batches: %w", err)
				}
				printf(out, "  %s: %d\n", step, len(pending))
				for _, b := range pending {
					printf(out, "    %s submitted %s\n", b.OpenAIBatchID, b.CreatedAt.Format("2006-01-02 15:04"))
				}
			}

			if errorLimit > 0 {
				records, err := store.ListErrors(ctx, ing.ID, "", errorLimit)
				if err != nil {
					return fmt.Errorf("list errors: %w", err)
				}
				printf(out, "\nrecent errors:\n")
				for _, rec := range records {
					printf(out, "  %s %s %s: %s\n", rec.CreatedAt.Format("2006-01-02 15:04"), rec.Step, rec.LessonID, rec.ErrorMessage)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&errorLimit, "errors", 10, "number of recent errors to show (0 hides them)")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var stepName, statusName string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Return lessons at a step to the previous step's completed state",
		Long: `Move every lesson at (--step, --from-status) back to the previous step's
completed state so the next run of --step picks it up again.

Examples:
  ingest reset --step lesson_plan_generation --from-status failed
  ingest reset --step embedding --from-status started`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			step, err := models.ParseStep(stepName)
			if err != nil {
				return err
			}
			status, err := models.ParseStepStatus(statusName)
			if err != nil {
				return err
			}
			prev, err := step.Previous()
			if err != nil {
				return fmt.Errorf("cannot reset %s: %w", step, err)
			}

			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			lessons, err := a.env.Store.GetLessonsByState(ctx, ing.ID, step, status)
			if err != nil {
				return fmt.Errorf("load lessons: %w", err)
			}
			ids := make([]string, len(lessons))
			for i, l := range lessons {
				ids[i] = l.ID
			}
			sort.Strings(ids)

			n, err := a.env.Store.UpdateLessonsState(ctx, ing.ID, ids, prev, models.StepStatusCompleted)
			if err != nil {
				return fmt.Errorf("reset lessons: %w", err)
			}
			a.env.Logger.Info("lessons reset", "ingest_id", ing.ID, "step", step, "from_status", status, "to_step", prev, "count", n)
			printf(cmd.OutOrStdout(), "reset %d lessons from (%s, %s) to (%s, completed)\n", n, step, status, prev)
			return nil
		},
	}
	cmd.Flags().StringVar(&stepName, "step", "", "step to reset")
	cmd.Flags().StringVar(&statusName, "from-status", string(models.StepStatusFailed), "status of the lessons to reset")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func newDeactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Mark the ingest inactive so no command acts on its lessons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, err := a.resolveIngest(ctx)
			if err != nil {
				return err
			}
			if err := a.env.Store.SetIngestStatus(ctx, ing.ID, models.IngestStatusInactive); err != nil {
				return fmt.Errorf("deactivate ingest: %w", err)
			}
			a.env.Logger.Info("ingest deactivated", "ingest_id", ing.ID)
			printf(cmd.OutOrStdout(), "ingest %s deactivated\n", ing.ID)
			return nil
		},
	}
}
