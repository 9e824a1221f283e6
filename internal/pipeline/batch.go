package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lessonplans/ingest/internal/batchfile"
	"github.com/lessonplans/ingest/internal/codec"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/openaibatch"
)

// ErrNoBatchClient is returned when a batch driver runs without a client.
var ErrNoBatchClient = errors.New("batch client is not configured")

// Batch line outcomes reported to metrics.
const (
	lineSucceeded = "succeeded"
	lineFailed    = "failed"
	lineSkipped   = "skipped"
	lineMalformed = "malformed"
)

// BatchStage is a step whose work runs through provider batches.
type BatchStage struct {
	Step     models.Step
	Endpoint openai.BatchEndpoint
	Task     codec.Task

	// BuildLines loads what the cohort's requests are made from and returns
	// one item per request line. Lessons that cannot produce lines are
	// returned in failed. An error fails the whole cohort.
	BuildLines func(ctx context.Context, ing *models.Ingest, lessons []models.IngestLesson) (items []LineItem, failed map[string]error, err error)

	// HandleLine persists the result of one successful output line.
	HandleLine func(ctx context.Context, ing *models.Ingest, line openaibatch.ResponseLine) error

	// Settle, when set, decides which lessons with only successful lines in
	// this batch are finished. Lessons it returns in neither list stay started.
	Settle func(ctx context.Context, ing *models.Ingest, lessonIDs []string) (completed []string, failures []LessonFailure, err error)
}

// LineItem is one request line of a lesson. Build runs as the line is
// written; an error fails the lesson and drops its remaining lines.
type LineItem struct {
	LessonID string
	Build    func() (any, error)
}

// BatchReport summarises a batch start.
type BatchReport struct {
	StageReport
	Lines   int
	Batches []string
}

// SyncReport counts the pending batch records visited by a sync.
type SyncReport struct {
	Step             models.Step
	Pending          int
	Completed        int
	Failed           int
	LessonsCompleted int
	LessonsFailed    int
	// LessonsHeld counts lessons left started by batches that ended without
	// output.
	LessonsHeld int
}

// StartBatch claims the stage's cohort, writes its request lines to JSONL
// files within provider limits and submits one batch per file. A pending
// batch record is stored per submitted file.
func (r *Runner) StartBatch(ctx context.Context, ing *models.Ingest, stage BatchStage) (BatchReport, error) {
	report := BatchReport{StageReport: StageReport{Step: stage.Step}}
	if r.client == nil {
		return report, ErrNoBatchClient
	}

	lessons, err := r.claim(ctx, ing.ID, stage.Step)
	if err != nil {
		return report, err
	}
	report.Claimed = len(lessons)
	if len(lessons) == 0 {
		r.logger.Info("nothing to submit", "ingest_id", ing.ID, "step", stage.Step)
		return report, nil
	}

	items, failed, err := stage.BuildLines(ctx, ing, lessons)
	if err != nil {
		return report, r.failCohort(ctx, ing.ID, stage.Step, lessonIDs(lessons), fmt.Errorf("build batch lines: %w", err))
	}
	if failed == nil {
		failed = make(map[string]error)
	}

	parts, lines, writeErr := r.writeBatchFiles(ing.ID, stage.Step, items, failed)

	failures := make([]LessonFailure, 0, len(failed))
	for _, lesson := range lessons {
		if ferr, ok := failed[lesson.ID]; ok {
			failures = append(failures, LessonFailure{LessonID: lesson.ID, Err: ferr})
		}
	}
	n, err := r.failLessons(ctx, ing.ID, stage.Step, failures)
	if err != nil {
		return report, errors.Join(err, writeErr)
	}
	report.Failed = int(n)
	report.Lines = lines

	if writeErr != nil {
		pending := pendingLessonIDs(lessons, failed)
		ferr := r.failCohort(ctx, ing.ID, stage.Step, pending, writeErr)
		report.Failed += len(pending)
		return report, ferr
	}
	if lines == 0 {
		r.logger.Info("no batch lines built", "ingest_id", ing.ID, "step", stage.Step, "failed", report.Failed)
		return report, nil
	}

	for i, part := range parts {
		batchID, err := r.submitPart(ctx, ing, stage, part)
		if err != nil {
			unsubmitted := r.lessonsInFiles(stage.Task, parts[i:])
			ferr := r.failCohort(ctx, ing.ID, stage.Step, unsubmitted, err)
			report.Failed += len(unsubmitted)
			return report, ferr
		}
		report.Batches = append(report.Batches, batchID)
	}

	r.logger.Info("batches submitted",
		"ingest_id", ing.ID,
		"step", stage.Step,
		"lessons", report.Claimed-report.Failed,
		"lines", report.Lines,
		"batches", len(report.Batches),
	)
	return report, nil
}

// writeBatchFiles builds and writes each item's line, then splits the file
// within the provider limits. Lessons whose lines fail to build are added to
// failed. No files are returned when nothing was written.
func (r *Runner) writeBatchFiles(ingestID string, step models.Step, items []LineItem, failed map[string]error) ([]string, int, error) {
	dir := filepath.Join(r.config.BatchDir, ingestID)
	lines := 0
	file, err := batchfile.WriteBatchFile(dir, string(step), items, func(item LineItem) (any, error) {
		if _, bad := failed[item.LessonID]; bad {
			return nil, batchfile.ErrSkipItem
		}
		line, err := item.Build()
		if err != nil {
			failed[item.LessonID] = err
			return nil, batchfile.ErrSkipItem
		}
		lines++
		return line, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("write batch file: %w", err)
	}
	if lines == 0 {
		_ = os.Remove(file)
		return nil, 0, nil
	}

	parts, err := batchfile.SplitByRowsOrSize(file, r.config.MaxRowsPerBatch, r.config.MaxBytesPerBatch)
	if err != nil {
		_ = os.Remove(file)
		return nil, lines, fmt.Errorf("split batch file: %w", err)
	}
	if err := os.Remove(file); err != nil {
		r.logger.Warn("failed to remove unsplit batch file", "path", file, "error", err)
	}
	return parts, lines, nil
}

func (r *Runner) submitPart(ctx context.Context, ing *models.Ingest, stage BatchStage, part string) (string, error) {
	r.archiveFile(ctx, archiveKey(ing.ID, stage.Step, "input", filepath.Base(part)), part)

	fileID, err := r.client.Upload(ctx, part)
	if err != nil {
		r.metrics.Batch(string(stage.Step), "upload_failed")
		return "", err
	}
	batchID, err := r.client.Submit(ctx, fileID, stage.Endpoint)
	if err != nil {
		r.metrics.Batch(string(stage.Step), "submit_failed")
		return "", err
	}

	_, err = r.store.CreateBatchRecord(ctx, models.IngestOpenAIBatch{
		ID:            uuid.New().String(),
		IngestID:      ing.ID,
		BatchType:     stage.Step,
		OpenAIBatchID: batchID,
		InputFilePath: part,
		Status:        models.BatchStatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("record batch %s: %w", batchID, err)
	}

	r.metrics.Batch(string(stage.Step), "submitted")
	r.logger.Info("batch submitted", "ingest_id", ing.ID, "step", stage.Step, "batch_id", batchID, "file_id", fileID, "path", part)
	return batchID, nil
}

// SyncBatches polls every pending batch of the stage. Completed batches have
// their error file and output file settled against the lessons still started
// at the step. Batches that ended any other way are marked failed and their
// lessons are left started. Batches that cannot be retrieved or settled stay
// pending for the next sync.
func (r *Runner) SyncBatches(ctx context.Context, ing *models.Ingest, stage BatchStage) (SyncReport, error) {
	report := SyncReport{Step: stage.Step}
	if r.client == nil {
		return report, ErrNoBatchClient
	}

	records, err := r.store.ListPendingBatches(ctx, ing.ID, stage.Step)
	if err != nil {
		return report, fmt.Errorf("list pending batches: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		status, err := r.client.Retrieve(ctx, rec.OpenAIBatchID)
		if err != nil {
			r.logger.Error("failed to retrieve batch", "ingest_id", ing.ID, "step", stage.Step, "batch_id", rec.OpenAIBatchID, "error", err)
			errs = append(errs, err)
			report.Pending++
			continue
		}

		switch {
		case status.State.InFlight():
			r.logger.Info("batch still running", "ingest_id", ing.ID, "step", stage.Step, "batch_id", rec.OpenAIBatchID, "state", status.State)
			report.Pending++

		case status.State == openaibatch.StateCompleted:
			done, failed, err := r.settleCompleted(ctx, ing, stage, rec, status)
			if err != nil {
				r.logger.Error("failed to settle batch", "ingest_id", ing.ID, "step", stage.Step, "batch_id", rec.OpenAIBatchID, "error", err)
				errs = append(errs, fmt.Errorf("settle batch %s: %w", rec.OpenAIBatchID, err))
				report.Pending++
				continue
			}
			report.Completed++
			report.LessonsCompleted += done
			report.LessonsFailed += failed

		default:
			held, err := r.settleFailed(ctx, ing, stage, rec, status)
			if err != nil {
				errs = append(errs, fmt.Errorf("settle batch %s: %w", rec.OpenAIBatchID, err))
				report.Pending++
				continue
			}
			report.Failed++
			report.LessonsHeld += held
		}
	}

	r.logger.Info("batch sync finished",
		"ingest_id", ing.ID,
		"step", stage.Step,
		"pending", report.Pending,
		"completed", report.Completed,
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

func (r *Runner) settleCompleted(
	ctx context.Context,
	ing *models.Ingest,
	stage BatchStage,
	rec models.IngestOpenAIBatch,
	status openaibatch.Status,
) (int, int, error) {
	started, err := r.startedLessons(ctx, ing.ID, stage.Step)
	if err != nil {
		return 0, 0, err
	}

	outcome := newLineOutcome()
	if status.ErrorFileID != "" {
		err := r.readResultFile(ctx, ing.ID, stage, status.ErrorFileID, "errors", func(line openaibatch.ResponseLine, lessonID string) {
			ferr := line.Failure()
			if ferr == nil {
				ferr = fmt.Errorf("batch line %s reported in error file", line.CustomID)
			}
			outcome.fail(lessonID, ferr)
		}, started)
		if err != nil {
			return 0, 0, err
		}
	}
	if status.OutputFileID != "" {
		err := r.readResultFile(ctx, ing.ID, stage, status.OutputFileID, "output", func(line openaibatch.ResponseLine, lessonID string) {
			if ferr := line.Failure(); ferr != nil {
				outcome.fail(lessonID, ferr)
				return
			}
			if herr := stage.HandleLine(ctx, ing, line); herr != nil {
				outcome.fail(lessonID, herr)
				return
			}
			outcome.succeed(lessonID)
		}, started)
		if err != nil {
			return 0, 0, err
		}
	}

	failures := outcome.failures()
	succeeded := outcome.succeeded()
	if stage.Settle != nil && len(succeeded) > 0 {
		var settleFailures []LessonFailure
		succeeded, settleFailures, err = stage.Settle(ctx, ing, succeeded)
		if err != nil {
			return 0, 0, err
		}
		failures = append(failures, settleFailures...)
	}

	r.metrics.BatchLines(string(stage.Step), lineSucceeded, outcome.lines[lineSucceeded])
	r.metrics.BatchLines(string(stage.Step), lineFailed, outcome.lines[lineFailed])

	failed, err := r.failLessons(ctx, ing.ID, stage.Step, failures)
	if err != nil {
		return 0, 0, err
	}
	completed, err := r.completeLessons(ctx, ing.ID, stage.Step, succeeded)
	if err != nil {
		return 0, int(failed), err
	}

	if err := r.store.UpdateBatchStatus(ctx, rec.ID, models.BatchStatusCompleted, optional(status.OutputFileID), optional(status.ErrorFileID)); err != nil {
		return int(completed), int(failed), fmt.Errorf("mark batch completed: %w", err)
	}
	r.metrics.Batch(string(stage.Step), "completed")
	r.logger.Info("batch settled",
		"ingest_id", ing.ID,
		"step", stage.Step,
		"batch_id", rec.OpenAIBatchID,
		"completed", completed,
		"failed", failed,
	)
	return int(completed), int(failed), nil
}

// readResultFile downloads and archives a result file, then calls fn for each
// line that belongs to a lesson still started at the step.
func (r *Runner) readResultFile(
	ctx context.Context,
	ingestID string,
	stage BatchStage,
	fileID, kind string,
	fn func(line openaibatch.ResponseLine, lessonID string),
	started map[string]struct{},
) error {
	content, err := r.client.Download(ctx, fileID)
	if err != nil {
		return err
	}
	r.archiveString(ctx, archiveKey(ingestID, stage.Step, kind, fileID+".jsonl"), content)

	skipped, malformed := 0, 0
	err = batchfile.ReadLines(strings.NewReader(content), func(lineNo int, raw []byte) error {
		line, err := openaibatch.ParseResponseLine(raw)
		if err != nil {
			malformed++
			r.logger.Warn("unreadable batch line", "ingest_id", ingestID, "step", stage.Step, "file_id", fileID, "line", lineNo, "error", err)
			return nil
		}
		lessonID, err := codec.DecodeLessonID(stage.Task, line.CustomID)
		if err != nil {
			malformed++
			r.logger.Warn("undecodable custom id", "ingest_id", ingestID, "step", stage.Step, "file_id", fileID, "line", lineNo, "error", err)
			return nil
		}
		if _, ok := started[lessonID]; !ok {
			skipped++
			return nil
		}
		fn(line, lessonID)
		return nil
	})
	r.metrics.BatchLines(string(stage.Step), lineSkipped, skipped)
	r.metrics.BatchLines(string(stage.Step), lineMalformed, malformed)
	return err
}

// settleFailed marks a batch that ended without output as failed. Its lessons
// stay started at the step until an operator inspects the batch and resets
// them; the count of such lessons is returned.
func (r *Runner) settleFailed(
	ctx context.Context,
	ing *models.Ingest,
	stage BatchStage,
	rec models.IngestOpenAIBatch,
	status openaibatch.Status,
) (int, error) {
	reason := fmt.Sprintf("batch %s ended %s", rec.OpenAIBatchID, status.State)
	if len(status.Errors) > 0 {
		reason += ": " + strings.Join(status.Errors, "; ")
	}

	started, err := r.startedLessons(ctx, ing.ID, stage.Step)
	if err != nil {
		return 0, err
	}
	held := 0
	for _, id := range r.lessonsInFiles(stage.Task, []string{rec.InputFilePath}) {
		if _, ok := started[id]; ok {
			held++
		}
	}

	if err := r.store.UpdateBatchStatus(ctx, rec.ID, models.BatchStatusFailed, optional(status.OutputFileID), optional(status.ErrorFileID)); err != nil {
		return 0, fmt.Errorf("mark batch failed: %w", err)
	}
	r.metrics.Batch(string(stage.Step), string(status.State))
	r.logger.Error("batch did not complete; lessons left started for inspection",
		"ingest_id", ing.ID,
		"step", stage.Step,
		"batch_id", rec.OpenAIBatchID,
		"state", status.State,
		"reason", reason,
		"lessons", held,
		"input_file", rec.InputFilePath,
	)
	return held, nil
}

// failCohort records cause against every lesson and returns it, joined with
// any error from recording.
func (r *Runner) failCohort(ctx context.Context, ingestID string, step models.Step, ids []string, cause error) error {
	failures := make([]LessonFailure, len(ids))
	for i, id := range ids {
		failures[i] = LessonFailure{LessonID: id, Err: cause}
	}
	if _, err := r.failLessons(context.WithoutCancel(ctx), ingestID, step, failures); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Runner) startedLessons(ctx context.Context, ingestID string, step models.Step) (map[string]struct{}, error) {
	lessons, err := r.store.GetLessonsByState(ctx, ingestID, step, models.StepStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("load started lessons: %w", err)
	}
	ids := make(map[string]struct{}, len(lessons))
	for _, l := range lessons {
		ids[l.ID] = struct{}{}
	}
	return ids, nil
}

// lessonsInFiles reads the custom ids of request files and returns the
// distinct lesson ids in first-seen order. Unreadable files are logged.
func (r *Runner) lessonsInFiles(task codec.Task, paths []string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			r.logger.Warn("cannot read batch input file", "path", p, "error", err)
			continue
		}
		err = batchfile.ReadLines(f, func(_ int, raw []byte) error {
			var line struct {
				CustomID string `json:"custom_id"`
			}
			if err := json.Unmarshal(raw, &line); err != nil {
				return nil
			}
			id, err := codec.DecodeLessonID(task, line.CustomID)
			if err != nil {
				return nil
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return nil
		})
		f.Close()
		if err != nil {
			r.logger.Warn("cannot read batch input file", "path", p, "error", err)
		}
	}
	return ids
}

func (r *Runner) archiveFile(ctx context.Context, key, p string) {
	if r.archiver == nil {
		return
	}
	f, err := os.Open(p)
	if err != nil {
		r.logger.Warn("archive skipped", "key", key, "error", err)
		return
	}
	defer f.Close()
	if err := r.archiver.Store(ctx, key, f); err != nil {
		r.logger.Warn("archive failed", "key", key, "error", err)
	}
}

func (r *Runner) archiveString(ctx context.Context, key, content string) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.Store(ctx, key, strings.NewReader(content)); err != nil {
		r.logger.Warn("archive failed", "key", key, "error", err)
	}
}

func archiveKey(ingestID string, step models.Step, kind, name string) string {
	return path.Join(ingestID, string(step), kind, name)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func lessonIDs(lessons []models.IngestLesson) []string {
	ids := make([]string, len(lessons))
	for i, l := range lessons {
		ids[i] = l.ID
	}
	return ids
}

func pendingLessonIDs(lessons []models.IngestLesson, failed map[string]error) []string {
	ids := make([]string, 0, len(lessons))
	for _, l := range lessons {
		if _, ok := failed[l.ID]; !ok {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

// lineOutcome collects per-lesson results across the files of one batch. A
// lesson with any failed line is failed.
type lineOutcome struct {
	order  []string
	failed map[string]error
	ok     map[string]struct{}
	lines  map[string]int
}

func newLineOutcome() *lineOutcome {
	return &lineOutcome{
		failed: make(map[string]error),
		ok:     make(map[string]struct{}),
		lines:  make(map[string]int),
	}
}

func (o *lineOutcome) see(id string) {
	if _, f := o.failed[id]; f {
		return
	}
	if _, s := o.ok[id]; s {
		return
	}
	o.order = append(o.order, id)
}

func (o *lineOutcome) fail(id string, err error) {
	o.see(id)
	o.lines[lineFailed]++
	if _, already := o.failed[id]; !already {
		o.failed[id] = err
	}
	delete(o.ok, id)
}

func (o *lineOutcome) succeed(id string) {
	o.see(id)
	o.lines[lineSucceeded]++
	if _, f := o.failed[id]; !f {
		o.ok[id] = struct{}{}
	}
}

func (o *lineOutcome) failures() []LessonFailure {
	var out []LessonFailure
	for _, id := range o.order {
		if err, ok := o.failed[id]; ok {
			out = append(out, LessonFailure{LessonID: id, Err: err})
		}
	}
	return out
}

func (o *lineOutcome) succeeded() []string {
	var out []string
	for _, id := range o.order {
		if _, ok := o.ok[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
