package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
)

type stubFetcher struct {
	lines map[string][]models.CaptionLine
	calls []string
	after func()
}

func (f *stubFetcher) FetchCaptions(_ context.Context, filename string) ([]models.CaptionLine, error) {
	f.calls = append(f.calls, filename)
	if f.after != nil {
		defer f.after()
	}
	lines, ok := f.lines[filename]
	if !ok {
		return nil, ErrNoCaptions
	}
	return lines, nil
}

func TestImportThenCaptionsEndToEnd(t *testing.T) {
	cfg := models.DefaultIngestConfig()
	cfg.SourcePartsToInclude = []string{"title"}
	runner, store, ing := newTestRunner(t, nil, cfg)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "lessons.jsonl")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"src-1","title":"X","slug":"x"}`+"\n"), 0o644))

	imported, err := runner.Import(ctx, ing, NewJSONLSource(src))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 1}, imported)

	lessons, err := store.GetLessonsByState(ctx, ing.ID, models.StepImport, models.StepStatusCompleted)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	lesson := lessons[0]
	assert.Equal(t, "src-1", lesson.SourceLessonID)
	assert.JSONEq(t, `{"title":"X"}`, string(lesson.Data))
	assert.NotEmpty(t, lesson.DataHash)

	claimed, err := store.LoadLessonsAndUpdateState(ctx, ing.ID, models.StepImport, models.StepCaptionsFetch)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, lesson.ID, claimed[0].ID)
	assert.Equal(t, models.StepCaptionsFetch, claimed[0].Step)
	assert.Equal(t, models.StepStatusStarted, claimed[0].StepStatus)

	// Hand the lesson back so the driver claims it itself.
	_, err = store.UpdateLessonsState(ctx, ing.ID, []string{lesson.ID}, models.StepImport, models.StepStatusCompleted)
	require.NoError(t, err)

	report, err := runner.RunSync(ctx, ing, runner.CaptionsStage(&stubFetcher{}))
	require.NoError(t, err)
	assert.Equal(t, StageReport{Step: models.StepCaptionsFetch, Claimed: 1, Completed: 1}, report)
	requireState(t, store, lesson.ID, models.StepCaptionsFetch, models.StepStatusCompleted)
}

func TestImportSkipsExistingLessonsAndFailsUnfilterableData(t *testing.T) {
	cfg := models.DefaultIngestConfig()
	cfg.SourcePartsToInclude = []string{"title"}
	runner, store, ing := newTestRunner(t, nil, cfg)
	runner.config.SourcePageSize = 2
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "lessons.jsonl")
	require.NoError(t, os.WriteFile(src, []byte(
		`{"id":"a","title":"A"}`+"\n"+
			`{"id":"b","title":"B"}`+"\n"+
			`{"id":"a","title":"A again"}`+"\n",
	), 0o644))

	first, err := runner.Import(ctx, ing, NewJSONLSource(src))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 2, Skipped: 1}, first)

	second, err := runner.Import(ctx, ing, NewJSONLSource(src))
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Skipped: 3}, second)

	bad := &sliceSource{lessons: []models.SourceLesson{{ID: "c", Data: json.RawMessage(`["not","an","object"]`)}}}
	third, err := runner.Import(ctx, ing, bad)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Failed: 1}, third)

	failed, err := store.GetLessonsByState(ctx, ing.ID, models.StepImport, models.StepStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].SourceLessonID)
	assert.Contains(t, lessonErrors(t, store, ing.ID, models.StepImport)[failed[0].ID], "not an object")
}

type sliceSource struct {
	lessons []models.SourceLesson
}

func (s *sliceSource) Lessons(_ context.Context, offset, limit int) ([]models.SourceLesson, error) {
	if offset >= len(s.lessons) {
		return nil, nil
	}
	end := min(offset+limit, len(s.lessons))
	return s.lessons[offset:end], nil
}

func TestRunSyncIsolatesFailures(t *testing.T) {
	runner, store, ing := newTestRunner(t, nil, models.DefaultIngestConfig())
	ctx := context.Background()
	require.NoError(t, store.CreateLessons(ctx, []models.IngestLesson{
		{ID: "l1", IngestID: ing.ID, SourceLessonID: "s1", Data: json.RawMessage(`{"videoTitle":"intro"}`), Step: models.StepImport, StepStatus: models.StepStatusCompleted},
		{ID: "l2", IngestID: ing.ID, SourceLessonID: "s2", Data: json.RawMessage(`{"videoTitle":"missing"}`), Step: models.StepImport, StepStatus: models.StepStatusCompleted},
		{ID: "l3", IngestID: ing.ID, SourceLessonID: "s3", Data: json.RawMessage(`{"videoTitle":"outro"}`), Step: models.StepImport, StepStatus: models.StepStatusCompleted},
	}))

	fetcher := &stubFetcher{lines: map[string][]models.CaptionLine{
		"intro": {{Start: "00:00.000", End: "00:01.000", Text: "hi"}},
		"outro": {{Text: "bye"}},
	}}
	report, err := runner.RunSync(ctx, ing, runner.CaptionsStage(fetcher))
	require.NoError(t, err)
	assert.Equal(t, StageReport{Step: models.StepCaptionsFetch, Claimed: 3, Completed: 2, Failed: 1}, report)
	assert.Equal(t, []string{"intro", "missing", "outro"}, fetcher.calls)

	requireState(t, store, "l1", models.StepCaptionsFetch, models.StepStatusCompleted)
	requireState(t, store, "l2", models.StepCaptionsFetch, models.StepStatusFailed)
	requireState(t, store, "l3", models.StepCaptionsFetch, models.StepStatusCompleted)

	captions, err := store.GetCaptionsByLessonIDs(ctx, ing.ID, []string{"l1", "l2", "l3"})
	require.NoError(t, err)
	assert.Len(t, captions, 2)
	assert.Equal(t, "hi", captions["l1"].Data[0].Text)
}

func TestRunSyncRecordsWorkDoneBeforeCancellation(t *testing.T) {
	runner, store, ing := newTestRunner(t, nil, models.DefaultIngestConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.CreateLessons(ctx, []models.IngestLesson{
		{ID: "l1", IngestID: ing.ID, SourceLessonID: "s1", Data: json.RawMessage(`{"videoTitle":"intro"}`), Step: models.StepImport, StepStatus: models.StepStatusCompleted},
		{ID: "l2", IngestID: ing.ID, SourceLessonID: "s2", Data: json.RawMessage(`{"videoTitle":"intro"}`), Step: models.StepImport, StepStatus: models.StepStatusCompleted},
	}))

	fetcher := &stubFetcher{
		lines: map[string][]models.CaptionLine{"intro": {{Text: "hi"}}},
		after: cancel,
	}
	report, err := runner.RunSync(ctx, ing, runner.CaptionsStage(fetcher))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, report.Completed)

	requireState(t, store, "l1", models.StepCaptionsFetch, models.StepStatusCompleted)
	requireState(t, store, "l2", models.StepCaptionsFetch, models.StepStatusStarted)
}

func TestRunSyncCompletesEachLessonBeforeTheNext(t *testing.T) {
	runner, store, ing := newTestRunner(t, nil, models.DefaultIngestConfig())
	seedLessons(t, store, ing.ID, models.StepImport, models.StepStatusCompleted, "l1", "l2", "l3")

	var seen []models.StepStatus
	stage := SyncStage{
		Step: models.StepCaptionsFetch,
		Transform: func(_ context.Context, _ *models.Ingest, lesson models.IngestLesson) error {
			if lesson.ID == "l2" {
				prev, ok := store.Lesson("l1")
				require.True(t, ok)
				seen = append(seen, prev.StepStatus)
				return errors.New("no transcript service")
			}
			if lesson.ID == "l3" {
				prev, ok := store.Lesson("l2")
				require.True(t, ok)
				seen = append(seen, prev.StepStatus)
			}
			return nil
		},
	}
	report, err := runner.RunSync(context.Background(), ing, stage)
	require.NoError(t, err)
	assert.Equal(t, StageReport{Step: models.StepCaptionsFetch, Claimed: 3, Completed: 2, Failed: 1}, report)
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted, models.StepStatusFailed}, seen)
}

// unrecordableStore rejects error records.
type unrecordableStore struct {
	*ingest.MemoryStore
}

func (unrecordableStore) CreateErrorRecord(context.Context, string, string, models.Step, string) error {
	return errors.New("ingest_errors unavailable")
}

func TestRunSyncKeepsCompletedLessonsWhenRecordingFailureBreaks(t *testing.T) {
	memory := ingest.NewMemoryStore()
	ing, err := memory.CreateIngest(context.Background(), models.DefaultIngestConfig())
	require.NoError(t, err)
	seedLessons(t, memory, ing.ID, models.StepImport, models.StepStatusCompleted, "l1", "l2", "l3")

	cfg := DefaultRunnerConfig()
	cfg.BatchDir = t.TempDir()
	runner := NewRunner(unrecordableStore{memory}, nil, nil, nil, testLogger(), cfg)

	stage := SyncStage{
		Step: models.StepCaptionsFetch,
		Transform: func(_ context.Context, _ *models.Ingest, lesson models.IngestLesson) error {
			if lesson.ID == "l2" {
				return errors.New("bad lesson")
			}
			return nil
		},
	}
	report, err := runner.RunSync(context.Background(), ing, stage)
	require.ErrorContains(t, err, "ingest_errors unavailable")
	assert.Equal(t, 1, report.Completed)

	requireState(t, memory, "l1", models.StepCaptionsFetch, models.StepStatusCompleted)
	requireState(t, memory, "l2", models.StepCaptionsFetch, models.StepStatusStarted)
	requireState(t, memory, "l3", models.StepCaptionsFetch, models.StepStatusStarted)
}

func TestChunkingStageSplitsCurrentPlan(t *testing.T) {
	runner, store, ing := newTestRunner(t, nil, models.DefaultIngestConfig())
	ctx := context.Background()
	seedLessons(t, store, ing.ID, models.StepLessonPlanGeneration, models.StepStatusCompleted, "l1", "l2")
	_, err := store.CreateLessonPlan(ctx, models.LessonPlan{
		IngestID: ing.ID,
		LessonID: "l1",
		Data:     json.RawMessage(`{"title":"Fractions","keyLearningPoints":["halves"],"misconceptions":[]}`),
	})
	require.NoError(t, err)

	report, err := runner.RunSync(ctx, ing, runner.ChunkingStage())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)

	requireState(t, store, "l1", models.StepChunking, models.StepStatusCompleted)
	requireState(t, store, "l2", models.StepChunking, models.StepStatusFailed)
	assert.Contains(t, lessonErrors(t, store, ing.ID, models.StepChunking)["l2"], ErrNoLessonPlan.Error())

	parts, err := store.GetPartsByLessonIDs(ctx, ing.ID, []string{"l1"})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "keyLearningPoints", parts[0].Key)
	assert.Equal(t, "title", parts[1].Key)
}

func TestRunSyncOnFirstStepIsAnError(t *testing.T) {
	runner, _, ing := newTestRunner(t, nil, models.DefaultIngestConfig())
	_, err := runner.RunSync(context.Background(), ing, SyncStage{Step: models.StepImport})
	assert.ErrorIs(t, err, models.ErrNoPreviousStep)
}
