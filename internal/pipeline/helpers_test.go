package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/openaibatch"
)

type fakeBatchClient struct {
	mu sync.Mutex

	uploads   []string          // uploaded file contents, in order
	submitted map[string]string // batch id -> file id
	endpoints map[string]openai.BatchEndpoint
	statuses  map[string]openaibatch.Status
	files     map[string]string
	retrieves map[string]int // batch id -> Retrieve calls

	failUploadAt int // 1-based upload call that fails; 0 never
	retrieveErr  error
}

func newFakeBatchClient() *fakeBatchClient {
	return &fakeBatchClient{
		submitted: make(map[string]string),
		endpoints: make(map[string]openai.BatchEndpoint),
		statuses:  make(map[string]openaibatch.Status),
		files:     make(map[string]string),
		retrieves: make(map[string]int),
	}
}

func (c *fakeBatchClient) Upload(_ context.Context, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failUploadAt > 0 && len(c.uploads)+1 == c.failUploadAt {
		c.failUploadAt = 0
		return "", errors.New("upload rejected")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	c.uploads = append(c.uploads, string(content))
	return fmt.Sprintf("file-%d", len(c.uploads)), nil
}

func (c *fakeBatchClient) Submit(_ context.Context, fileID string, endpoint openai.BatchEndpoint) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batchID := fmt.Sprintf("batch-%d", len(c.submitted)+1)
	c.submitted[batchID] = fileID
	c.endpoints[batchID] = endpoint
	c.statuses[batchID] = openaibatch.Status{BatchID: batchID, State: openaibatch.StateInProgress}
	return batchID, nil
}

func (c *fakeBatchClient) Retrieve(_ context.Context, batchID string) (openaibatch.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retrieves[batchID]++
	if c.retrieveErr != nil {
		return openaibatch.Status{}, c.retrieveErr
	}
	status, ok := c.statuses[batchID]
	if !ok {
		return openaibatch.Status{}, fmt.Errorf("no batch %s", batchID)
	}
	return status, nil
}

func (c *fakeBatchClient) Download(_ context.Context, fileID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	content, ok := c.files[fileID]
	if !ok {
		return "", fmt.Errorf("no file %s", fileID)
	}
	return content, nil
}

// complete finishes a batch with the given output and error file contents.
func (c *fakeBatchClient) complete(batchID string, output, errorsFile []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := openaibatch.Status{BatchID: batchID, State: openaibatch.StateCompleted}
	if output != nil {
		status.OutputFileID = "out-" + batchID
		c.files[status.OutputFileID] = strings.Join(output, "\n") + "\n"
	}
	if errorsFile != nil {
		status.ErrorFileID = "err-" + batchID
		c.files[status.ErrorFileID] = strings.Join(errorsFile, "\n") + "\n"
	}
	c.statuses[batchID] = status
}

func (c *fakeBatchClient) setState(batchID string, state openaibatch.State, errs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[batchID] = openaibatch.Status{BatchID: batchID, State: state, Errors: errs}
}

// uploadedCustomIDs returns the custom ids of an uploaded file in order.
func (c *fakeBatchClient) uploadedCustomIDs(t *testing.T, index int) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, raw := range strings.Split(strings.TrimSpace(c.uploads[index]), "\n") {
		var line struct {
			CustomID string `json:"custom_id"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		ids = append(ids, line.CustomID)
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, client BatchClient, cfg models.IngestConfig) (*Runner, *ingest.MemoryStore, *models.Ingest) {
	t.Helper()
	store := ingest.NewMemoryStore()
	ing, err := store.CreateIngest(context.Background(), cfg)
	require.NoError(t, err)

	runnerCfg := DefaultRunnerConfig()
	runnerCfg.BatchDir = t.TempDir()
	return NewRunner(store, client, nil, nil, testLogger(), runnerCfg), store, ing
}

func seedLessons(t *testing.T, store *ingest.MemoryStore, ingestID string, step models.Step, status models.StepStatus, ids ...string) {
	t.Helper()
	lessons := make([]models.IngestLesson, 0, len(ids))
	for _, id := range ids {
		lessons = append(lessons, models.IngestLesson{
			ID:             id,
			IngestID:       ingestID,
			SourceLessonID: "src-" + id,
			Data:           json.RawMessage(`{"title":"Lesson ` + id + `"}`),
			Step:           step,
			StepStatus:     status,
		})
	}
	require.NoError(t, store.CreateLessons(context.Background(), lessons))
}

func requireState(t *testing.T, store *ingest.MemoryStore, id string, step models.Step, status models.StepStatus) {
	t.Helper()
	lesson, ok := store.Lesson(id)
	require.True(t, ok, "lesson %s missing", id)
	require.Equal(t, step, lesson.Step, "step of %s", id)
	require.Equal(t, status, lesson.StepStatus, "status of %s", id)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func chatOutputLine(t *testing.T, customID, content string) string {
	return mustJSON(t, map[string]any{
		"id":        "resp-" + customID,
		"custom_id": customID,
		"response": map[string]any{
			"status_code": 200,
			"request_id":  "req-" + customID,
			"body": map[string]any{
				"object": "chat.completion",
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": content},
					"finish_reason": "stop",
				}},
			},
		},
		"error": nil,
	})
}

func embeddingOutputLine(t *testing.T, customID string, vector []float32) string {
	return mustJSON(t, map[string]any{
		"id":        "resp-" + customID,
		"custom_id": customID,
		"response": map[string]any{
			"status_code": 200,
			"request_id":  "req-" + customID,
			"body": map[string]any{
				"object": "list",
				"data": []map[string]any{{
					"object":    "embedding",
					"index":     0,
					"embedding": vector,
				}},
			},
		},
		"error": nil,
	})
}

func errorOutputLine(t *testing.T, customID, code, message string) string {
	return mustJSON(t, map[string]any{
		"id":        "resp-" + customID,
		"custom_id": customID,
		"response":  nil,
		"error":     map[string]any{"code": code, "message": message},
	})
}

func lessonErrors(t *testing.T, store *ingest.MemoryStore, ingestID string, step models.Step) map[string]string {
	t.Helper()
	records, err := store.ListErrors(context.Background(), ingestID, step, 0)
	require.NoError(t, err)
	out := make(map[string]string, len(records))
	for _, rec := range records {
		out[rec.LessonID] = rec.ErrorMessage
	}
	return out
}
