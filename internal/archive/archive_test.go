package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonplans/ingest/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, config.ArchiveConfig{Backend: config.ArchiveBackendNone})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, a)

	a, err = New(ctx, config.ArchiveConfig{Backend: config.ArchiveBackendFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, a)

	_, err = New(ctx, config.ArchiveConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestFSStore(t *testing.T) {
	root := t.TempDir()
	a, err := NewFS(root)
	require.NoError(t, err)

	err = a.Store(context.Background(), "ingest-1/embedding/input.jsonl", strings.NewReader("{\"a\":1}\n"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "ingest-1", "embedding", "input.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(got))

	require.NoError(t, a.Store(context.Background(), "ingest-1/embedding/input.jsonl", strings.NewReader("replaced")))
	got, err = os.ReadFile(filepath.Join(root, "ingest-1", "embedding", "input.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(got))
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	a, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside", "a/../../outside", ""} {
		assert.Error(t, a.Store(context.Background(), key, strings.NewReader("x")), key)
	}
}

func TestS3Store(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3(context.Background(), config.S3ArchiveConfig{
		Bucket:          "ingest-archive",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          "/runs/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	require.NoError(t, a.Store(context.Background(), "ingest-1/output.jsonl", strings.NewReader("line\n")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/ingest-archive/runs/ingest-1/output.jsonl", path)
	assert.Contains(t, body, "line")
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), config.S3ArchiveConfig{})
	assert.Error(t, err)
}
