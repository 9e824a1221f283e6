// Package openaibatch is a thin typed wrapper around the OpenAI Files and
// Batches APIs. It carries no pipeline state; callers decide what a batch
// status means for their rows.
package openaibatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/lessonplans/ingest/internal/retry"
	openai "github.com/sashabaranov/go-openai"
)

// CompletionWindow is the only window the Batch API accepts.
const CompletionWindow = "24h"

// ErrMissingAPIKey is returned by New when no key is configured.
var ErrMissingAPIKey = errors.New("openai api key is required")

// State is the provider-side lifecycle state of a batch.
type State string

const (
	StateValidating State = "validating"
	StateInProgress State = "in_progress"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateExpired    State = "expired"
	StateCancelling State = "cancelling"
	StateCancelled  State = "cancelled"
)

// InFlight reports whether the batch may still produce results.
func (s State) InFlight() bool {
	switch s {
	case StateValidating, StateInProgress, StateFinalizing, StateCancelling:
		return true
	default:
		return false
	}
}

// Status is a snapshot of a batch as returned by Retrieve.
type Status struct {
	BatchID       string
	State         State
	OutputFileID  string
	ErrorFileID   string
	RequestCounts openai.BatchRequestCounts
	Errors        []string
}

// Client wraps the go-openai client for the batch workflow.
type Client struct {
	api    *openai.Client
	policy retry.Policy
	logger *slog.Logger
}

// Option customises a Client.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

// WithBaseURL points the client at a different API root, e.g. a proxy.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetryPolicy sets the policy for idempotent calls (Retrieve, Download).
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a batch client. A missing API key is a configuration error.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	o := options{policy: retry.DefaultPolicy(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}

	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		policy: o.policy,
		logger: o.logger,
	}, nil
}

// Upload sends a JSONL file with purpose "batch" and returns its file id.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	file, err := c.api.CreateFile(ctx, openai.FileRequest{
		FileName: filepath.Base(path),
		FilePath: path,
		Purpose:  string(openai.PurposeBatch),
	})
	if err != nil {
		return "", fmt.Errorf("upload batch file %s: %w", filepath.Base(path), err)
	}

	c.logger.Debug("uploaded batch file", "path", path, "file_id", file.ID, "bytes", file.Bytes)
	return file.ID, nil
}

// Submit creates a batch over an uploaded file and returns the batch id.
func (c *Client) Submit(ctx context.Context, fileID string, endpoint openai.BatchEndpoint) (string, error) {
	resp, err := c.api.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      fileID,
		Endpoint:         endpoint,
		CompletionWindow: CompletionWindow,
	})
	if err != nil {
		return "", fmt.Errorf("submit batch for file %s: %w", fileID, err)
	}
	return resp.ID, nil
}

// Retrieve fetches the current status of a batch.
func (c *Client) Retrieve(ctx context.Context, batchID string) (Status, error) {
	var resp openai.BatchResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		resp, err = c.api.RetrieveBatch(ctx, batchID)
		return classify(err)
	})
	if err != nil {
		return Status{}, fmt.Errorf("retrieve batch %s: %w", batchID, err)
	}

	status := Status{
		BatchID:       resp.ID,
		State:         State(resp.Status),
		RequestCounts: resp.RequestCounts,
	}
	if resp.OutputFileID != nil {
		status.OutputFileID = *resp.OutputFileID
	}
	if resp.ErrorFileID != nil {
		status.ErrorFileID = *resp.ErrorFileID
	}
	if resp.Errors != nil {
		for _, e := range resp.Errors.Data {
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %s", e.Code, e.Message))
		}
	}
	return status, nil
}

// Download returns the full text content of a file.
func (c *Client) Download(ctx context.Context, fileID string) (string, error) {
	var content []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		raw, err := c.api.GetFileContent(ctx, fileID)
		if err != nil {
			return classify(err)
		}
		defer raw.Close()

		content, err = io.ReadAll(raw)
		if err != nil {
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download file %s: %w", fileID, err)
	}
	return string(content), nil
}

// classify marks rate limits and server errors as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && transientStatus(apiErr.HTTPStatusCode) {
		return retry.Retryable(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && transientStatus(reqErr.HTTPStatusCode) {
		return retry.Retryable(err)
	}
	return err
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
