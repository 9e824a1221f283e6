package models

import "time"

// BatchStatus tracks a submitted provider batch from our side.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// IngestOpenAIBatch records one physical batch file submitted to OpenAI.
// A stage's cohort may span several of these when it exceeds provider limits.
type IngestOpenAIBatch struct {
	ID            string      `json:"id"`
	IngestID      string      `json:"ingest_id"`
	BatchType     Step        `json:"batch_type"`
	OpenAIBatchID string      `json:"openai_batch_id"`
	InputFilePath string      `json:"input_file_path"`
	Status        BatchStatus `json:"status"`
	OutputFileID  *string     `json:"output_file_id,omitempty"`
	ErrorFileID   *string     `json:"error_file_id,omitempty"`
	ReceivedAt    *time.Time  `json:"received_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
