package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
)

// CreateBatchRecord stores a submitted provider batch.
func (s *PostgresStore) CreateBatchRecord(ctx context.Context, batch models.IngestOpenAIBatch) (string, error) {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_openai_batches (id, ingest_id, batch_type, openai_batch_id, input_file_path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, batch.ID, batch.IngestID, batch.BatchType, batch.OpenAIBatchID, batch.InputFilePath, batch.Status, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert batch record: %w", err)
	}
	return batch.ID, nil
}

// ListPendingBatches returns the pending batches of one type, oldest first.
func (s *PostgresStore) ListPendingBatches(ctx context.Context, ingestID string, batchType models.Step) ([]models.IngestOpenAIBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ingest_id, batch_type, openai_batch_id, input_file_path, status,
			output_file_id, error_file_id, received_at, created_at
		FROM ingest_openai_batches
		WHERE ingest_id = $1 AND batch_type = $2 AND status = 'pending'
		ORDER BY created_at, id
	`, ingestID, batchType)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batches: %w", err)
	}
	defer rows.Close()

	var batches []models.IngestOpenAIBatch
	for rows.Next() {
		var (
			b            models.IngestOpenAIBatch
			outputFileID sql.NullString
			errorFileID  sql.NullString
			receivedAt   sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.IngestID, &b.BatchType, &b.OpenAIBatchID, &b.InputFilePath, &b.Status,
			&outputFileID, &errorFileID, &receivedAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if outputFileID.Valid {
			b.OutputFileID = &outputFileID.String
		}
		if errorFileID.Valid {
			b.ErrorFileID = &errorFileID.String
		}
		if receivedAt.Valid {
			b.ReceivedAt = &receivedAt.Time
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus records the terminal outcome of a batch.
func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus, outputFileID, errorFileID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_openai_batches
		SET status = $2, output_file_id = $3, error_file_id = $4, received_at = NOW()
		WHERE id = $1
	`, id, status, outputFileID, errorFileID)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("batch %s: %w", id, ingest.ErrNotFound)
	}
	return nil
}
