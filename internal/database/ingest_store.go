package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/ingest"
	"github.com/lessonplans/ingest/internal/models"
)

// PostgresStore implements ingest.Store on PostgreSQL with pgvector.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ingest store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ ingest.Store = (*PostgresStore)(nil)

// CreateIngest inserts a new active ingest.
func (s *PostgresStore) CreateIngest(ctx context.Context, cfg models.IngestConfig) (*models.Ingest, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest config: %w", err)
	}

	ing := models.Ingest{
		ID:        uuid.New().String(),
		Status:    models.IngestStatusActive,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingests (id, status, config, created_at)
		VALUES ($1, $2, $3, $4)
	`, ing.ID, ing.Status, raw, ing.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ingest: %w", err)
	}
	return &ing, nil
}

// GetLatestIngestID returns the most recently created active ingest.
func (s *PostgresStore) GetLatestIngestID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM ingests
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest active ingest: %w", ingest.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest ingest: %w", err)
	}
	return id, nil
}

// GetIngestByID loads an ingest and validates its persisted config.
func (s *PostgresStore) GetIngestByID(ctx context.Context, id string) (*models.Ingest, error) {
	var (
		ing models.Ingest
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, config, created_at FROM ingests WHERE id = $1
	`, id).Scan(&ing.ID, &ing.Status, &raw, &ing.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ingest %s: %w", id, ingest.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest %s: %w", id, err)
	}

	ing.Config, err = ingest.DecodeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", id, err)
	}
	return &ing, nil
}

// SetIngestStatus changes the status of an ingest.
func (s *PostgresStore) SetIngestStatus(ctx context.Context, id string, status models.IngestStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ingests SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update ingest status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ingest %s: %w", id, ingest.ErrNotFound)
	}
	return nil
}
