package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lessonplans/ingest/internal/models"
)

// DecodeConfig parses a persisted ingest config, rejecting unknown fields and
// values the pipeline cannot run with.
func DecodeConfig(raw []byte) (models.IngestConfig, error) {
	var cfg models.IngestConfig

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return models.IngestConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return models.IngestConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}
