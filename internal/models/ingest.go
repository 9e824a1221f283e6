package models

import (
	"errors"
	"time"
)

// IngestStatus is the lifecycle status of an ingest run.
type IngestStatus string

const (
	IngestStatusActive   IngestStatus = "active"
	IngestStatusInactive IngestStatus = "inactive"
)

// Ingest is one pipeline run over a set of source lessons.
type Ingest struct {
	ID        string       `json:"id"`
	Status    IngestStatus `json:"status"`
	Config    IngestConfig `json:"config"`
	CreatedAt time.Time    `json:"created_at"`
}

// IngestConfig is persisted with the ingest and fixes the models used for
// every batch submitted on its behalf.
type IngestConfig struct {
	CompletionModel       string   `json:"completionModel"`
	CompletionTemperature float32  `json:"completionTemperature"`
	EmbeddingModel        string   `json:"embeddingModel"`
	EmbeddingDimensions   int      `json:"embeddingDimensions"`
	SourcePartsToInclude  []string `json:"sourcePartsToInclude,omitempty"` // empty means all fields
}

// DefaultIngestConfig returns the configuration used when none is supplied.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		CompletionModel:       "gpt-4o-2024-08-06",
		CompletionTemperature: 0.7,
		EmbeddingModel:        "text-embedding-3-large",
		EmbeddingDimensions:   256,
	}
}

// Validate checks that the config carries everything the batch stages need.
func (c IngestConfig) Validate() error {
	var errs []error
	if c.CompletionModel == "" {
		errs = append(errs, errors.New("completionModel is required"))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("embeddingModel is required"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("embeddingDimensions must be positive"))
	}
	if c.CompletionTemperature < 0 || c.CompletionTemperature > 2 {
		errs = append(errs, errors.New("completionTemperature must be between 0 and 2"))
	}
	return errors.Join(errs...)
}

// IncludesAllSourceParts reports whether every source field is kept on import.
func (c IngestConfig) IncludesAllSourceParts() bool {
	if len(c.SourcePartsToInclude) == 0 {
		return true
	}
	for _, part := range c.SourcePartsToInclude {
		if part == "all" {
			return true
		}
	}
	return false
}
