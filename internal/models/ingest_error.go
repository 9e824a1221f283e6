package models

import (
	"time"
)

// IngestError records why a lesson failed at a step. Rows are append-only;
// a lesson retried after an operator reset may collect several.
type IngestError struct {
	ID           string    `json:"id"`
	IngestID     string    `json:"ingest_id"`
	LessonID     string    `json:"lesson_id"`
	Step         Step      `json:"step"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
