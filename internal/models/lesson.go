package models

import (
	"encoding/json"
	"time"
)

// IngestLesson is one source lesson moving through the pipeline.
type IngestLesson struct {
	ID             string          `json:"id"`
	IngestID       string          `json:"ingest_id"`
	SourceLessonID string          `json:"source_lesson_id"`
	Data           json.RawMessage `json:"data"`
	DataHash       string          `json:"data_hash"`
	Step           Step            `json:"step"`
	StepStatus     StepStatus      `json:"step_status"`
	CaptionsID     *string         `json:"captions_id,omitempty"`
	LessonPlanID   *string         `json:"lesson_plan_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SourceLesson is a raw lesson record as returned by the content source.
type SourceLesson struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// CaptionLine is one transcript cue.
type CaptionLine struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Text  string `json:"text"`
}

// Captions holds the transcript fetched for a lesson.
type Captions struct {
	ID        string        `json:"id"`
	IngestID  string        `json:"ingest_id"`
	LessonID  string        `json:"lesson_id"`
	Data      []CaptionLine `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
}

// LessonPlan is the structured plan generated for a lesson.
type LessonPlan struct {
	ID        string          `json:"id"`
	IngestID  string          `json:"ingest_id"`
	LessonID  string          `json:"lesson_id"`
	Data      json.RawMessage `json:"data"`
	DataHash  string          `json:"data_hash"`
	CreatedAt time.Time       `json:"created_at"`
}

// LessonPlanPart is one top-level section of a lesson plan, embedded on its
// own so it can be retrieved independently.
type LessonPlanPart struct {
	ID           string          `json:"id"`
	IngestID     string          `json:"ingest_id"`
	LessonID     string          `json:"lesson_id"`
	LessonPlanID string          `json:"lesson_plan_id"`
	Key          string          `json:"key"`
	ValueText    string          `json:"value_text"`
	ValueJSON    json.RawMessage `json:"value_json"`
	Embedding    []float32       `json:"embedding,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
