package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lessonplans/ingest/internal/models"
)

// BasedOnField is dropped from generated plans before they are stored.
const BasedOnField = "basedOn"

// ErrEmptyLessonPlan is returned when the model produced no usable plan.
var ErrEmptyLessonPlan = errors.New("lesson plan is empty")

const lessonPlanSystemPrompt = `You write lesson plans for teachers. You are given a lesson's ` +
	`metadata and, when available, the transcript of its video. Respond with a single JSON ` +
	`object. Each top-level key is one section of the plan (for example title, keyStage, ` +
	`subject, learningOutcomes, keyLearningPoints, misconceptions, starterQuiz, exitQuiz). ` +
	`Include a basedOn key naming the source lesson.`

// JSONLessonPlanParser accepts any non-empty JSON object.
type JSONLessonPlanParser struct{}

// ParseLessonPlan decodes content into its top-level sections.
func (JSONLessonPlanParser) ParseLessonPlan(content string) (map[string]json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyLessonPlan
	}
	var plan map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, fmt.Errorf("lesson plan is not a JSON object: %w", err)
	}
	if len(plan) == 0 {
		return nil, ErrEmptyLessonPlan
	}
	return plan, nil
}

// DefaultRequestBuilder renders the lesson data and transcript into a
// JSON-mode chat request using the ingest's completion settings.
type DefaultRequestBuilder struct{}

func (DefaultRequestBuilder) BuildLessonPlanRequest(
	_ context.Context,
	ing *models.Ingest,
	lesson models.IngestLesson,
	captions *models.Captions,
) (openai.ChatCompletionRequest, error) {
	if len(lesson.Data) == 0 {
		return openai.ChatCompletionRequest{}, fmt.Errorf("lesson %s has no data", lesson.ID)
	}

	var user strings.Builder
	user.WriteString("Lesson:\n")
	user.Write(lesson.Data)
	if captions != nil && len(captions.Data) > 0 {
		user.WriteString("\n\nTranscript:\n")
		for _, line := range captions.Data {
			user.WriteString(line.Text)
			user.WriteByte('\n')
		}
	}

	return openai.ChatCompletionRequest{
		Model:       ing.Config.CompletionModel,
		Temperature: ing.Config.CompletionTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: lessonPlanSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}, nil
}

// SplitLessonPlan produces one part per non-empty top-level section of the
// plan, ordered by key. String sections keep their text; other sections are
// stored as compact JSON text.
func SplitLessonPlan(plan models.LessonPlan) ([]models.LessonPlanPart, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(plan.Data, &sections); err != nil {
		return nil, fmt.Errorf("lesson plan %s is not a JSON object: %w", plan.ID, err)
	}

	keys := make([]string, 0, len(sections))
	for key := range sections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]models.LessonPlanPart, 0, len(keys))
	for _, key := range keys {
		value := bytes.TrimSpace(sections[key])
		if emptySection(value) {
			continue
		}

		var text string
		if value[0] == '"' {
			if err := json.Unmarshal(value, &text); err != nil {
				return nil, fmt.Errorf("lesson plan %s section %q: %w", plan.ID, key, err)
			}
		} else {
			var compact bytes.Buffer
			if err := json.Compact(&compact, value); err != nil {
				return nil, fmt.Errorf("lesson plan %s section %q: %w", plan.ID, key, err)
			}
			value = compact.Bytes()
			text = compact.String()
		}

		parts = append(parts, models.LessonPlanPart{
			ID:           uuid.New().String(),
			IngestID:     plan.IngestID,
			LessonID:     plan.LessonID,
			LessonPlanID: plan.ID,
			Key:          key,
			ValueText:    text,
			ValueJSON:    json.RawMessage(value),
		})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("lesson plan %s: %w", plan.ID, ErrEmptyLessonPlan)
	}
	return parts, nil
}

func emptySection(v []byte) bool {
	switch string(v) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

// dropBasedOn removes the provenance field and re-encodes the plan.
func dropBasedOn(plan map[string]json.RawMessage) (json.RawMessage, error) {
	delete(plan, BasedOnField)
	if len(plan) == 0 {
		return nil, ErrEmptyLessonPlan
	}
	return json.Marshal(plan)
}
