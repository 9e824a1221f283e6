package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lessonplans/ingest/internal/codec"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/openaibatch"
)

// ErrPartNotFound is returned when an embedding names a part that no longer
// exists.
var ErrPartNotFound = errors.New("lesson plan part not found")

func (r *Runner) handleLessonPlanLine(ctx context.Context, ing *models.Ingest, parser LessonPlanParser, line openaibatch.ResponseLine) error {
	lessonID, err := codec.DecodeLessonPlanID(line.CustomID)
	if err != nil {
		return err
	}

	resp, err := line.ChatCompletion()
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion for %s has no choices", lessonID)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return fmt.Errorf("lesson plan for %s was truncated", lessonID)
	}

	sections, err := parser.ParseLessonPlan(choice.Message.Content)
	if err != nil {
		return err
	}
	data, err := dropBasedOn(sections)
	if err != nil {
		return err
	}
	hash, err := codec.Hash(data)
	if err != nil {
		return err
	}

	_, err = r.store.CreateLessonPlan(ctx, models.LessonPlan{
		ID:       uuid.New().String(),
		IngestID: ing.ID,
		LessonID: lessonID,
		Data:     data,
		DataHash: hash,
	})
	if err != nil {
		return fmt.Errorf("store lesson plan: %w", err)
	}
	return nil
}

func (r *Runner) handleEmbeddingLine(ctx context.Context, ing *models.Ingest, line openaibatch.ResponseLine) error {
	id, err := codec.DecodeEmbeddingID(line.CustomID)
	if err != nil {
		return err
	}
	vector, err := line.Embedding()
	if err != nil {
		return err
	}
	if want := ing.Config.EmbeddingDimensions; want > 0 && len(vector) != want {
		return fmt.Errorf("embedding for part %s has %d dimensions, want %d", id.PartKey, len(vector), want)
	}

	n, err := r.store.UpdatePartEmbedding(ctx, id.LessonPlanPartID, vector)
	if err != nil {
		return fmt.Errorf("store embedding for part %s: %w", id.PartKey, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s (%s)", ErrPartNotFound, id.LessonPlanPartID, id.PartKey)
	}
	return nil
}

// settleEmbeddedLessons completes lessons whose current parts all carry a
// vector. The rest wait for their remaining batches.
func (r *Runner) settleEmbeddedLessons(ctx context.Context, ing *models.Ingest, lessonIDs []string) ([]string, []LessonFailure, error) {
	parts, err := r.store.GetPartsByLessonIDs(ctx, ing.ID, lessonIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load lesson plan parts: %w", err)
	}

	missing := make(map[string]int, len(lessonIDs))
	for _, part := range parts {
		if len(part.Embedding) == 0 {
			missing[part.LessonID]++
		}
	}

	completed := make([]string, 0, len(lessonIDs))
	for _, id := range lessonIDs {
		if missing[id] == 0 {
			completed = append(completed, id)
			continue
		}
		r.logger.Debug("lesson awaiting embeddings", "ingest_id", ing.ID, "lesson_id", id, "missing", missing[id])
	}
	return completed, nil, nil
}
