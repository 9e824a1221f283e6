package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lessonplans/ingest/internal/codec"
	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/openaibatch"
)

// ErrNoLessonPlan is returned when a lesson reaches chunking or embedding
// without a linked plan or parts.
var ErrNoLessonPlan = errors.New("lesson has no lesson plan")

// CaptionsStage fetches each lesson's transcript and links it to the lesson.
// Lessons without a video complete with no captions.
func (r *Runner) CaptionsStage(fetcher CaptionFetcher) SyncStage {
	return SyncStage{
		Step: models.StepCaptionsFetch,
		Transform: func(ctx context.Context, ing *models.Ingest, lesson models.IngestLesson) error {
			filename, ok, err := captionFilename(lesson.Data)
			if err != nil {
				return err
			}
			if !ok {
				r.logger.Debug("lesson has no video", "ingest_id", ing.ID, "lesson_id", lesson.ID)
				return nil
			}
			lines, err := fetcher.FetchCaptions(ctx, filename)
			if err != nil {
				return err
			}
			_, err = r.store.CreateCaptionsRecord(ctx, ing.ID, lesson.ID, lines)
			return err
		},
	}
}

// ChunkingStage splits each lesson's current plan into parts.
func (r *Runner) ChunkingStage() SyncStage {
	return SyncStage{
		Step: models.StepChunking,
		Transform: func(ctx context.Context, ing *models.Ingest, lesson models.IngestLesson) error {
			plans, err := r.store.GetLessonPlansByLessonIDs(ctx, ing.ID, []string{lesson.ID})
			if err != nil {
				return err
			}
			plan, ok := plans[lesson.ID]
			if !ok {
				return ErrNoLessonPlan
			}
			parts, err := SplitLessonPlan(plan)
			if err != nil {
				return err
			}
			return r.store.CreateLessonPlanParts(ctx, parts)
		},
	}
}

// LessonPlanStage generates one plan per lesson through the chat completions
// batch endpoint.
func (r *Runner) LessonPlanStage(builder RequestBuilder, parser LessonPlanParser) BatchStage {
	return BatchStage{
		Step:     models.StepLessonPlanGeneration,
		Endpoint: openai.BatchEndpointChatCompletions,
		Task:     codec.TaskGenerateLessonPlan,
		BuildLines: func(ctx context.Context, ing *models.Ingest, lessons []models.IngestLesson) ([]LineItem, map[string]error, error) {
			captions, err := r.store.GetCaptionsByLessonIDs(ctx, ing.ID, lessonIDs(lessons))
			if err != nil {
				return nil, nil, fmt.Errorf("load captions: %w", err)
			}

			items := make([]LineItem, len(lessons))
			for i, lesson := range lessons {
				var lessonCaptions *models.Captions
				if c, ok := captions[lesson.ID]; ok {
					lessonCaptions = &c
				}
				items[i] = LineItem{
					LessonID: lesson.ID,
					Build: func() (any, error) {
						req, err := builder.BuildLessonPlanRequest(ctx, ing, lesson, lessonCaptions)
						if err != nil {
							return nil, fmt.Errorf("build lesson plan request: %w", err)
						}
						return openai.BatchChatCompletionRequest{
							CustomID: codec.EncodeLessonPlanID(lesson.ID),
							Body:     req,
							Method:   http.MethodPost,
							URL:      openai.BatchEndpointChatCompletions,
						}, nil
					},
				}
			}
			return items, nil, nil
		},
		HandleLine: func(ctx context.Context, ing *models.Ingest, line openaibatch.ResponseLine) error {
			return r.handleLessonPlanLine(ctx, ing, parser, line)
		},
	}
}

// EmbeddingStage embeds every part of each lesson's current plan. A lesson
// completes once all of its parts carry a vector, which may take several
// batches when its lines were split across files.
func (r *Runner) EmbeddingStage() BatchStage {
	return BatchStage{
		Step:     models.StepEmbedding,
		Endpoint: openai.BatchEndpointEmbeddings,
		Task:     codec.TaskEmbedPart,
		BuildLines: func(ctx context.Context, ing *models.Ingest, lessons []models.IngestLesson) ([]LineItem, map[string]error, error) {
			parts, err := r.store.GetPartsByLessonIDs(ctx, ing.ID, lessonIDs(lessons))
			if err != nil {
				return nil, nil, fmt.Errorf("load lesson plan parts: %w", err)
			}
			byLesson := make(map[string][]models.LessonPlanPart, len(lessons))
			for _, part := range parts {
				byLesson[part.LessonID] = append(byLesson[part.LessonID], part)
			}

			items := make([]LineItem, 0, len(parts))
			failed := make(map[string]error)
			for _, lesson := range lessons {
				lessonParts := byLesson[lesson.ID]
				if len(lessonParts) == 0 {
					failed[lesson.ID] = ErrNoLessonPlan
					continue
				}
				if err := checkPartKeys(lessonParts); err != nil {
					failed[lesson.ID] = err
					continue
				}
				for _, part := range lessonParts {
					items = append(items, LineItem{
						LessonID: lesson.ID,
						Build: func() (any, error) {
							return openai.BatchEmbeddingRequest{
								CustomID: codec.EncodeEmbeddingID(lesson.ID, part.Key, part.ID),
								Body: openai.EmbeddingRequest{
									Input:      part.ValueText,
									Model:      openai.EmbeddingModel(ing.Config.EmbeddingModel),
									Dimensions: ing.Config.EmbeddingDimensions,
								},
								Method: http.MethodPost,
								URL:    openai.BatchEndpointEmbeddings,
							}, nil
						},
					})
				}
			}
			return items, failed, nil
		},
		HandleLine: r.handleEmbeddingLine,
		Settle:     r.settleEmbeddedLessons,
	}
}

// checkPartKeys rejects keys that cannot round-trip through an embedding
// custom id.
func checkPartKeys(parts []models.LessonPlanPart) error {
	for _, part := range parts {
		if strings.Contains(part.Key, codec.Delimiter) {
			return fmt.Errorf("part key %q contains %q", part.Key, codec.Delimiter)
		}
	}
	return nil
}
