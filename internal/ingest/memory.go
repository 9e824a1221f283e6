package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lessonplans/ingest/internal/models"
)

// MemoryStore implements Store in memory for tests and dry runs. It applies
// the same state-filtering rules as the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	ingests     map[string]models.Ingest
	configs     map[string][]byte // persisted form, decoded on read
	ingestOrder []string

	lessons     map[string]models.IngestLesson
	lessonOrder []string

	errors   []models.IngestError
	captions map[string]models.Captions
	plans    map[string]models.LessonPlan

	parts     map[string]models.LessonPlanPart
	partOrder []string

	batches    map[string]models.IngestOpenAIBatch
	batchOrder []string

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ingests:  make(map[string]models.Ingest),
		configs:  make(map[string][]byte),
		lessons:  make(map[string]models.IngestLesson),
		captions: make(map[string]models.Captions),
		plans:    make(map[string]models.LessonPlan),
		parts:    make(map[string]models.LessonPlanPart),
		batches:  make(map[string]models.IngestOpenAIBatch),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateIngest starts a new active run.
func (s *MemoryStore) CreateIngest(ctx context.Context, cfg models.IngestConfig) (*models.Ingest, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal ingest config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ingest := models.Ingest{
		ID:        uuid.NewString(),
		Status:    models.IngestStatusActive,
		Config:    cfg,
		CreatedAt: s.now(),
	}
	s.ingests[ingest.ID] = ingest
	s.configs[ingest.ID] = raw
	s.ingestOrder = append(s.ingestOrder, ingest.ID)
	return &ingest, nil
}

// GetLatestIngestID returns the newest active ingest.
func (s *MemoryStore) GetLatestIngestID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.ingestOrder) - 1; i >= 0; i-- {
		id := s.ingestOrder[i]
		if s.ingests[id].Status == models.IngestStatusActive {
			return id, nil
		}
	}
	return "", fmt.Errorf("latest active ingest: %w", ErrNotFound)
}

// GetIngestByID loads an ingest and validates its stored config.
func (s *MemoryStore) GetIngestByID(ctx context.Context, id string) (*models.Ingest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ingest, ok := s.ingests[id]
	if !ok {
		return nil, fmt.Errorf("ingest %s: %w", id, ErrNotFound)
	}
	cfg, err := DecodeConfig(s.configs[id])
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", id, err)
	}
	ingest.Config = cfg
	return &ingest, nil
}

// SetIngestStatus changes the status of an ingest.
func (s *MemoryStore) SetIngestStatus(ctx context.Context, id string, status models.IngestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ingest, ok := s.ingests[id]
	if !ok {
		return fmt.Errorf("ingest %s: %w", id, ErrNotFound)
	}
	ingest.Status = status
	s.ingests[id] = ingest
	return nil
}

// CreateLessons inserts lessons, assigning ids and timestamps when missing.
func (s *MemoryStore) CreateLessons(ctx context.Context, lessons []models.IngestLesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lesson := range lessons {
		if lesson.ID == "" {
			lesson.ID = uuid.NewString()
		}
		if _, exists := s.lessons[lesson.ID]; exists {
			return fmt.Errorf("lesson %s already exists", lesson.ID)
		}
		now := s.now()
		if lesson.CreatedAt.IsZero() {
			lesson.CreatedAt = now
		}
		lesson.UpdatedAt = now
		s.lessons[lesson.ID] = lesson
		s.lessonOrder = append(s.lessonOrder, lesson.ID)
	}
	return nil
}

// ListSourceLessonIDs returns the source ids imported into an ingest.
func (s *MemoryStore) ListSourceLessonIDs(ctx context.Context, ingestID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{})
	for _, lesson := range s.lessons {
		if lesson.IngestID == ingestID {
			ids[lesson.SourceLessonID] = struct{}{}
		}
	}
	return ids, nil
}

func (s *MemoryStore) activeLocked(ingestID string) bool {
	ingest, ok := s.ingests[ingestID]
	return ok && ingest.Status == models.IngestStatusActive
}

// GetLessonsByState returns lessons of an active ingest at (step, status).
func (s *MemoryStore) GetLessonsByState(ctx context.Context, ingestID string, step models.Step, status models.StepStatus) ([]models.IngestLesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(ingestID) {
		return nil, nil
	}

	var out []models.IngestLesson
	for _, id := range s.lessonOrder {
		lesson := s.lessons[id]
		if lesson.IngestID == ingestID && lesson.Step == step && lesson.StepStatus == status {
			out = append(out, lesson)
		}
	}
	return out, nil
}

// UpdateLessonsState sets (step, status) unconditionally.
func (s *MemoryStore) UpdateLessonsState(ctx context.Context, ingestID string, ids []string, step models.Step, status models.StepStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		lesson, ok := s.lessons[id]
		if !ok || lesson.IngestID != ingestID {
			continue
		}
		lesson.Step = step
		lesson.StepStatus = status
		lesson.UpdatedAt = s.now()
		s.lessons[id] = lesson
		n++
	}
	return n, nil
}

// TransitionLessons moves lessons still at (step, from) to (step, to).
func (s *MemoryStore) TransitionLessons(ctx context.Context, ingestID string, ids []string, step models.Step, from, to models.StepStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		lesson, ok := s.lessons[id]
		if !ok || lesson.IngestID != ingestID || lesson.Step != step || lesson.StepStatus != from {
			continue
		}
		lesson.StepStatus = to
		lesson.UpdatedAt = s.now()
		s.lessons[id] = lesson
		n++
	}
	return n, nil
}

// LoadLessonsAndUpdateState claims every lesson completed at prevStep.
func (s *MemoryStore) LoadLessonsAndUpdateState(ctx context.Context, ingestID string, prevStep, currentStep models.Step) ([]models.IngestLesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(ingestID) {
		return nil, nil
	}

	var claimed []models.IngestLesson
	for _, id := range s.lessonOrder {
		lesson := s.lessons[id]
		if lesson.IngestID != ingestID || lesson.Step != prevStep || lesson.StepStatus != models.StepStatusCompleted {
			continue
		}
		lesson.Step = currentStep
		lesson.StepStatus = models.StepStatusStarted
		lesson.UpdatedAt = s.now()
		s.lessons[id] = lesson
		claimed = append(claimed, lesson)
	}
	return claimed, nil
}

// CountLessonsByState groups lesson counts by step and status.
func (s *MemoryStore) CountLessonsByState(ctx context.Context, ingestID string) (map[models.Step]map[models.StepStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Step]map[models.StepStatus]int)
	for _, lesson := range s.lessons {
		if lesson.IngestID != ingestID {
			continue
		}
		if counts[lesson.Step] == nil {
			counts[lesson.Step] = make(map[models.StepStatus]int)
		}
		counts[lesson.Step][lesson.StepStatus]++
	}
	return counts, nil
}

// CreateErrorRecord appends an error record.
func (s *MemoryStore) CreateErrorRecord(ctx context.Context, ingestID, lessonID string, step models.Step, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors = append(s.errors, models.IngestError{
		ID:           uuid.NewString(),
		IngestID:     ingestID,
		LessonID:     lessonID,
		Step:         step,
		ErrorMessage: message,
		CreatedAt:    s.now(),
	})
	return nil
}

// ListErrors returns the newest error records for an ingest, optionally
// filtered by step (empty step means all). A non-positive limit means 100.
func (s *MemoryStore) ListErrors(ctx context.Context, ingestID string, step models.Step, limit int) ([]models.IngestError, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.IngestError
	for i := len(s.errors) - 1; i >= 0; i-- {
		e := s.errors[i]
		if e.IngestID != ingestID || (step != "" && e.Step != step) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateCaptionsRecord stores captions and links them to the lesson.
func (s *MemoryStore) CreateCaptionsRecord(ctx context.Context, ingestID, lessonID string, lines []models.CaptionLine) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lesson, ok := s.lessons[lessonID]
	if !ok {
		return "", fmt.Errorf("lesson %s: %w", lessonID, ErrNotFound)
	}

	captions := models.Captions{
		ID:        uuid.NewString(),
		IngestID:  ingestID,
		LessonID:  lessonID,
		Data:      slices.Clone(lines),
		CreatedAt: s.now(),
	}
	s.captions[captions.ID] = captions
	lesson.CaptionsID = &captions.ID
	s.lessons[lessonID] = lesson
	return captions.ID, nil
}

// GetCaptionsByLessonIDs returns the latest captions per lesson.
func (s *MemoryStore) GetCaptionsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.Captions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.Captions)
	for _, id := range lessonIDs {
		lesson, ok := s.lessons[id]
		if !ok || lesson.IngestID != ingestID || lesson.CaptionsID == nil {
			continue
		}
		if captions, ok := s.captions[*lesson.CaptionsID]; ok {
			out[id] = captions
		}
	}
	return out, nil
}

// CreateLessonPlan stores a plan and links it to the lesson.
func (s *MemoryStore) CreateLessonPlan(ctx context.Context, plan models.LessonPlan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lesson, ok := s.lessons[plan.LessonID]
	if !ok {
		return "", fmt.Errorf("lesson %s: %w", plan.LessonID, ErrNotFound)
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	plan.CreatedAt = s.now()
	s.plans[plan.ID] = plan
	lesson.LessonPlanID = &plan.ID
	s.lessons[plan.LessonID] = lesson
	return plan.ID, nil
}

// GetLessonPlansByLessonIDs returns the linked plan per lesson.
func (s *MemoryStore) GetLessonPlansByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) (map[string]models.LessonPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.LessonPlan)
	for _, id := range lessonIDs {
		lesson, ok := s.lessons[id]
		if !ok || lesson.IngestID != ingestID || lesson.LessonPlanID == nil {
			continue
		}
		if plan, ok := s.plans[*lesson.LessonPlanID]; ok {
			out[id] = plan
		}
	}
	return out, nil
}

// CreateLessonPlanParts inserts parts, assigning ids when missing. A part
// whose plan already has the same key is skipped.
func (s *MemoryStore) CreateLessonPlanParts(ctx context.Context, parts []models.LessonPlanPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, part := range parts {
		if s.hasPartLocked(part.LessonPlanID, part.Key) {
			continue
		}
		if part.ID == "" {
			part.ID = uuid.NewString()
		}
		part.CreatedAt = s.now()
		s.parts[part.ID] = part
		s.partOrder = append(s.partOrder, part.ID)
	}
	return nil
}

// GetPartsByLessonIDs returns parts of the given lessons' current plans in
// insertion order.
func (s *MemoryStore) GetPartsByLessonIDs(ctx context.Context, ingestID string, lessonIDs []string) ([]models.LessonPlanPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(lessonIDs))
	for _, id := range lessonIDs {
		wanted[id] = struct{}{}
	}

	var out []models.LessonPlanPart
	for _, id := range s.partOrder {
		part := s.parts[id]
		if _, ok := wanted[part.LessonID]; !ok || part.IngestID != ingestID {
			continue
		}
		lesson, ok := s.lessons[part.LessonID]
		if !ok || lesson.LessonPlanID == nil || *lesson.LessonPlanID != part.LessonPlanID {
			continue
		}
		out = append(out, part)
	}
	return out, nil
}

func (s *MemoryStore) hasPartLocked(planID, key string) bool {
	for _, id := range s.partOrder {
		if p := s.parts[id]; p.LessonPlanID == planID && p.Key == key {
			return true
		}
	}
	return false
}

// UpdatePartEmbedding writes a vector to a part.
func (s *MemoryStore) UpdatePartEmbedding(ctx context.Context, partID string, embedding []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.parts[partID]
	if !ok {
		return 0, nil
	}
	part.Embedding = slices.Clone(embedding)
	s.parts[partID] = part
	return 1, nil
}

// CreateBatchRecord stores a submitted batch.
func (s *MemoryStore) CreateBatchRecord(ctx context.Context, batch models.IngestOpenAIBatch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusPending
	}
	batch.CreatedAt = s.now()
	s.batches[batch.ID] = batch
	s.batchOrder = append(s.batchOrder, batch.ID)
	return batch.ID, nil
}

// ListPendingBatches returns pending batches of one type for an ingest.
func (s *MemoryStore) ListPendingBatches(ctx context.Context, ingestID string, batchType models.Step) ([]models.IngestOpenAIBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.IngestOpenAIBatch
	for _, id := range s.batchOrder {
		batch := s.batches[id]
		if batch.IngestID == ingestID && batch.BatchType == batchType && batch.Status == models.BatchStatusPending {
			out = append(out, batch)
		}
	}
	return out, nil
}

// UpdateBatchStatus records the outcome of a batch.
func (s *MemoryStore) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus, outputFileID, errorFileID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	now := s.now()
	batch.Status = status
	batch.OutputFileID = outputFileID
	batch.ErrorFileID = errorFileID
	batch.ReceivedAt = &now
	s.batches[id] = batch
	return nil
}

// Batch returns a stored batch record.
func (s *MemoryStore) Batch(id string) (models.IngestOpenAIBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	return batch, ok
}

// Batches returns every batch record of an ingest in creation order.
func (s *MemoryStore) Batches(ingestID string) []models.IngestOpenAIBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.IngestOpenAIBatch
	for _, id := range s.batchOrder {
		if batch := s.batches[id]; batch.IngestID == ingestID {
			out = append(out, batch)
		}
	}
	return out
}

// Lesson returns a stored lesson.
func (s *MemoryStore) Lesson(id string) (models.IngestLesson, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.lessons[id]
	return lesson, ok
}

// Part returns a stored lesson plan part.
func (s *MemoryStore) Part(id string) (models.LessonPlanPart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[id]
	return part, ok
}
