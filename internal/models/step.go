package models

import (
	"errors"
	"fmt"
)

// Step names one stage of the ingest pipeline. Steps are totally ordered; a
// lesson becomes eligible for a step once it has completed the previous one.
type Step string

const (
	StepImport               Step = "import"
	StepCaptionsFetch        Step = "captions_fetch"
	StepLessonPlanGeneration Step = "lesson_plan_generation"
	StepChunking             Step = "chunking"
	StepEmbedding            Step = "embedding"
)

// Steps lists every step in pipeline order.
var Steps = []Step{
	StepImport,
	StepCaptionsFetch,
	StepLessonPlanGeneration,
	StepChunking,
	StepEmbedding,
}

var (
	// ErrNoPreviousStep is returned when asking for the predecessor of the
	// first step. It indicates a programming error in a driver definition.
	ErrNoPreviousStep = errors.New("step has no predecessor")

	// ErrUnknownStep is returned when parsing an unrecognised step name.
	ErrUnknownStep = errors.New("unknown step")
)

// Index returns the position of the step in pipeline order, or -1.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known steps.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Previous returns the step that must be completed before s can start.
func (s Step) Previous() (Step, error) {
	idx := s.Index()
	switch {
	case idx < 0:
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, string(s))
	case idx == 0:
		return "", fmt.Errorf("%w: %s", ErrNoPreviousStep, s)
	}
	return Steps[idx-1], nil
}

// ParseStep converts user input into a Step.
func ParseStep(raw string) (Step, error) {
	step := Step(raw)
	if !step.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, raw)
	}
	return step, nil
}

// StepStatus is the outcome of the most recent attempt at a lesson's step.
type StepStatus string

const (
	StepStatusStarted   StepStatus = "started"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ParseStepStatus converts user input into a StepStatus.
func ParseStepStatus(raw string) (StepStatus, error) {
	switch status := StepStatus(raw); status {
	case StepStatusStarted, StepStatusCompleted, StepStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown step status %q", raw)
	}
}
