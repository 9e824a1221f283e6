package models

import (
	"errors"
	"testing"
)

func TestStepPrevious(t *testing.T) {
	tests := []struct {
		step     Step
		expected Step
	}{
		{StepCaptionsFetch, StepImport},
		{StepLessonPlanGeneration, StepCaptionsFetch},
		{StepChunking, StepLessonPlanGeneration},
		{StepEmbedding, StepChunking},
	}

	for _, tt := range tests {
		t.Run(string(tt.step), func(t *testing.T) {
			got, err := tt.step.Previous()
			if err != nil {
				t.Fatalf("Previous() returned error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Previous() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStepPreviousOfFirstStep(t *testing.T) {
	_, err := StepImport.Previous()
	if !errors.Is(err, ErrNoPreviousStep) {
		t.Fatalf("expected ErrNoPreviousStep, got %v", err)
	}
}

func TestStepPreviousOfUnknownStep(t *testing.T) {
	_, err := Step("transcoding").Previous()
	if !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestParseStep(t *testing.T) {
	for _, step := range Steps {
		got, err := ParseStep(string(step))
		if err != nil {
			t.Fatalf("ParseStep(%q) returned error: %v", step, err)
		}
		if got != step {
			t.Errorf("ParseStep(%q) = %v", step, got)
		}
	}

	if _, err := ParseStep("quiz"); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestStepOrderIsStrict(t *testing.T) {
	for i, step := range Steps {
		if step.Index() != i {
			t.Errorf("%s.Index() = %d, want %d", step, step.Index(), i)
		}
	}
}

func TestParseStepStatus(t *testing.T) {
	for _, raw := range []string{"started", "completed", "failed"} {
		if _, err := ParseStepStatus(raw); err != nil {
			t.Errorf("ParseStepStatus(%q) returned error: %v", raw, err)
		}
	}
	if _, err := ParseStepStatus("pending"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestIngestConfigValidate(t *testing.T) {
	if err := DefaultIngestConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg := DefaultIngestConfig()
	cfg.EmbeddingDimensions = 0
	cfg.CompletionModel = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestIngestConfigIncludesAllSourceParts(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  bool
	}{
		{name: "empty", parts: nil, want: true},
		{name: "explicit all", parts: []string{"all"}, want: true},
		{name: "subset", parts: []string{"title", "transcript"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := IngestConfig{SourcePartsToInclude: tt.parts}
			if got := cfg.IncludesAllSourceParts(); got != tt.want {
				t.Errorf("IncludesAllSourceParts() = %v, want %v", got, tt.want)
			}
		})
	}
}
