package ingest

import (
	"errors"
	"testing"
)

func TestDecodeConfig(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: `{"completionModel":"gpt-4o","embeddingModel":"text-embedding-3-large","embeddingDimensions":256}`},
		{name: "with source parts", raw: `{"completionModel":"gpt-4o","embeddingModel":"e","embeddingDimensions":8,"sourcePartsToInclude":["title"]}`},
		{name: "unknown field", raw: `{"completionModel":"gpt-4o","embeddingModel":"e","embeddingDimensions":8,"quizModel":"x"}`, wantErr: true},
		{name: "missing dimensions", raw: `{"completionModel":"gpt-4o","embeddingModel":"e"}`, wantErr: true},
		{name: "wrong type", raw: `{"completionModel":42}`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeConfig([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeConfig returned error: %v", err)
			}
		})
	}
}
