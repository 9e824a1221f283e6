package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lessonplans/ingest/internal/batchfile"
	"github.com/lessonplans/ingest/internal/models"
)

var errPageFull = errors.New("page full")

// JSONLSource reads lessons from a newline-delimited JSON export. Each line
// is one lesson object with a string "id" field; the whole object becomes
// the lesson data.
type JSONLSource struct {
	Path    string
	IDField string // defaults to "id"
}

// NewJSONLSource creates a source over the file at path.
func NewJSONLSource(path string) *JSONLSource {
	return &JSONLSource{Path: path, IDField: "id"}
}

// Lessons re-reads the file and returns the requested page.
func (s *JSONLSource) Lessons(ctx context.Context, offset, limit int) ([]models.SourceLesson, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open lesson source: %w", err)
	}
	defer f.Close()

	idField := s.IDField
	if idField == "" {
		idField = "id"
	}

	var (
		page  []models.SourceLesson
		index int
	)
	err = batchfile.ReadLines(f, func(lineNo int, line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		defer func() { index++ }()
		if index < offset {
			return nil
		}
		if len(page) == limit {
			return errPageFull
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(line, &fields); err != nil {
			return fmt.Errorf("lesson source line %d: %w", lineNo, err)
		}
		var id string
		if err := json.Unmarshal(fields[idField], &id); err != nil || id == "" {
			return fmt.Errorf("lesson source line %d: missing string %q field", lineNo, idField)
		}

		page = append(page, models.SourceLesson{ID: id, Data: json.RawMessage(line)})
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		return nil, err
	}
	return page, nil
}
