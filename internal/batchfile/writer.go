// Package batchfile writes newline-delimited JSON batch files and splits them
// into pieces that respect the provider's per-batch row and byte limits.
package batchfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRows is the provider's per-batch request limit.
	DefaultMaxRows = 50_000
	// DefaultMaxBytes is the provider's per-batch input file size limit.
	DefaultMaxBytes int64 = 200 * 1024 * 1024
)

// ErrSkipItem is returned by a toLine function to leave an item out of the
// file without aborting the write.
var ErrSkipItem = errors.New("skip batch item")

// ItemError reports the item whose serialisation aborted a write.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("serialise batch item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// WriteBatchFile streams one JSON line per item into a new file under dir and
// returns its path. toLine maps an item to the value serialised on its line
// and is called as the item is written, so lines are never held together in
// memory. Items for which toLine returns ErrSkipItem are omitted. If any other
// item fails, the partial file is removed and an *ItemError returned.
func WriteBatchFile[T any](dir, prefix string, items []T, toLine func(T) (any, error)) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", prefix, uuid.NewString()))
	f, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("create batch file: %w", err)
	}

	if err := writeLines(f, items, toLine); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close batch file: %w", err)
	}
	return name, nil
}

func writeLines[T any](f *os.File, items []T, toLine func(T) (any, error)) error {
	w := bufio.NewWriter(f)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, item := range items {
		line, err := toLine(item)
		if errors.Is(err, ErrSkipItem) {
			continue
		}
		if err != nil {
			return &ItemError{Index: i, Err: err}
		}

		buf.Reset()
		// Encode appends the newline terminating the line.
		if err := enc.Encode(line); err != nil {
			return &ItemError{Index: i, Err: err}
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write batch line %d: %w", i, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush batch file: %w", err)
	}
	return nil
}
