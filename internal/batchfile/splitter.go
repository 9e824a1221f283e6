package batchfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrLineTooLarge is returned when a single line exceeds the byte limit and
// therefore cannot be placed in any output file.
var ErrLineTooLarge = errors.New("batch line exceeds max bytes")

// SplitByRowsOrSize re-streams the JSONL file at path into numbered files next
// to it, starting a new file whenever adding the next line would exceed
// maxRows lines or maxBytes bytes. Output paths are returned in order;
// concatenating them reproduces the input lines exactly.
func SplitByRowsOrSize(path string, maxRows int, maxBytes int64) ([]string, error) {
	if maxRows <= 0 || maxBytes <= 0 {
		return nil, fmt.Errorf("split limits must be positive (rows=%d, bytes=%d)", maxRows, maxBytes)
	}

	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer in.Close()

	s := &splitter{
		base:     strings.TrimSuffix(path, filepath.Ext(path)),
		maxRows:  maxRows,
		maxBytes: maxBytes,
	}

	br := bufio.NewReader(in)
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if err := s.add(line); err != nil {
				s.abort()
				return nil, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			s.abort()
			return nil, fmt.Errorf("read batch file: %w", readErr)
		}
	}

	if err := s.closeCurrent(); err != nil {
		s.abort()
		return nil, err
	}
	return s.paths, nil
}

type splitter struct {
	base     string
	maxRows  int
	maxBytes int64

	paths []string
	file  *os.File
	w     *bufio.Writer
	rows  int
	bytes int64
}

func (s *splitter) add(line []byte) error {
	size := int64(len(line))
	if size > s.maxBytes {
		return fmt.Errorf("%w: line of %d bytes, limit %d", ErrLineTooLarge, size, s.maxBytes)
	}

	if s.file == nil || s.rows+1 > s.maxRows || s.bytes+size > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write split file: %w", err)
	}
	s.rows++
	s.bytes += size
	return nil
}

func (s *splitter) rotate() error {
	if err := s.closeCurrent(); err != nil {
		return err
	}

	path := fmt.Sprintf("%s_part_%03d.jsonl", s.base, len(s.paths)+1)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create split file: %w", err)
	}

	s.paths = append(s.paths, path)
	s.file = f
	s.w = bufio.NewWriter(f)
	s.rows = 0
	s.bytes = 0
	return nil
}

func (s *splitter) closeCurrent() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil

	if err := s.w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush split file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close split file: %w", err)
	}
	return nil
}

func (s *splitter) abort() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	for _, p := range s.paths {
		_ = os.Remove(p)
	}
	s.paths = nil
}
