package batchfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ReadLines calls fn for every non-blank line of r, without a maximum line
// length. lineNo is 1-based and counts blank lines. The trailing newline is
// not passed to fn. Iteration stops at the first error returned by fn.
func ReadLines(r io.Reader, fn func(lineNo int, line []byte) error) error {
	br := bufio.NewReader(r)
	lineNo := 0
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			line := bytes.TrimRight(raw, "\r\n")
			if len(bytes.TrimSpace(line)) > 0 {
				if fnErr := fn(lineNo, line); fnErr != nil {
					return fnErr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", lineNo+1, err)
		}
	}
}
