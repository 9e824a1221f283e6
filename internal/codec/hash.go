// Package codec holds the pure functions shared by the ingest stages: content
// hashing for change detection and the custom id codec that correlates batch
// response lines with database rows.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnhashable is wrapped by Hash when the input cannot be serialised.
var ErrUnhashable = errors.New("data is not JSON serialisable")

// Hash returns the hex SHA-256 digest of the canonical JSON form of data.
// Structurally identical values hash identically regardless of map key order
// or insignificant whitespace in raw JSON input.
func Hash(data any) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders data as compact JSON with object keys sorted.
func Canonicalize(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnhashable, err)
	}

	// Round-trip through a generic value so struct field order and raw
	// message formatting do not leak into the digest.
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnhashable, err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnhashable, err)
	}
	return canonical, nil
}
