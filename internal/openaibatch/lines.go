package openaibatch

import (
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ResponseLine is one line of a batch output or error file.
type ResponseLine struct {
	ID       string            `json:"id"`
	CustomID string            `json:"custom_id"`
	Response *ResponseEnvelope `json:"response"`
	Error    *LineError        `json:"error"`
}

// ResponseEnvelope wraps the endpoint's response body.
type ResponseEnvelope struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       json.RawMessage `json:"body"`
}

// LineError is the per-line error reported by the provider.
type LineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponseLine decodes a single JSONL line.
func ParseResponseLine(line []byte) (ResponseLine, error) {
	var parsed ResponseLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return ResponseLine{}, fmt.Errorf("parse batch response line: %w", err)
	}
	return parsed, nil
}

// Failure returns a description of why the line did not succeed, or nil.
// Lines may carry an error object instead of a response, or a response with a
// non-2xx status whose body holds the error.
func (l ResponseLine) Failure() error {
	if l.Error != nil {
		return fmt.Errorf("batch line %s failed: %s: %s", l.CustomID, l.Error.Code, l.Error.Message)
	}
	if l.Response == nil {
		return fmt.Errorf("batch line %s has no response", l.CustomID)
	}
	if l.Response.StatusCode != 0 && (l.Response.StatusCode < 200 || l.Response.StatusCode >= 300) {
		var body struct {
			Error *openai.APIError `json:"error"`
		}
		if err := json.Unmarshal(l.Response.Body, &body); err == nil && body.Error != nil {
			return fmt.Errorf("batch line %s returned %d: %s", l.CustomID, l.Response.StatusCode, body.Error.Message)
		}
		return fmt.Errorf("batch line %s returned %d %s", l.CustomID, l.Response.StatusCode, http.StatusText(l.Response.StatusCode))
	}
	return nil
}

// ChatCompletion decodes the body as a chat completion response.
func (l ResponseLine) ChatCompletion() (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	if l.Response == nil {
		return resp, fmt.Errorf("batch line %s has no response", l.CustomID)
	}
	if err := json.Unmarshal(l.Response.Body, &resp); err != nil {
		return resp, fmt.Errorf("decode chat completion for %s: %w", l.CustomID, err)
	}
	return resp, nil
}

// Embedding decodes the body as an embedding response and returns the first
// vector.
func (l ResponseLine) Embedding() ([]float32, error) {
	if l.Response == nil {
		return nil, fmt.Errorf("batch line %s has no response", l.CustomID)
	}
	var resp openai.EmbeddingResponse
	if err := json.Unmarshal(l.Response.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", l.CustomID, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response for %s has no vector", l.CustomID)
	}
	return resp.Data[0].Embedding, nil
}
