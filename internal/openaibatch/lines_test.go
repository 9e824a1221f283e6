package openaibatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseLineSuccess(t *testing.T) {
	line := []byte(`{"id":"batch_req_1","custom_id":"l1-#-title-#-p1","response":{"status_code":200,"request_id":"req_1","body":{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,-0.2,0.3]}],"model":"text-embedding-3-large"}},"error":null}`)

	parsed, err := ParseResponseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "l1-#-title-#-p1", parsed.CustomID)
	assert.NoError(t, parsed.Failure())

	vector, err := parsed.Embedding()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, -0.2, 0.3}, vector, 1e-6)
}

func TestParseResponseLineWithError(t *testing.T) {
	line := []byte(`{"id":"batch_req_2","custom_id":"l2","response":null,"error":{"code":"invalid_request","message":"bad prompt"}}`)

	parsed, err := ParseResponseLine(line)
	require.NoError(t, err)
	failure := parsed.Failure()
	require.Error(t, failure)
	assert.Contains(t, failure.Error(), "bad prompt")
}

func TestParseResponseLineWithErrorStatus(t *testing.T) {
	line := []byte(`{"id":"batch_req_3","custom_id":"l3","response":{"status_code":400,"body":{"error":{"message":"context length exceeded","type":"invalid_request_error"}}},"error":null}`)

	parsed, err := ParseResponseLine(line)
	require.NoError(t, err)
	failure := parsed.Failure()
	require.Error(t, failure)
	assert.Contains(t, failure.Error(), "context length exceeded")
}

func TestParseResponseLineRejectsInvalidJSON(t *testing.T) {
	_, err := ParseResponseLine([]byte(`{"custom_id":`))
	assert.Error(t, err)
}

func TestChatCompletionContent(t *testing.T) {
	line := []byte(`{"id":"r","custom_id":"l1","response":{"status_code":200,"body":{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"{\"title\":\"X\"}"},"finish_reason":"stop"}]}}}`)

	parsed, err := ParseResponseLine(line)
	require.NoError(t, err)
	resp, err := parsed.ChatCompletion()
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, `{"title":"X"}`, resp.Choices[0].Message.Content)
}

func TestEmbeddingWithoutVector(t *testing.T) {
	parsed, err := ParseResponseLine([]byte(`{"custom_id":"x","response":{"status_code":200,"body":{"data":[]}}}`))
	require.NoError(t, err)
	_, err = parsed.Embedding()
	assert.Error(t, err)
}
