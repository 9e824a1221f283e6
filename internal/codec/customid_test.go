package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingIDRoundTrip(t *testing.T) {
	tests := []struct {
		lessonID, partKey, partID string
	}{
		{"lesson-1", "title", "part-1"},
		{"6f1b6a9e-2f0c-4bd6-9a43-0c7c52a1f2a1", "learningOutcome", "b7d0f1c2-0d3e-4c7a-8a1b-5e0c3c9d2f10"},
		{"a", "cycle1", "z"},
		{"lesson#1", "key-with-dash", "part-#"},
	}

	for _, tt := range tests {
		t.Run(tt.partKey, func(t *testing.T) {
			id := EncodeEmbeddingID(tt.lessonID, tt.partKey, tt.partID)
			decoded, err := DecodeEmbeddingID(id)
			require.NoError(t, err)
			assert.Equal(t, EmbeddingID{LessonID: tt.lessonID, PartKey: tt.partKey, LessonPlanPartID: tt.partID}, decoded)
		})
	}
}

func TestDecodeEmbeddingIDRejectsMalformedInput(t *testing.T) {
	tests := map[string]string{
		"too few segments":        "lesson-1-#-title",
		"delimiter inside field":  EncodeEmbeddingID("lesson-#-1", "title", "part"),
		"empty segment":           "lesson-1-#--#-part",
		"no delimiter":            "lesson-1",
		"empty":                   "",
		"trailing delimiter only": "a-#-b-#-",
	}

	for name, id := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEmbeddingID(id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedID))

			var malformed *MalformedIDError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, id, malformed.ID)
			assert.Contains(t, err.Error(), id)
		})
	}
}

func TestLessonPlanIDIsIdentity(t *testing.T) {
	id := EncodeLessonPlanID("lesson-42")
	assert.Equal(t, "lesson-42", id)

	decoded, err := DecodeLessonPlanID(id)
	require.NoError(t, err)
	assert.Equal(t, "lesson-42", decoded)

	_, err = DecodeLessonPlanID("  ")
	assert.ErrorIs(t, err, ErrMalformedID)
}

func TestDecodeLessonID(t *testing.T) {
	lessonID, err := DecodeLessonID(TaskEmbedPart, EncodeEmbeddingID("l1", "title", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "l1", lessonID)

	lessonID, err = DecodeLessonID(TaskGenerateLessonPlan, "l2")
	require.NoError(t, err)
	assert.Equal(t, "l2", lessonID)

	_, err = DecodeLessonID(Task("quiz"), "l3")
	assert.Error(t, err)
}
