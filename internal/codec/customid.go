package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Task identifies which encoding a custom id uses.
type Task string

const (
	TaskGenerateLessonPlan Task = "generate-lesson-plan"
	TaskEmbedPart          Task = "embed-lesson-plan-part"
)

// Delimiter joins the fields of an embedding custom id.
const Delimiter = "-#-"

// ErrMalformedID is matched by every MalformedIDError.
var ErrMalformedID = errors.New("malformed custom id")

// MalformedIDError reports a custom id that does not decode for its task.
type MalformedIDError struct {
	Task   Task
	ID     string
	Reason string
}

func (e *MalformedIDError) Error() string {
	return fmt.Sprintf("malformed %s custom id %q: %s", e.Task, e.ID, e.Reason)
}

func (e *MalformedIDError) Is(target error) bool {
	return target == ErrMalformedID
}

// EmbeddingID is the decoded form of an embedding custom id.
type EmbeddingID struct {
	LessonID         string
	PartKey          string
	LessonPlanPartID string
}

// EncodeLessonPlanID returns the custom id for a lesson plan generation line.
func EncodeLessonPlanID(lessonID string) string {
	return lessonID
}

// DecodeLessonPlanID returns the lesson id encoded by EncodeLessonPlanID.
func DecodeLessonPlanID(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", &MalformedIDError{Task: TaskGenerateLessonPlan, ID: id, Reason: "empty id"}
	}
	return id, nil
}

// EncodeEmbeddingID returns the custom id for an embedding line. Callers must
// not pass fields containing Delimiter; DecodeEmbeddingID rejects the result.
func EncodeEmbeddingID(lessonID, partKey, partID string) string {
	return strings.Join([]string{lessonID, partKey, partID}, Delimiter)
}

// DecodeEmbeddingID splits an embedding custom id into its fields.
func DecodeEmbeddingID(id string) (EmbeddingID, error) {
	segments := strings.Split(id, Delimiter)
	if len(segments) != 3 {
		return EmbeddingID{}, &MalformedIDError{
			Task:   TaskEmbedPart,
			ID:     id,
			Reason: fmt.Sprintf("expected 3 segments, got %d", len(segments)),
		}
	}
	for _, segment := range segments {
		if segment == "" {
			return EmbeddingID{}, &MalformedIDError{Task: TaskEmbedPart, ID: id, Reason: "empty segment"}
		}
	}

	return EmbeddingID{
		LessonID:         segments[0],
		PartKey:          segments[1],
		LessonPlanPartID: segments[2],
	}, nil
}

// DecodeLessonID extracts only the lesson id from a custom id of either task.
func DecodeLessonID(task Task, id string) (string, error) {
	switch task {
	case TaskGenerateLessonPlan:
		return DecodeLessonPlanID(id)
	case TaskEmbedPart:
		decoded, err := DecodeEmbeddingID(id)
		if err != nil {
			return "", err
		}
		return decoded.LessonID, nil
	default:
		return "", fmt.Errorf("unknown custom id task %q", task)
	}
}
