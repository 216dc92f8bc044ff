package push

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
)

func TestRegistryRemoveKeepsRepushedQuizIndex(t *testing.T) {
	r := NewRegistry()
	quizID := uuid.New()
	first := models.Push{ID: uuid.New(), QuizID: quizID, CourseID: "cs101", TargetStudentIDs: []string{"s1"}}
	second := models.Push{ID: uuid.New(), QuizID: quizID, CourseID: "cs101", TargetStudentIDs: []string{"s1"}}

	r.Add(first, events.QuizView{})
	r.Add(second, events.QuizView{})

	// Resolving the older push must not orphan the newer one in the quiz
	// index.
	r.Remove(first.ID)

	id, ok := r.PushIDForQuiz(quizID)
	require.True(t, ok)
	assert.Equal(t, second.ID, id)
	_, ok = r.Get(second.ID)
	assert.True(t, ok)

	r.Remove(second.ID)
	_, ok = r.PushIDForQuiz(quizID)
	assert.False(t, ok)
}

func TestRegistryRemoveUnknownPushIsNoOp(t *testing.T) {
	r := NewRegistry()
	quizID := uuid.New()
	p := models.Push{ID: uuid.New(), QuizID: quizID, TargetStudentIDs: []string{"s1"}}
	r.Add(p, events.QuizView{})

	r.Remove(uuid.New())

	id, ok := r.PushIDForQuiz(quizID)
	require.True(t, ok)
	assert.Equal(t, p.ID, id)
}
