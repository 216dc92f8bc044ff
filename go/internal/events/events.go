package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message the gateway emits, on the wire and
// on the relay stream.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType names match the wire contract consumed by the web clients.
type EventType string

const (
	// Student-scoped events.
	EventTypeQueueUpdated   EventType = "queue_updated"
	EventTypeShowNextQuiz   EventType = "show_next_quiz"
	EventTypeQueueEmpty     EventType = "queue_empty"
	EventTypeQuizUndo       EventType = "quiz_undo"
	EventTypeQuizTimeout    EventType = "quiz_timeout"
	EventTypeAnswerAck      EventType = "answer_submitted"
	EventTypeSessionUpdated EventType = "attendance_session_updated"

	// Teacher-scoped events.
	EventTypePushCreated     EventType = "push_created"
	EventTypePushUndone      EventType = "push_undone"
	EventTypeStudentAnswered EventType = "student_answered"

	// Per-socket error replies.
	EventTypeError EventType = "error"
)

// New builds an event envelope around a JSON-marshalable payload.
func New(eventType EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}
