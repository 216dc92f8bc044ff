package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus defines the lifecycle state of a queue entry.
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "PENDING"
	EntryStatusViewing  EntryStatus = "VIEWING"
	EntryStatusAnswered EntryStatus = "ANSWERED"
	EntryStatusRemoved  EntryStatus = "REMOVED"
)

// Terminal reports whether no further transitions are allowed.
func (s EntryStatus) Terminal() bool {
	return s == EntryStatusAnswered || s == EntryStatusRemoved
}

// QueueEntry links one student to one push. At most one entry per
// (student, course) holds EntryStatusViewing at any instant.
type QueueEntry struct {
	ID            uuid.UUID   `json:"id"`
	StudentID     string      `json:"student_id"`
	PushID        uuid.UUID   `json:"push_id"`
	QuizID        uuid.UUID   `json:"quiz_id"`
	CourseID      string      `json:"course_id"`
	Status        EntryStatus `json:"status"`
	AddedAt       time.Time   `json:"added_at"`
	FirstViewedAt *time.Time  `json:"first_viewed_at,omitempty"`
}

// ResponseStatus defines how a response came to exist.
type ResponseStatus string

const (
	ResponseStatusAnswered ResponseStatus = "ANSWERED"
	ResponseStatusTimeout  ResponseStatus = "TIMEOUT"
)

// Response records a student's terminal outcome for a push. Exactly one row
// exists per (push, student); the responses table enforces this with a
// unique constraint.
type Response struct {
	ID         uuid.UUID      `json:"id"`
	PushID     uuid.UUID      `json:"push_id"`
	QuizID     uuid.UUID      `json:"quiz_id"`
	StudentID  string         `json:"student_id"`
	Answer     string         `json:"answer"`
	StartedAt  time.Time      `json:"started_at"`
	AnsweredAt time.Time      `json:"answered_at"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	Status     ResponseStatus `json:"status"`
}
