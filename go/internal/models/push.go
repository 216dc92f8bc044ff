package models

import (
	"time"

	"github.com/google/uuid"
)

// Push represents one broadcast instance of a quiz sent to a roster of
// students. Immutable after creation except UndoneAt.
type Push struct {
	ID               uuid.UUID  `json:"id"`
	QuizID           uuid.UUID  `json:"quiz_id"`
	CourseID         string     `json:"course_id"`
	IssuedBy         string     `json:"issued_by"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	StartedAt        time.Time  `json:"started_at"`
	TargetStudentIDs []string   `json:"target_student_ids"`
	UndoneAt         *time.Time `json:"undone_at,omitempty"`
}

// Deadline is the instant the push timer fires, anchored to push creation.
func (p *Push) Deadline() time.Time {
	return p.StartedAt.Add(time.Duration(p.TimeoutSeconds) * time.Second)
}
