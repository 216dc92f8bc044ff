package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the state of an attendance session.
type SessionStatus string

const (
	SessionStatusViewing    SessionStatus = "VIEWING"
	SessionStatusNotViewing SessionStatus = "NOT_VIEWING"
	SessionStatusEnded      SessionStatus = "ENDED"
)

// AttendanceSession is a student's open "currently in this course" marker.
// At most one non-ended session exists per student at any time, globally.
type AttendanceSession struct {
	ID           uuid.UUID     `json:"id"`
	StudentID    string        `json:"student_id"`
	CourseID     string        `json:"course_id"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	LastStatusAt time.Time     `json:"last_status_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	ActiveTabID  string        `json:"active_tab_id"`
}
