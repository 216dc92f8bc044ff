package events

import (
	"time"

	"github.com/classcast/classcast/go/internal/models"
)

// Event payload types shared between the core services and the gateway.

// QuizView is the subset of a quiz shown to students. The correct option
// never leaves the server.
type QuizView struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// SnapshotItem is one entry of a student's materialized queue view.
type SnapshotItem struct {
	PushID           string `json:"push_id"`
	QuizID           string `json:"quiz_id"`
	Position         int    `json:"position"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// QueueUpdatedPayload is the full queue snapshot for one student and course.
type QueueUpdatedPayload struct {
	CourseID    string         `json:"course_id"`
	CurrentQuiz *SnapshotItem  `json:"current_quiz"`
	Pending     []SnapshotItem `json:"pending"`
	Total       int            `json:"total"`
}

// ShowNextQuizPayload activates the quiz UI on the student's active tab.
type ShowNextQuizPayload struct {
	PushID           string   `json:"push_id"`
	Quiz             QuizView `json:"quiz"`
	RemainingSeconds int      `json:"remaining_seconds"`
	Position         int      `json:"position"`
	Total            int      `json:"total"`
}

// QueueEmptyPayload clears the quiz UI.
type QueueEmptyPayload struct {
	CourseID string `json:"course_id"`
	Message  string `json:"message"`
}

// QuizUndoPayload tells a student the teacher withdrew a push.
type QuizUndoPayload struct {
	PushID   string `json:"push_id"`
	QuizID   string `json:"quiz_id"`
	CourseID string `json:"course_id"`
}

// QuizTimeoutPayload tells a student the push deadline passed unanswered.
type QuizTimeoutPayload struct {
	PushID    string `json:"push_id"`
	QuizID    string `json:"quiz_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// AnswerAckPayload confirms a successful answer submission.
type AnswerAckPayload struct {
	PushID     string    `json:"push_id"`
	AnsweredAt time.Time `json:"answered_at"`
	ElapsedMs  int64     `json:"elapsed_ms"`
}

// SessionUpdatedPayload carries the authoritative attendance session to every
// socket belonging to the student.
type SessionUpdatedPayload struct {
	Session models.AttendanceSession `json:"session"`
}

// PushCreatedPayload is emitted to teacher sockets when a broadcast starts.
type PushCreatedPayload struct {
	PushID         string    `json:"push_id"`
	QuizID         string    `json:"quiz_id"`
	CourseID       string    `json:"course_id"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	TargetCount    int       `json:"target_count"`
	StartedAt      time.Time `json:"started_at"`
}

// PushUndonePayload is emitted to teacher sockets when a broadcast is undone.
type PushUndonePayload struct {
	PushID   string `json:"push_id"`
	QuizID   string `json:"quiz_id"`
	CourseID string `json:"course_id"`
}

// StudentAnsweredPayload is live per-student progress for the teacher UI.
type StudentAnsweredPayload struct {
	PushID    string                `json:"push_id"`
	StudentID string                `json:"student_id"`
	Status    models.ResponseStatus `json:"status"`
	ElapsedMs int64                 `json:"elapsed_ms"`
}

// ErrorPayload is a structured per-socket error reply. Details carries
// conflict context (e.g. the competing attendance session) when present.
type ErrorPayload struct {
	Command string      `json:"command"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
