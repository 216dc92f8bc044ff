package gateway

import (
	"encoding/json"
	"time"
)

// Command is the envelope for every message a client sends on its socket.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CommandType names match the wire contract of the web clients.
type CommandType string

const (
	CommandAttend     CommandType = "attend"
	CommandUnattend   CommandType = "unattend"
	CommandVisibility CommandType = "student_visibility_change"
	CommandQuizAnswer CommandType = "quiz_answer"
	CommandPush       CommandType = "push"
	CommandUndo       CommandType = "undo"
)

// AttendCommand asks to open (or take over) a course attendance session.
type AttendCommand struct {
	CourseID      string `json:"course_id"`
	TabID         string `json:"tab_id"`
	Status        string `json:"status"`
	ForceTakeover bool   `json:"forceTakeover"`
}

// UnattendCommand ends the student's active session.
type UnattendCommand struct {
	TabID string `json:"tab_id"`
}

// VisibilityCommand updates a tab's foreground/background flag.
type VisibilityCommand struct {
	Visible bool   `json:"visible"`
	TabID   string `json:"tab_id"`
}

// QuizAnswerCommand submits an answer for an active push.
type QuizAnswerCommand struct {
	PushID     string    `json:"push_id"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// PushCommand broadcasts a quiz to the course roster. Teacher sockets only.
type PushCommand struct {
	QuizID         string `json:"quiz_id"`
	CourseID       string `json:"course_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// UndoCommand withdraws an active push by push id or quiz id.
type UndoCommand struct {
	PushID string `json:"push_id,omitempty"`
	QuizID string `json:"quiz_id,omitempty"`
}
