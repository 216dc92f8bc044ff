package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/attendance"
	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/push"
	"github.com/classcast/classcast/go/internal/queue"
)

const commandTimeout = 10 * time.Second

// Pushes is the slice of the push engine the gateway drives.
type Pushes interface {
	Push(ctx context.Context, quizID uuid.UUID, courseID string, timeoutSeconds int, issuedBy string) (*models.Push, error)
	Undo(ctx context.Context, pushID uuid.UUID) error
	UndoByQuiz(ctx context.Context, quizID uuid.UUID) error
	SubmitAnswer(ctx context.Context, pushID uuid.UUID, studentID, answer string, answeredAt time.Time) (*models.Response, error)
}

// Queues is the slice of the queue service the gateway needs for resync.
type Queues interface {
	ResyncSnapshot(ctx context.Context, studentID, courseID string) (*queue.Snapshot, error)
}

// Sessions is the slice of the attendance manager the gateway drives.
type Sessions interface {
	Attend(ctx context.Context, studentID, courseID, tabID string, status models.SessionStatus, forceTakeover bool) (*models.AttendanceSession, error)
	Unattend(ctx context.Context, studentID string) (*models.AttendanceSession, error)
	Visibility(ctx context.Context, studentID, tabID string, visible bool) error
	ActiveSession(ctx context.Context, studentID string) (*models.AttendanceSession, error)
	ReleaseTab(studentID, tabID string)
}

// Dispatcher fans events out to live sockets and mirrors them onto the relay
// stream. It is the Broadcaster the core services are wired with.
type Dispatcher struct {
	cm    *ConnectionManager
	relay *Relay
}

func NewDispatcher(cm *ConnectionManager, relay *Relay) *Dispatcher {
	return &Dispatcher{cm: cm, relay: relay}
}

func (d *Dispatcher) ToStudent(studentID string, ev events.Event) {
	d.cm.ToStudent(studentID, ev)
	d.mirror("student", studentID, ev)
}

func (d *Dispatcher) ToTeachers(ev events.Event) {
	d.cm.ToTeachers(ev)
	d.mirror("teachers", "", ev)
}

func (d *Dispatcher) mirror(scope, scopeID string, ev events.Event) {
	if d.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.relay.Publish(ctx, scope, scopeID, ev); err != nil {
		log.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Msg("failed to relay event")
	}
}

// Service wires socket lifecycle and inbound commands to the core services.
type Service struct {
	cm       *ConnectionManager
	pushes   Pushes
	queues   Queues
	sessions Sessions
}

func NewService(cm *ConnectionManager, pushes Pushes, queues Queues, sessions Sessions) *Service {
	s := &Service{
		cm:       cm,
		pushes:   pushes,
		queues:   queues,
		sessions: sessions,
	}
	cm.onCommand = s.handleCommand
	cm.onConnect = s.handleConnect
	cm.onDisconnect = s.handleDisconnect
	return s
}

// Start runs the broadcast loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.cm.Start(ctx)
}

func (s *Service) handleCommand(conn *Connection, message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.sendError(conn, "", "bad_request", "malformed command", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case CommandAttend:
		s.handleAttend(ctx, conn, cmd)
	case CommandUnattend:
		s.handleUnattend(ctx, conn, cmd)
	case CommandVisibility:
		s.handleVisibility(ctx, conn, cmd)
	case CommandQuizAnswer:
		s.handleQuizAnswer(ctx, conn, cmd)
	case CommandPush:
		s.handlePush(ctx, conn, cmd)
	case CommandUndo:
		s.handleUndo(ctx, conn, cmd)
	default:
		s.sendError(conn, string(cmd.Type), "unknown_command", "unknown command type", nil)
	}
}

func (s *Service) handleAttend(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleStudent {
		s.sendError(conn, string(cmd.Type), "forbidden", "attend is a student command", nil)
		return
	}

	var req AttendCommand
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "malformed attend command", nil)
		return
	}
	if req.CourseID == "" {
		s.sendError(conn, string(cmd.Type), "bad_request", "course_id is required", nil)
		return
	}
	tabID := req.TabID
	if tabID == "" {
		tabID = conn.TabID
	}
	status, err := parseSessionStatus(req.Status)
	if err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", err.Error(), nil)
		return
	}

	_, err = s.sessions.Attend(ctx, conn.UserID, req.CourseID, tabID, status, req.ForceTakeover)
	if err != nil {
		var conflict *attendance.ConflictError
		if errors.As(err, &conflict) {
			s.sendError(conn, string(cmd.Type), "conflict", conflict.Error(), conflict)
			return
		}
		log.Error().Err(err).Str("student_id", conn.UserID).Msg("attend failed")
		s.sendError(conn, string(cmd.Type), "internal", "could not open attendance session", nil)
		return
	}

	// A fresh or adopted session replays the queue so the tab renders any
	// quiz that arrived while it was away.
	s.resync(ctx, conn, req.CourseID)
}

func (s *Service) handleUnattend(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleStudent {
		s.sendError(conn, string(cmd.Type), "forbidden", "unattend is a student command", nil)
		return
	}

	var req UnattendCommand
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			s.sendError(conn, string(cmd.Type), "bad_request", "malformed unattend command", nil)
			return
		}
	}
	tabID := req.TabID
	if tabID == "" {
		tabID = conn.TabID
	}

	if _, err := s.sessions.Unattend(ctx, conn.UserID); err != nil {
		if errors.Is(err, attendance.ErrNoActiveSession) {
			s.sendError(conn, string(cmd.Type), "no_active_session", "no active attendance session", nil)
			return
		}
		log.Error().Err(err).
			Str("student_id", conn.UserID).
			Str("tab_id", tabID).
			Msg("unattend failed")
		s.sendError(conn, string(cmd.Type), "internal", "could not end attendance session", nil)
	}
}

func (s *Service) handleVisibility(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleStudent {
		s.sendError(conn, string(cmd.Type), "forbidden", "visibility is a student command", nil)
		return
	}

	var req VisibilityCommand
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "malformed visibility command", nil)
		return
	}
	tabID := req.TabID
	if tabID == "" {
		tabID = conn.TabID
	}

	conn.SetVisible(req.Visible)
	if err := s.sessions.Visibility(ctx, conn.UserID, tabID, req.Visible); err != nil {
		log.Error().Err(err).Str("student_id", conn.UserID).Msg("visibility update failed")
	}
}

func (s *Service) handleQuizAnswer(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleStudent {
		s.sendError(conn, string(cmd.Type), "forbidden", "quiz_answer is a student command", nil)
		return
	}

	var req QuizAnswerCommand
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "malformed quiz_answer command", nil)
		return
	}
	pushID, err := uuid.Parse(req.PushID)
	if err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "invalid push_id", nil)
		return
	}
	answeredAt := req.AnsweredAt
	if answeredAt.IsZero() {
		answeredAt = time.Now().UTC()
	}

	resp, err := s.pushes.SubmitAnswer(ctx, pushID, conn.UserID, req.Answer, answeredAt)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyAnswered):
			s.sendError(conn, string(cmd.Type), "already_answered", "answer already recorded", nil)
		case errors.Is(err, queue.ErrNotActive):
			s.sendError(conn, string(cmd.Type), "no_longer_active", "push is no longer active", nil)
		default:
			log.Error().Err(err).
				Str("student_id", conn.UserID).
				Str("push_id", req.PushID).
				Msg("answer submission failed")
			s.sendError(conn, string(cmd.Type), "internal", "could not record answer", nil)
		}
		return
	}

	ack, err := events.New(events.EventTypeAnswerAck, events.AnswerAckPayload{
		PushID:     req.PushID,
		AnsweredAt: resp.AnsweredAt,
		ElapsedMs:  resp.ElapsedMs,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build answer_submitted event")
		return
	}
	s.cm.SendTo(conn, ack)
}

func (s *Service) handlePush(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleTeacher {
		s.sendError(conn, string(cmd.Type), "forbidden", "push is a teacher command", nil)
		return
	}

	var req PushCommand
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "malformed push command", nil)
		return
	}
	quizID, err := uuid.Parse(req.QuizID)
	if err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "invalid quiz_id", nil)
		return
	}
	if req.CourseID == "" {
		s.sendError(conn, string(cmd.Type), "bad_request", "course_id is required", nil)
		return
	}

	if _, err := s.pushes.Push(ctx, quizID, req.CourseID, req.TimeoutSeconds, conn.UserID); err != nil {
		switch {
		case errors.Is(err, push.ErrQuizNotFound):
			s.sendError(conn, string(cmd.Type), "not_found", "quiz not found", nil)
		case errors.Is(err, push.ErrQuizCourseMismatch):
			s.sendError(conn, string(cmd.Type), "bad_request", "quiz does not belong to course", nil)
		case errors.Is(err, push.ErrNoEligibleStudents):
			s.sendError(conn, string(cmd.Type), "no_eligible_students", "no attending students to push to", nil)
		default:
			log.Error().Err(err).
				Str("quiz_id", req.QuizID).
				Str("course_id", req.CourseID).
				Msg("push failed")
			s.sendError(conn, string(cmd.Type), "internal", "could not push quiz", nil)
		}
	}
}

func (s *Service) handleUndo(ctx context.Context, conn *Connection, cmd Command) {
	if conn.Role != models.RoleTeacher {
		s.sendError(conn, string(cmd.Type), "forbidden", "undo is a teacher command", nil)
		return
	}

	var req UndoCommand
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		s.sendError(conn, string(cmd.Type), "bad_request", "malformed undo command", nil)
		return
	}

	var err error
	switch {
	case req.PushID != "":
		var pushID uuid.UUID
		pushID, err = uuid.Parse(req.PushID)
		if err != nil {
			s.sendError(conn, string(cmd.Type), "bad_request", "invalid push_id", nil)
			return
		}
		err = s.pushes.Undo(ctx, pushID)
	case req.QuizID != "":
		var quizID uuid.UUID
		quizID, err = uuid.Parse(req.QuizID)
		if err != nil {
			s.sendError(conn, string(cmd.Type), "bad_request", "invalid quiz_id", nil)
			return
		}
		err = s.pushes.UndoByQuiz(ctx, quizID)
	default:
		s.sendError(conn, string(cmd.Type), "bad_request", "push_id or quiz_id is required", nil)
		return
	}

	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			s.sendError(conn, string(cmd.Type), "not_found", "no active push to undo", nil)
			return
		}
		log.Error().Err(err).Msg("undo failed")
		s.sendError(conn, string(cmd.Type), "internal", "could not undo push", nil)
	}
}

// handleConnect replays current state to a freshly opened socket: the active
// attendance session, then the queue snapshot for that course.
func (s *Service) handleConnect(conn *Connection) {
	if conn.Role != models.RoleStudent {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	session, err := s.sessions.ActiveSession(ctx, conn.UserID)
	if err != nil {
		log.Error().Err(err).Str("student_id", conn.UserID).Msg("resync: session lookup failed")
		return
	}
	if session == nil {
		return
	}

	ev, err := events.New(events.EventTypeSessionUpdated, events.SessionUpdatedPayload{Session: *session})
	if err != nil {
		log.Error().Err(err).Msg("failed to build attendance_session_updated event")
	} else {
		s.cm.SendTo(conn, ev)
	}

	s.resync(ctx, conn, session.CourseID)
}

func (s *Service) resync(ctx context.Context, conn *Connection, courseID string) {
	snap, err := s.queues.ResyncSnapshot(ctx, conn.UserID, courseID)
	if err != nil {
		log.Error().Err(err).
			Str("student_id", conn.UserID).
			Str("course_id", courseID).
			Msg("resync: snapshot build failed")
		return
	}

	if snap.Queue.Total == 0 {
		ev, err := events.New(events.EventTypeQueueEmpty, events.QueueEmptyPayload{CourseID: courseID})
		if err == nil {
			s.cm.SendTo(conn, ev)
		}
		return
	}

	if ev, err := events.New(events.EventTypeQueueUpdated, snap.Queue); err == nil {
		s.cm.SendTo(conn, ev)
	}
	if snap.Promoted != nil {
		if ev, err := events.New(events.EventTypeShowNextQuiz, *snap.Promoted); err == nil {
			s.cm.SendTo(conn, ev)
		}
	}
}

// handleDisconnect releases the attendance tab authority held by the closing
// socket. The session row stays open; the next attend from any tab wins.
func (s *Service) handleDisconnect(conn *Connection) {
	if conn.Role != models.RoleStudent {
		return
	}
	s.sessions.ReleaseTab(conn.UserID, conn.TabID)
}

func (s *Service) sendError(conn *Connection, command, code, message string, details interface{}) {
	ev, err := events.New(events.EventTypeError, events.ErrorPayload{
		Command: command,
		Code:    code,
		Message: message,
		Details: details,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build error event")
		return
	}
	s.cm.SendTo(conn, ev)
}

func parseSessionStatus(raw string) (models.SessionStatus, error) {
	switch strings.ToUpper(raw) {
	case "", string(models.SessionStatusViewing):
		return models.SessionStatusViewing, nil
	case string(models.SessionStatusNotViewing):
		return models.SessionStatusNotViewing, nil
	default:
		return "", errors.New("invalid session status")
	}
}
