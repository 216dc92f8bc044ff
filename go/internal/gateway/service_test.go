package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcast/classcast/go/internal/attendance"
	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/queue"
)

type fakePushes struct {
	answerErr error
	pushErr   error
	undoErr   error
	undone    []uuid.UUID
}

func (f *fakePushes) Push(_ context.Context, quizID uuid.UUID, courseID string, timeoutSeconds int, issuedBy string) (*models.Push, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return &models.Push{ID: uuid.New(), QuizID: quizID, CourseID: courseID, IssuedBy: issuedBy}, nil
}

func (f *fakePushes) Undo(_ context.Context, pushID uuid.UUID) error {
	if f.undoErr != nil {
		return f.undoErr
	}
	f.undone = append(f.undone, pushID)
	return nil
}

func (f *fakePushes) UndoByQuiz(_ context.Context, _ uuid.UUID) error {
	return f.undoErr
}

func (f *fakePushes) SubmitAnswer(_ context.Context, pushID uuid.UUID, studentID, _ string, answeredAt time.Time) (*models.Response, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &models.Response{
		ID:         uuid.New(),
		PushID:     pushID,
		StudentID:  studentID,
		AnsweredAt: answeredAt,
		ElapsedMs:  1500,
		Status:     models.ResponseStatusAnswered,
	}, nil
}

type fakeQueues struct {
	snapshot *queue.Snapshot
}

func (f *fakeQueues) ResyncSnapshot(_ context.Context, _, courseID string) (*queue.Snapshot, error) {
	if f.snapshot != nil {
		return f.snapshot, nil
	}
	return &queue.Snapshot{Queue: events.QueueUpdatedPayload{CourseID: courseID, Pending: []events.SnapshotItem{}}}, nil
}

type fakeGatewaySessions struct {
	attendErr error
	session   *models.AttendanceSession
	released  []string
}

func (f *fakeGatewaySessions) Attend(_ context.Context, studentID, courseID, tabID string, status models.SessionStatus, _ bool) (*models.AttendanceSession, error) {
	if f.attendErr != nil {
		return nil, f.attendErr
	}
	return &models.AttendanceSession{
		ID: uuid.New(), StudentID: studentID, CourseID: courseID,
		Status: status, ActiveTabID: tabID,
	}, nil
}

func (f *fakeGatewaySessions) Unattend(_ context.Context, _ string) (*models.AttendanceSession, error) {
	if f.session == nil {
		return nil, attendance.ErrNoActiveSession
	}
	ended := *f.session
	ended.Status = models.SessionStatusEnded
	return &ended, nil
}

func (f *fakeGatewaySessions) Visibility(_ context.Context, _, _ string, _ bool) error {
	return nil
}

func (f *fakeGatewaySessions) ActiveSession(_ context.Context, _ string) (*models.AttendanceSession, error) {
	return f.session, nil
}

func (f *fakeGatewaySessions) ReleaseTab(studentID, tabID string) {
	f.released = append(f.released, studentID+"|"+tabID)
}

type gatewayFixture struct {
	svc      *Service
	pushes   *fakePushes
	queues   *fakeQueues
	sessions *fakeGatewaySessions
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		pushes:   &fakePushes{},
		queues:   &fakeQueues{},
		sessions: &fakeGatewaySessions{},
	}
	cm := NewConnectionManager(DefaultConnectionConfig())
	f.svc = NewService(cm, f.pushes, f.queues, f.sessions)
	return f
}

func testConn(userID, tabID string, role models.Role) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		TabID:  tabID,
		Role:   role,
		Send:   make(chan []byte, 16),
	}
}

func command(t *testing.T, cmdType CommandType, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(Command{Type: cmdType, Data: data})
	require.NoError(t, err)
	return raw
}

func nextEvent(t *testing.T, conn *Connection) events.Event {
	t.Helper()
	select {
	case data := <-conn.Send:
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	default:
		t.Fatal("expected an event on the connection")
		return events.Event{}
	}
}

func nextError(t *testing.T, conn *Connection) events.ErrorPayload {
	t.Helper()
	ev := nextEvent(t, conn)
	require.Equal(t, events.EventTypeError, ev.Type)
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	return payload
}

func TestStudentCannotPush(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandPush, PushCommand{QuizID: uuid.New().String(), CourseID: "cs101"}))

	assert.Equal(t, "forbidden", nextError(t, conn).Code)
}

func TestTeacherCannotAttend(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("t1", "tab-a", models.RoleTeacher)

	f.svc.handleCommand(conn, command(t, CommandAttend, AttendCommand{CourseID: "cs101"}))

	assert.Equal(t, "forbidden", nextError(t, conn).Code)
}

func TestUnknownCommand(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, []byte(`{"type":"nonsense","data":{}}`))

	assert.Equal(t, "unknown_command", nextError(t, conn).Code)
}

func TestMalformedCommand(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, []byte(`{not json`))

	assert.Equal(t, "bad_request", nextError(t, conn).Code)
}

func TestQuizAnswerAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandQuizAnswer, QuizAnswerCommand{
		PushID: uuid.New().String(),
		Answer: "4",
	}))

	ev := nextEvent(t, conn)
	require.Equal(t, events.EventTypeAnswerAck, ev.Type)
	var payload events.AnswerAckPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, int64(1500), payload.ElapsedMs)
}

func TestQuizAnswerDuplicate(t *testing.T) {
	f := newGatewayFixture(t)
	f.pushes.answerErr = queue.ErrAlreadyAnswered
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandQuizAnswer, QuizAnswerCommand{
		PushID: uuid.New().String(),
		Answer: "4",
	}))

	assert.Equal(t, "already_answered", nextError(t, conn).Code)
}

func TestQuizAnswerInactivePush(t *testing.T) {
	f := newGatewayFixture(t)
	f.pushes.answerErr = queue.ErrNotActive
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandQuizAnswer, QuizAnswerCommand{
		PushID: uuid.New().String(),
		Answer: "4",
	}))

	assert.Equal(t, "no_longer_active", nextError(t, conn).Code)
}

func TestAttendConflictCarriesDetails(t *testing.T) {
	f := newGatewayFixture(t)
	f.sessions.attendErr = &attendance.ConflictError{
		Reason:           attendance.ConflictTab,
		CourseID:         "cs101",
		Status:           models.SessionStatusViewing,
		AuthoritativeTab: "tab-other",
	}
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandAttend, AttendCommand{CourseID: "cs101", TabID: "tab-a"}))

	payload := nextError(t, conn)
	assert.Equal(t, "conflict", payload.Code)

	details, err := json.Marshal(payload.Details)
	require.NoError(t, err)
	var conflict attendance.ConflictError
	require.NoError(t, json.Unmarshal(details, &conflict))
	assert.Equal(t, attendance.ConflictTab, conflict.Reason)
	assert.Equal(t, "tab-other", conflict.AuthoritativeTab)
}

func TestUnattendWithoutSession(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandUnattend, UnattendCommand{}))

	assert.Equal(t, "no_active_session", nextError(t, conn).Code)
}

func TestUnattendMalformedPayload(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleCommand(conn, []byte(`{"type":"unattend","data":{"tab_id":5}}`))

	assert.Equal(t, "bad_request", nextError(t, conn).Code)
}

func TestUnattendAcceptsTabID(t *testing.T) {
	f := newGatewayFixture(t)
	f.sessions.session = &models.AttendanceSession{
		ID: uuid.New(), StudentID: "s1", CourseID: "cs101",
		Status: models.SessionStatusViewing, ActiveTabID: "tab-a",
	}
	conn := testConn("s1", "tab-b", models.RoleStudent)

	f.svc.handleCommand(conn, command(t, CommandUnattend, UnattendCommand{TabID: "tab-b"}))

	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected reply on unattend: %s", data)
	default:
	}
}

func TestConnectResyncReplaysSessionAndQueue(t *testing.T) {
	f := newGatewayFixture(t)
	f.sessions.session = &models.AttendanceSession{
		ID: uuid.New(), StudentID: "s1", CourseID: "cs101",
		Status: models.SessionStatusViewing, ActiveTabID: "tab-a",
	}
	pushID := uuid.New().String()
	f.queues.snapshot = &queue.Snapshot{
		Queue: events.QueueUpdatedPayload{
			CourseID:    "cs101",
			CurrentQuiz: &events.SnapshotItem{PushID: pushID, Position: 1, RemainingSeconds: 30},
			Pending:     []events.SnapshotItem{},
			Total:       1,
		},
		Promoted: &events.ShowNextQuizPayload{PushID: pushID, Position: 1, Total: 1},
	}

	conn := testConn("s1", "tab-b", models.RoleStudent)
	f.svc.handleConnect(conn)

	assert.Equal(t, events.EventTypeSessionUpdated, nextEvent(t, conn).Type)
	assert.Equal(t, events.EventTypeQueueUpdated, nextEvent(t, conn).Type)
	assert.Equal(t, events.EventTypeShowNextQuiz, nextEvent(t, conn).Type)
}

func TestConnectWithoutSessionSendsNothing(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleConnect(conn)

	assert.Empty(t, conn.Send)
}

func TestDisconnectReleasesTabAuthority(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("s1", "tab-a", models.RoleStudent)

	f.svc.handleDisconnect(conn)

	assert.Equal(t, []string{"s1|tab-a"}, f.sessions.released)
}

func TestTeacherDisconnectDoesNotTouchSessions(t *testing.T) {
	f := newGatewayFixture(t)
	conn := testConn("t1", "tab-a", models.RoleTeacher)

	f.svc.handleDisconnect(conn)

	assert.Empty(t, f.sessions.released)
}
