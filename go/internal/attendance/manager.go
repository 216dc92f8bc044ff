package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
)

// ErrNoActiveSession is returned by Unattend when the student has no open
// session.
var ErrNoActiveSession = errors.New("no active session")

// ConflictReason distinguishes the two attend rejections.
type ConflictReason string

const (
	// ConflictCourse: the student already attends a different course.
	// The caller must unattend first; there is no silent migration.
	ConflictCourse ConflictReason = "course"
	// ConflictTab: another tab is authoritative for the same course.
	// The caller may retry with forceTakeover or go passive.
	ConflictTab ConflictReason = "tab"
)

// ConflictError carries the current authoritative state so the caller can
// offer an explicit takeover.
type ConflictError struct {
	Reason           ConflictReason       `json:"reason"`
	CourseID         string               `json:"course_id"`
	Status           models.SessionStatus `json:"status"`
	AuthoritativeTab string               `json:"authoritative_tab"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("attendance conflict (%s): course %s held by tab %s", e.Reason, e.CourseID, e.AuthoritativeTab)
}

// SessionStore is the persistence contract for attendance sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s models.AttendanceSession) error
	ActiveSessionForStudent(ctx context.Context, studentID string) (*models.AttendanceSession, error)
	UpdateSession(ctx context.Context, id uuid.UUID, status models.SessionStatus, at time.Time, activeTabID string) error
	EndSession(ctx context.Context, id uuid.UUID, at time.Time) error
	StudentsAttending(ctx context.Context, courseID string) ([]string, error)
}

// Broadcaster delivers session events to every socket of one student, so
// non-authoritative tabs can switch to passive mode on their own.
type Broadcaster interface {
	ToStudent(studentID string, ev events.Event)
}

type tabAuthority struct {
	sessionID uuid.UUID
	tabID     string
}

// Manager elects exactly one browser tab as the authoritative controller of
// a student's attendance session. The persisted session is the record; the
// authority map is process-wide in-memory state keyed by student id and by
// session id (the session index is a lookup back-reference only).
type Manager struct {
	store       SessionStore
	broadcaster Broadcaster
	clock       clockwork.Clock

	mu        sync.Mutex
	byStudent map[string]*tabAuthority
	bySession map[uuid.UUID]string
}

func NewManager(store SessionStore, broadcaster Broadcaster, clock clockwork.Clock) *Manager {
	return &Manager{
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		byStudent:   make(map[string]*tabAuthority),
		bySession:   make(map[uuid.UUID]string),
	}
}

// Attend opens or adopts the student's attendance session for a course.
// A session for a different course is rejected with a structured conflict.
// A same-course request from a non-authoritative tab is rejected unless
// forceTakeover is set, in which case authority moves to the caller and
// every tab of the student is told.
func (m *Manager) Attend(ctx context.Context, studentID, courseID, tabID string, status models.SessionStatus, forceTakeover bool) (*models.AttendanceSession, error) {
	if status != models.SessionStatusViewing && status != models.SessionStatusNotViewing {
		status = models.SessionStatusViewing
	}

	existing, err := m.store.ActiveSessionForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.CourseID != courseID {
		return nil, &ConflictError{
			Reason:           ConflictCourse,
			CourseID:         existing.CourseID,
			Status:           existing.Status,
			AuthoritativeTab: m.authoritativeTab(studentID),
		}
	}

	now := m.clock.Now().UTC()

	if existing != nil {
		authTab := m.authoritativeTab(studentID)
		if authTab != "" && authTab != tabID && !forceTakeover {
			return nil, &ConflictError{
				Reason:           ConflictTab,
				CourseID:         existing.CourseID,
				Status:           existing.Status,
				AuthoritativeTab: authTab,
			}
		}

		if err := m.store.UpdateSession(ctx, existing.ID, status, now, tabID); err != nil {
			return nil, err
		}
		existing.Status = status
		existing.LastStatusAt = now
		existing.ActiveTabID = tabID
		m.setAuthority(studentID, existing.ID, tabID)

		if authTab != "" && authTab != tabID {
			log.Info().
				Str("student_id", studentID).
				Str("course_id", courseID).
				Str("from_tab", authTab).
				Str("to_tab", tabID).
				Msg("attendance authority takeover")
		}
		m.broadcastSession(studentID, *existing)
		return existing, nil
	}

	session := models.AttendanceSession{
		ID:           uuid.New(),
		StudentID:    studentID,
		CourseID:     courseID,
		Status:       status,
		StartedAt:    now,
		LastStatusAt: now,
		ActiveTabID:  tabID,
	}
	// Persist first; authority is only granted after a successful write.
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	m.setAuthority(studentID, session.ID, tabID)

	log.Info().
		Str("student_id", studentID).
		Str("course_id", courseID).
		Str("tab_id", tabID).
		Msg("attendance session started")
	m.broadcastSession(studentID, session)
	return &session, nil
}

// Unattend ends the student's active session, clears tab authority and
// returns all of the student's tabs to the lobby view.
func (m *Manager) Unattend(ctx context.Context, studentID string) (*models.AttendanceSession, error) {
	existing, err := m.store.ActiveSessionForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNoActiveSession
	}

	now := m.clock.Now().UTC()
	if err := m.store.EndSession(ctx, existing.ID, now); err != nil {
		return nil, err
	}
	existing.Status = models.SessionStatusEnded
	existing.LastStatusAt = now
	existing.EndedAt = &now
	m.clearAuthority(studentID)

	log.Info().
		Str("student_id", studentID).
		Str("course_id", existing.CourseID).
		Msg("attendance session ended")
	m.broadcastSession(studentID, *existing)
	return existing, nil
}

// Visibility records a tab's foreground/background state. It changes the
// session status only when the reporting tab is already authoritative;
// it never moves authority.
func (m *Manager) Visibility(ctx context.Context, studentID, tabID string, visible bool) error {
	existing, err := m.store.ActiveSessionForStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if m.authoritativeTab(studentID) != tabID {
		return nil
	}

	status := models.SessionStatusViewing
	if !visible {
		status = models.SessionStatusNotViewing
	}
	if status == existing.Status {
		return nil
	}

	now := m.clock.Now().UTC()
	if err := m.store.UpdateSession(ctx, existing.ID, status, now, tabID); err != nil {
		return err
	}
	existing.Status = status
	existing.LastStatusAt = now
	m.broadcastSession(studentID, *existing)
	return nil
}

// ActiveSession returns the student's open session, or nil. Used for
// snapshot replies on (re)connection.
func (m *Manager) ActiveSession(ctx context.Context, studentID string) (*models.AttendanceSession, error) {
	return m.store.ActiveSessionForStudent(ctx, studentID)
}

// StudentsAttending lists students with an open session for a course.
func (m *Manager) StudentsAttending(ctx context.Context, courseID string) ([]string, error) {
	return m.store.StudentsAttending(ctx, courseID)
}

// ReleaseTab drops the authority mapping when the authoritative tab's socket
// goes away. The session itself stays open; the next attend from another
// tab then succeeds without a takeover. There is no liveness probe.
func (m *Manager) ReleaseTab(studentID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, ok := m.byStudent[studentID]
	if !ok || auth.tabID != tabID {
		return
	}
	delete(m.bySession, auth.sessionID)
	delete(m.byStudent, studentID)
	log.Debug().
		Str("student_id", studentID).
		Str("tab_id", tabID).
		Msg("released tab authority on disconnect")
}

func (m *Manager) setAuthority(studentID string, sessionID uuid.UUID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byStudent[studentID] = &tabAuthority{sessionID: sessionID, tabID: tabID}
	m.bySession[sessionID] = studentID
}

func (m *Manager) clearAuthority(studentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if auth, ok := m.byStudent[studentID]; ok {
		delete(m.bySession, auth.sessionID)
		delete(m.byStudent, studentID)
	}
}

// authoritativeTab reads the in-memory map only. Authority does not survive
// a restart or the authoritative tab's disconnect; an empty result means the
// next attend wins without a takeover.
func (m *Manager) authoritativeTab(studentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if auth, ok := m.byStudent[studentID]; ok {
		return auth.tabID
	}
	return ""
}

func (m *Manager) broadcastSession(studentID string, session models.AttendanceSession) {
	ev, err := events.New(events.EventTypeSessionUpdated, events.SessionUpdatedPayload{Session: session})
	if err != nil {
		log.Error().Err(err).Msg("failed to build attendance_session_updated event")
		return
	}
	m.broadcaster.ToStudent(studentID, ev)
}
