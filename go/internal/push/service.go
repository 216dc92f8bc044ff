package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/metrics"
	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/queue"
)

var (
	// ErrNotFound is returned by Undo when the push is already resolved,
	// already undone or never existed. Undo is idempotent.
	ErrNotFound = errors.New("push not found")
	// ErrQuizNotFound is returned when the quiz id does not resolve.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizCourseMismatch is returned when the quiz belongs to a
	// different course than the one being pushed to.
	ErrQuizCourseMismatch = errors.New("quiz does not belong to course")
	// ErrNoEligibleStudents is returned when no enrolled, attending,
	// connected student can receive the push.
	ErrNoEligibleStudents = errors.New("no eligible students")
)

const expiryTimeout = 30 * time.Second

// Catalog reads quizzes and enrollment rosters.
type Catalog interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*models.Quiz, error)
	EnrolledStudentIDs(ctx context.Context, courseID string) ([]string, error)
}

// Sessions lists the students with an open attendance session for a course.
type Sessions interface {
	StudentsAttending(ctx context.Context, courseID string) ([]string, error)
}

// Presence reports whether a student has at least one live socket.
type Presence interface {
	IsStudentConnected(studentID string) bool
}

// Store is the persistence contract for the push lifecycle.
type Store interface {
	CreatePushWithEntries(ctx context.Context, p models.Push, entries []models.QueueEntry) error
	UndoPush(ctx context.Context, pushID uuid.UUID, undoneAt time.Time) error
}

// QueueOps is what the dispatch engine needs from the queue service.
type QueueOps interface {
	SubmitAnswer(ctx context.Context, info queue.PushInfo, studentID, answer string, answeredAt time.Time) (*models.Response, error)
	ForceTimeout(ctx context.Context, info queue.PushInfo, studentID string) (*models.Response, error)
	EmitSnapshot(ctx context.Context, studentID, courseID string) error
}

// Broadcaster fans events out to student and teacher sockets.
type Broadcaster interface {
	ToStudent(studentID string, ev events.Event)
	ToTeachers(ev events.Event)
}

// Service is the quiz dispatch engine: it creates pushes, resolves them via
// answer, timeout or undo, and keeps the active registry and timers in step
// with the store.
type Service struct {
	catalog     Catalog
	sessions    Sessions
	presence    Presence
	store       Store
	queue       QueueOps
	registry    *Registry
	scheduler   *Scheduler
	broadcaster Broadcaster
	clock       clockwork.Clock
}

func NewService(ctl Catalog, sessions Sessions, presence Presence, store Store, queueOps QueueOps, registry *Registry, broadcaster Broadcaster, clock clockwork.Clock) *Service {
	s := &Service{
		catalog:     ctl,
		sessions:    sessions,
		presence:    presence,
		store:       store,
		queue:       queueOps,
		registry:    registry,
		broadcaster: broadcaster,
		clock:       clock,
	}
	s.scheduler = NewScheduler(clock, s.handleExpiry)
	return s
}

// Shutdown cancels every armed push timer.
func (s *Service) Shutdown() {
	s.scheduler.Stop()
}

// Push broadcasts a quiz to every enrolled, attending, connected student of
// a course, persists the push and its queue entries, arms the countdown and
// notifies everyone involved.
func (s *Service) Push(ctx context.Context, quizID uuid.UUID, courseID string, timeoutSeconds int, issuedBy string) (*models.Push, error) {
	quiz, err := s.catalog.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, ErrQuizNotFound
	}
	if quiz.CourseID != courseID {
		return nil, ErrQuizCourseMismatch
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = quiz.TimeoutSeconds
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}

	targets, err := s.resolveTargets(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoEligibleStudents
	}

	startedAt := s.clock.Now().UTC()
	p := models.Push{
		ID:               uuid.New(),
		QuizID:           quizID,
		CourseID:         courseID,
		IssuedBy:         issuedBy,
		TimeoutSeconds:   timeoutSeconds,
		StartedAt:        startedAt,
		TargetStudentIDs: targets,
	}

	entries := make([]models.QueueEntry, 0, len(targets))
	for _, studentID := range targets {
		entries = append(entries, models.QueueEntry{
			ID:        uuid.New(),
			StudentID: studentID,
			PushID:    p.ID,
			QuizID:    quizID,
			CourseID:  courseID,
			Status:    models.EntryStatusPending,
			AddedAt:   startedAt,
		})
	}

	// Persist before touching any in-memory index so a failed write can
	// never leave phantom state behind.
	if err := s.store.CreatePushWithEntries(ctx, p, entries); err != nil {
		return nil, err
	}

	quizView := events.QuizView{
		ID:      quiz.ID.String(),
		Prompt:  quiz.Prompt,
		Options: quiz.Options,
	}
	s.registry.Add(p, quizView)
	s.scheduler.Arm(p.ID, time.Duration(timeoutSeconds)*time.Second)

	for _, studentID := range targets {
		if err := s.queue.EmitSnapshot(ctx, studentID, courseID); err != nil {
			log.Error().Err(err).
				Str("push_id", p.ID.String()).
				Str("student_id", studentID).
				Msg("failed to emit snapshot after push")
		}
	}

	s.emitToTeachers(events.EventTypePushCreated, events.PushCreatedPayload{
		PushID:         p.ID.String(),
		QuizID:         quizID.String(),
		CourseID:       courseID,
		TimeoutSeconds: timeoutSeconds,
		TargetCount:    len(targets),
		StartedAt:      startedAt,
	})

	metrics.PushesCreated.Inc()
	log.Info().
		Str("push_id", p.ID.String()).
		Str("quiz_id", quizID.String()).
		Str("course_id", courseID).
		Int("targets", len(targets)).
		Int("timeout_seconds", timeoutSeconds).
		Msg("push created")

	return &p, nil
}

// Undo withdraws an active push: cancels its timer, deletes its queue
// entries and responses, and notifies every previously targeted student
// still connected. A second call for the same push returns ErrNotFound.
func (s *Service) Undo(ctx context.Context, pushID uuid.UUID) error {
	p, ok := s.registry.Get(pushID)
	if !ok {
		return ErrNotFound
	}
	return s.undo(ctx, p)
}

// UndoByQuiz withdraws the active push of a quiz, if any.
func (s *Service) UndoByQuiz(ctx context.Context, quizID uuid.UUID) error {
	pushID, ok := s.registry.PushIDForQuiz(quizID)
	if !ok {
		return ErrNotFound
	}
	return s.Undo(ctx, pushID)
}

func (s *Service) undo(ctx context.Context, p models.Push) error {
	s.scheduler.Cancel(p.ID)

	if err := s.store.UndoPush(ctx, p.ID, s.clock.Now().UTC()); err != nil {
		// Timer stays cancelled; the push is still active in the registry
		// so the teacher can retry.
		s.scheduler.Arm(p.ID, p.Deadline().Sub(s.clock.Now()))
		return err
	}
	s.registry.Remove(p.ID)

	undoEv, err := events.New(events.EventTypeQuizUndo, events.QuizUndoPayload{
		PushID:   p.ID.String(),
		QuizID:   p.QuizID.String(),
		CourseID: p.CourseID,
	})
	if err == nil {
		for _, studentID := range p.TargetStudentIDs {
			if !s.presence.IsStudentConnected(studentID) {
				continue
			}
			s.broadcaster.ToStudent(studentID, undoEv)
			if err := s.queue.EmitSnapshot(ctx, studentID, p.CourseID); err != nil {
				log.Error().Err(err).
					Str("push_id", p.ID.String()).
					Str("student_id", studentID).
					Msg("failed to emit snapshot after undo")
			}
		}
	}

	s.emitToTeachers(events.EventTypePushUndone, events.PushUndonePayload{
		PushID:   p.ID.String(),
		QuizID:   p.QuizID.String(),
		CourseID: p.CourseID,
	})

	metrics.PushesUndone.Inc()
	log.Info().
		Str("push_id", p.ID.String()).
		Str("quiz_id", p.QuizID.String()).
		Msg("push undone")
	return nil
}

// SubmitAnswer resolves one student's entry with an answer. Duplicate
// submissions are rejected with queue.ErrAlreadyAnswered and change nothing.
func (s *Service) SubmitAnswer(ctx context.Context, pushID uuid.UUID, studentID, answer string, answeredAt time.Time) (*models.Response, error) {
	info, ok := s.registry.LookupPush(pushID)
	if !ok {
		return nil, queue.ErrNotActive
	}
	if s.registry.HasResponded(pushID, studentID) {
		metrics.DuplicateAnswers.Inc()
		return nil, queue.ErrAlreadyAnswered
	}

	resp, err := s.queue.SubmitAnswer(ctx, info, studentID, answer, answeredAt)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyAnswered) {
			metrics.DuplicateAnswers.Inc()
		}
		return nil, err
	}

	metrics.AnswersSubmitted.Inc()
	s.finishStudent(ctx, info, studentID, resp)
	return resp, nil
}

// handleExpiry force-resolves every target without a terminal response once
// the push timer fires. A failure for one student is logged and skipped; it
// never aborts resolution for the rest of the roster.
func (s *Service) handleExpiry(pushID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()

	info, ok := s.registry.LookupPush(pushID)
	if !ok {
		return
	}

	for _, studentID := range s.registry.Unresponded(pushID) {
		resp, err := s.queue.ForceTimeout(ctx, info, studentID)
		if errors.Is(err, queue.ErrAlreadyAnswered) {
			// Answered while the deadline was being processed.
			s.registry.MarkResponded(pushID, studentID)
			continue
		}
		if err != nil {
			log.Error().Err(err).
				Str("push_id", pushID.String()).
				Str("student_id", studentID).
				Msg("failed to resolve timeout for student")
			continue
		}

		metrics.TimeoutsResolved.Inc()
		s.registry.MarkResponded(pushID, studentID)

		timeoutEv, err := events.New(events.EventTypeQuizTimeout, events.QuizTimeoutPayload{
			PushID:    pushID.String(),
			QuizID:    info.QuizID.String(),
			ElapsedMs: resp.ElapsedMs,
		})
		if err == nil {
			s.broadcaster.ToStudent(studentID, timeoutEv)
		}
		if err := s.queue.EmitSnapshot(ctx, studentID, info.CourseID); err != nil {
			log.Error().Err(err).
				Str("push_id", pushID.String()).
				Str("student_id", studentID).
				Msg("failed to emit snapshot after timeout")
		}

		s.emitToTeachers(events.EventTypeStudentAnswered, events.StudentAnsweredPayload{
			PushID:    pushID.String(),
			StudentID: studentID,
			Status:    models.ResponseStatusTimeout,
			ElapsedMs: resp.ElapsedMs,
		})
	}

	s.registry.Remove(pushID)
	log.Info().Str("push_id", pushID.String()).Msg("push resolved by timeout")
}

func (s *Service) finishStudent(ctx context.Context, info queue.PushInfo, studentID string, resp *models.Response) {
	allResolved := s.registry.MarkResponded(info.ID, studentID)

	if err := s.queue.EmitSnapshot(ctx, studentID, info.CourseID); err != nil {
		log.Error().Err(err).
			Str("push_id", info.ID.String()).
			Str("student_id", studentID).
			Msg("failed to emit snapshot after answer")
	}

	s.emitToTeachers(events.EventTypeStudentAnswered, events.StudentAnsweredPayload{
		PushID:    info.ID.String(),
		StudentID: studentID,
		Status:    resp.Status,
		ElapsedMs: resp.ElapsedMs,
	})

	if allResolved {
		s.scheduler.Cancel(info.ID)
		s.registry.Remove(info.ID)
		log.Info().Str("push_id", info.ID.String()).Msg("push fully resolved")
	}
}

func (s *Service) resolveTargets(ctx context.Context, courseID string) ([]string, error) {
	enrolled, err := s.catalog.EnrolledStudentIDs(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	enrolledSet := make(map[string]bool, len(enrolled))
	for _, id := range enrolled {
		enrolledSet[id] = true
	}

	attending, err := s.sessions.StudentsAttending(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attending students: %w", err)
	}

	var targets []string
	for _, studentID := range attending {
		if enrolledSet[studentID] && s.presence.IsStudentConnected(studentID) {
			targets = append(targets, studentID)
		}
	}
	return targets, nil
}

func (s *Service) emitToTeachers(eventType events.EventType, payload interface{}) {
	ev, err := events.New(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build teacher event")
		return
	}
	s.broadcaster.ToTeachers(ev)
}
