package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
)

var (
	// ErrAlreadyAnswered is returned for a duplicate (push, student) answer.
	ErrAlreadyAnswered = errors.New("already answered")
	// ErrNotActive is returned when the push is resolved, undone or unknown.
	ErrNotActive = errors.New("no longer active")
)

// PushInfo is the slice of an active push the queue needs for snapshots and
// response bookkeeping.
type PushInfo struct {
	ID             uuid.UUID
	QuizID         uuid.UUID
	CourseID       string
	TimeoutSeconds int
	StartedAt      time.Time
	Quiz           events.QuizView
}

// Deadline is the instant the push timer fires.
func (p PushInfo) Deadline() time.Time {
	return p.StartedAt.Add(time.Duration(p.TimeoutSeconds) * time.Second)
}

// PushLookup resolves an active push by id. Implemented by the push registry.
type PushLookup interface {
	LookupPush(pushID uuid.UUID) (PushInfo, bool)
}

// EntryStore is the persistence contract for queue entries and responses.
type EntryStore interface {
	ActiveEntries(ctx context.Context, studentID, courseID string) ([]models.QueueEntry, error)
	EntryFor(ctx context.Context, studentID string, pushID uuid.UUID) (*models.QueueEntry, error)
	Promote(ctx context.Context, id uuid.UUID, viewedAt time.Time) (*models.QueueEntry, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.EntryStatus) error
	InsertResponse(ctx context.Context, resp models.Response) error
	RemoveOrphans(ctx context.Context, quizID uuid.UUID) (int64, error)
}

// Broadcaster delivers events to every live socket of one student.
type Broadcaster interface {
	ToStudent(studentID string, ev events.Event)
}

// Snapshot is the materialized current-plus-pending view for one student and
// course, plus the activation event when a new item was just promoted.
type Snapshot struct {
	Queue    events.QueueUpdatedPayload
	Promoted *events.ShowNextQuizPayload
}

// Service is the per-student queue store and snapshot builder.
type Service struct {
	store       EntryStore
	pushes      PushLookup
	broadcaster Broadcaster
	clock       clockwork.Clock
}

func NewService(store EntryStore, pushes PushLookup, broadcaster Broadcaster, clock clockwork.Clock) *Service {
	return &Service{
		store:       store,
		pushes:      pushes,
		broadcaster: broadcaster,
		clock:       clock,
	}
}

// SubmitAnswer records a student's answer for a push. The responses table's
// uniqueness constraint on (push_id, student_id) is the linearization point;
// the entry-status check above it is only a fast path.
func (s *Service) SubmitAnswer(ctx context.Context, info PushInfo, studentID, answer string, answeredAt time.Time) (*models.Response, error) {
	entry, err := s.store.EntryFor(ctx, studentID, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}
	if entry == nil {
		return nil, ErrNotActive
	}
	if entry.Status.Terminal() {
		return nil, ErrAlreadyAnswered
	}

	if answeredAt.IsZero() {
		answeredAt = s.clock.Now()
	}

	resp := models.Response{
		ID:         uuid.New(),
		PushID:     info.ID,
		QuizID:     info.QuizID,
		StudentID:  studentID,
		Answer:     answer,
		StartedAt:  info.StartedAt,
		AnsweredAt: answeredAt,
		ElapsedMs:  answeredAt.Sub(info.StartedAt).Milliseconds(),
		Status:     models.ResponseStatusAnswered,
	}

	if err := s.store.InsertResponse(ctx, resp); err != nil {
		if errors.Is(err, ErrDuplicateResponse) {
			return nil, ErrAlreadyAnswered
		}
		return nil, fmt.Errorf("failed to insert response: %w", err)
	}

	if err := s.store.SetStatus(ctx, entry.ID, models.EntryStatusAnswered); err != nil {
		// The response row exists, so the outcome is already durable.
		log.Error().Err(err).
			Str("entry_id", entry.ID.String()).
			Str("student_id", studentID).
			Msg("failed to mark entry answered")
	}

	return &resp, nil
}

// ForceTimeout resolves one student's entry with a synthetic timeout
// response. ErrAlreadyAnswered means the student answered before the
// deadline was processed.
func (s *Service) ForceTimeout(ctx context.Context, info PushInfo, studentID string) (*models.Response, error) {
	resp := models.Response{
		ID:         uuid.New(),
		PushID:     info.ID,
		QuizID:     info.QuizID,
		StudentID:  studentID,
		StartedAt:  info.StartedAt,
		AnsweredAt: info.Deadline(),
		ElapsedMs:  int64(info.TimeoutSeconds) * 1000,
		Status:     models.ResponseStatusTimeout,
	}

	if err := s.store.InsertResponse(ctx, resp); err != nil {
		if errors.Is(err, ErrDuplicateResponse) {
			return nil, ErrAlreadyAnswered
		}
		return nil, fmt.Errorf("failed to insert timeout response: %w", err)
	}

	entry, err := s.store.EntryFor(ctx, studentID, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}
	if entry != nil && !entry.Status.Terminal() {
		if err := s.store.SetStatus(ctx, entry.ID, models.EntryStatusRemoved); err != nil {
			log.Error().Err(err).
				Str("entry_id", entry.ID.String()).
				Str("student_id", studentID).
				Msg("failed to remove timed-out entry")
		}
	}

	return &resp, nil
}

// BuildSnapshot recomputes a student's queue view for a course, promoting the
// oldest pending entry when nothing is viewing. Promotion stamps
// first_viewed_at exactly once; recomputing an existing snapshot never
// resets it.
func (s *Service) BuildSnapshot(ctx context.Context, studentID, courseID string) (*Snapshot, error) {
	entries, err := s.store.ActiveEntries(ctx, studentID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active entries: %w", err)
	}

	var viewing *models.QueueEntry
	var pending []models.QueueEntry
	for i := range entries {
		switch entries[i].Status {
		case models.EntryStatusViewing:
			viewing = &entries[i]
		case models.EntryStatusPending:
			pending = append(pending, entries[i])
		}
	}

	snap := &Snapshot{
		Queue: events.QueueUpdatedPayload{
			CourseID: courseID,
			Pending:  []events.SnapshotItem{},
		},
	}

	if viewing == nil && len(pending) > 0 {
		// ActiveEntries orders by added_at, so pending[0] is the oldest.
		promoted, err := s.store.Promote(ctx, pending[0].ID, s.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to promote entry: %w", err)
		}
		viewing = promoted
		pending = pending[1:]

		if info, ok := s.pushes.LookupPush(promoted.PushID); ok {
			snap.Promoted = &events.ShowNextQuizPayload{
				PushID:           promoted.PushID.String(),
				Quiz:             info.Quiz,
				RemainingSeconds: s.remainingSeconds(info, viewing),
			}
		}
	}

	position := 0
	if viewing != nil {
		position = 1
		item := events.SnapshotItem{
			PushID:   viewing.PushID.String(),
			QuizID:   viewing.QuizID.String(),
			Position: position,
		}
		if info, ok := s.pushes.LookupPush(viewing.PushID); ok {
			item.RemainingSeconds = s.remainingSeconds(info, viewing)
		}
		snap.Queue.CurrentQuiz = &item
	}
	for i := range pending {
		position++
		item := events.SnapshotItem{
			PushID:   pending[i].PushID.String(),
			QuizID:   pending[i].QuizID.String(),
			Position: position,
		}
		if info, ok := s.pushes.LookupPush(pending[i].PushID); ok {
			// Not yet viewed, so the full window is still available on
			// promotion (clamped to the push deadline).
			item.RemainingSeconds = s.remainingSeconds(info, &pending[i])
		}
		snap.Queue.Pending = append(snap.Queue.Pending, item)
	}
	snap.Queue.Total = position

	if snap.Promoted != nil {
		snap.Promoted.Position = 1
		snap.Promoted.Total = snap.Queue.Total
	}

	return snap, nil
}

// ResyncSnapshot is BuildSnapshot for a reconnecting tab: when an item is
// already viewing, the activation payload is filled in as well so the tab
// can restore its quiz UI from scratch.
func (s *Service) ResyncSnapshot(ctx context.Context, studentID, courseID string) (*Snapshot, error) {
	snap, err := s.BuildSnapshot(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	if snap.Promoted == nil && snap.Queue.CurrentQuiz != nil {
		pushID, err := uuid.Parse(snap.Queue.CurrentQuiz.PushID)
		if err == nil {
			if info, ok := s.pushes.LookupPush(pushID); ok {
				snap.Promoted = &events.ShowNextQuizPayload{
					PushID:           snap.Queue.CurrentQuiz.PushID,
					Quiz:             info.Quiz,
					RemainingSeconds: snap.Queue.CurrentQuiz.RemainingSeconds,
					Position:         1,
					Total:            snap.Queue.Total,
				}
			}
		}
	}
	return snap, nil
}

// EmitSnapshot recomputes a student's snapshot and fans the result out to
// every live socket of that student.
func (s *Service) EmitSnapshot(ctx context.Context, studentID, courseID string) error {
	snap, err := s.BuildSnapshot(ctx, studentID, courseID)
	if err != nil {
		return err
	}
	s.broadcastSnapshot(studentID, snap)
	return nil
}

func (s *Service) broadcastSnapshot(studentID string, snap *Snapshot) {
	if snap.Queue.Total == 0 {
		ev, err := events.New(events.EventTypeQueueEmpty, events.QueueEmptyPayload{
			CourseID: snap.Queue.CourseID,
			Message:  "no quizzes in queue",
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build queue_empty event")
			return
		}
		s.broadcaster.ToStudent(studentID, ev)
		return
	}

	ev, err := events.New(events.EventTypeQueueUpdated, snap.Queue)
	if err != nil {
		log.Error().Err(err).Msg("failed to build queue_updated event")
		return
	}
	s.broadcaster.ToStudent(studentID, ev)

	if snap.Promoted != nil {
		show, err := events.New(events.EventTypeShowNextQuiz, *snap.Promoted)
		if err != nil {
			log.Error().Err(err).Msg("failed to build show_next_quiz event")
			return
		}
		s.broadcaster.ToStudent(studentID, show)
	}
}

// RemoveOrphans drops queue entries left behind by a deleted quiz.
func (s *Service) RemoveOrphans(ctx context.Context, quizID uuid.UUID) (int64, error) {
	removed, err := s.store.RemoveOrphans(ctx, quizID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove orphan entries: %w", err)
	}
	if removed > 0 {
		log.Info().
			Str("quiz_id", quizID.String()).
			Int64("removed", removed).
			Msg("removed orphan queue entries")
	}
	return removed, nil
}

// remainingSeconds reports the countdown value for an entry. The display is
// anchored to first view but never exceeds what the push timer, anchored to
// push creation, will actually allow.
func (s *Service) remainingSeconds(info PushInfo, entry *models.QueueEntry) int {
	remaining := time.Duration(info.TimeoutSeconds) * time.Second
	if entry.FirstViewedAt != nil {
		remaining -= s.clock.Now().Sub(*entry.FirstViewedAt)
	}
	if untilDeadline := info.Deadline().Sub(s.clock.Now()); untilDeadline < remaining {
		remaining = untilDeadline
	}
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}
