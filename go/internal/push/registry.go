package push

import (
	"sync"

	"github.com/google/uuid"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/queue"
)

// ActivePush is the in-memory record of one unresolved broadcast.
type ActivePush struct {
	Push      models.Push
	Quiz      events.QuizView
	responded map[string]bool
}

// Registry is the authoritative in-memory index of active pushes, keyed by
// push id and by quiz id. It is constructed once and passed by reference;
// a push leaves the registry when fully resolved or undone.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*ActivePush
	byQuiz map[uuid.UUID]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*ActivePush),
		byQuiz: make(map[uuid.UUID]uuid.UUID),
	}
}

// Add indexes a freshly persisted push.
func (r *Registry) Add(p models.Push, quiz events.QuizView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = &ActivePush{
		Push:      p,
		Quiz:      quiz,
		responded: make(map[string]bool, len(p.TargetStudentIDs)),
	}
	r.byQuiz[p.QuizID] = p.ID
}

// Remove drops a push from both indices. The quiz index is only cleared when
// it still points at this push, so resolving an older push of a re-pushed
// quiz leaves the newer push addressable by quiz id.
func (r *Registry) Remove(pushID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, ok := r.byID[pushID]
	if !ok {
		return
	}
	if r.byQuiz[active.Push.QuizID] == pushID {
		delete(r.byQuiz, active.Push.QuizID)
	}
	delete(r.byID, pushID)
}

// Get returns the push model and its targets for an active push.
func (r *Registry) Get(pushID uuid.UUID) (models.Push, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.byID[pushID]
	if !ok {
		return models.Push{}, false
	}
	return active.Push, true
}

// PushIDForQuiz resolves the active push id for a quiz, if any.
func (r *Registry) PushIDForQuiz(quizID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byQuiz[quizID]
	return id, ok
}

// LookupPush implements queue.PushLookup.
func (r *Registry) LookupPush(pushID uuid.UUID) (queue.PushInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.byID[pushID]
	if !ok {
		return queue.PushInfo{}, false
	}
	return queue.PushInfo{
		ID:             active.Push.ID,
		QuizID:         active.Push.QuizID,
		CourseID:       active.Push.CourseID,
		TimeoutSeconds: active.Push.TimeoutSeconds,
		StartedAt:      active.Push.StartedAt,
		Quiz:           active.Quiz,
	}, true
}

// HasResponded is the fast-path duplicate check. The responses table's
// unique constraint remains the real guard.
func (r *Registry) HasResponded(pushID uuid.UUID, studentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.byID[pushID]
	return ok && active.responded[studentID]
}

// MarkResponded records a terminal response and reports whether every target
// has now resolved.
func (r *Registry) MarkResponded(pushID uuid.UUID, studentID string) (allResolved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, ok := r.byID[pushID]
	if !ok {
		return false
	}
	active.responded[studentID] = true
	return len(active.responded) >= len(active.Push.TargetStudentIDs)
}

// Unresponded lists the targets without a terminal response yet.
func (r *Registry) Unresponded(pushID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.byID[pushID]
	if !ok {
		return nil
	}
	var out []string
	for _, studentID := range active.Push.TargetStudentIDs {
		if !active.responded[studentID] {
			out = append(out, studentID)
		}
	}
	return out
}
