package queue

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/models"
)

type fakeStore struct {
	entries   map[uuid.UUID]*models.QueueEntry
	responses map[string]models.Response
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:   make(map[uuid.UUID]*models.QueueEntry),
		responses: make(map[string]models.Response),
	}
}

func (f *fakeStore) add(entry models.QueueEntry) *models.QueueEntry {
	e := entry
	f.entries[e.ID] = &e
	return &e
}

func (f *fakeStore) ActiveEntries(_ context.Context, studentID, courseID string) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for _, e := range f.entries {
		if e.StudentID == studentID && e.CourseID == courseID && !e.Status.Terminal() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (f *fakeStore) EntryFor(_ context.Context, studentID string, pushID uuid.UUID) (*models.QueueEntry, error) {
	for _, e := range f.entries {
		if e.StudentID == studentID && e.PushID == pushID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Promote(_ context.Context, id uuid.UUID, viewedAt time.Time) (*models.QueueEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("no entry %s", id)
	}
	e.Status = models.EntryStatusViewing
	if e.FirstViewedAt == nil {
		t := viewedAt
		e.FirstViewedAt = &t
	}
	copied := *e
	return &copied, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id uuid.UUID, status models.EntryStatus) error {
	e, ok := f.entries[id]
	if !ok {
		return fmt.Errorf("no entry %s", id)
	}
	e.Status = status
	return nil
}

func (f *fakeStore) InsertResponse(_ context.Context, resp models.Response) error {
	key := resp.PushID.String() + "|" + resp.StudentID
	if _, exists := f.responses[key]; exists {
		return ErrDuplicateResponse
	}
	f.responses[key] = resp
	return nil
}

func (f *fakeStore) RemoveOrphans(_ context.Context, quizID uuid.UUID) (int64, error) {
	var removed int64
	for _, e := range f.entries {
		if e.QuizID == quizID && !e.Status.Terminal() {
			e.Status = models.EntryStatusRemoved
			removed++
		}
	}
	return removed, nil
}

type fakeLookup struct {
	pushes map[uuid.UUID]PushInfo
}

func (f *fakeLookup) LookupPush(pushID uuid.UUID) (PushInfo, bool) {
	info, ok := f.pushes[pushID]
	return info, ok
}

type recordingBroadcaster struct {
	events []events.Event
}

func (r *recordingBroadcaster) ToStudent(_ string, ev events.Event) {
	r.events = append(r.events, ev)
}

func (r *recordingBroadcaster) types() []events.EventType {
	var out []events.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeLookup, *recordingBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	store := newFakeStore()
	lookup := &fakeLookup{pushes: make(map[uuid.UUID]PushInfo)}
	broadcaster := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	return NewService(store, lookup, broadcaster, clock), store, lookup, broadcaster, clock
}

func registerPush(lookup *fakeLookup, courseID string, timeoutSeconds int, startedAt time.Time) PushInfo {
	info := PushInfo{
		ID:             uuid.New(),
		QuizID:         uuid.New(),
		CourseID:       courseID,
		TimeoutSeconds: timeoutSeconds,
		StartedAt:      startedAt,
		Quiz:           events.QuizView{ID: uuid.New().String(), Prompt: "p", Options: []string{"a", "b"}},
	}
	lookup.pushes[info.ID] = info
	return info
}

func entryFor(info PushInfo, studentID string, addedAt time.Time) models.QueueEntry {
	return models.QueueEntry{
		ID:        uuid.New(),
		StudentID: studentID,
		PushID:    info.ID,
		QuizID:    info.QuizID,
		CourseID:  info.CourseID,
		Status:    models.EntryStatusPending,
		AddedAt:   addedAt,
	}
}

func TestBuildSnapshotPromotesOldestPending(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	first := registerPush(lookup, "cs101", 60, now)
	second := registerPush(lookup, "cs101", 60, now)
	oldest := store.add(entryFor(first, "s1", now))
	store.add(entryFor(second, "s1", now.Add(time.Second)))

	snap, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)

	require.NotNil(t, snap.Queue.CurrentQuiz)
	assert.Equal(t, first.ID.String(), snap.Queue.CurrentQuiz.PushID)
	assert.Equal(t, 1, snap.Queue.CurrentQuiz.Position)
	require.Len(t, snap.Queue.Pending, 1)
	assert.Equal(t, second.ID.String(), snap.Queue.Pending[0].PushID)
	assert.Equal(t, 2, snap.Queue.Pending[0].Position)
	assert.Equal(t, 2, snap.Queue.Total)

	require.NotNil(t, snap.Promoted)
	assert.Equal(t, first.ID.String(), snap.Promoted.PushID)
	assert.Equal(t, 1, snap.Promoted.Position)
	assert.Equal(t, 2, snap.Promoted.Total)

	require.NotNil(t, store.entries[oldest.ID].FirstViewedAt)
	assert.Equal(t, now, *store.entries[oldest.ID].FirstViewedAt)
}

func TestBuildSnapshotKeepsFirstViewedAt(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	entry := store.add(entryFor(info, "s1", now))

	_, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)
	firstViewed := *store.entries[entry.ID].FirstViewedAt

	clock.Advance(10 * time.Second)

	snap, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)

	assert.Nil(t, snap.Promoted, "recompute must not re-promote")
	assert.Equal(t, firstViewed, *store.entries[entry.ID].FirstViewedAt)
	assert.Equal(t, 50, snap.Queue.CurrentQuiz.RemainingSeconds)
}

func TestRemainingSecondsClampedToPushDeadline(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	// The push started 50s ago; a tab viewing it for the first time now only
	// has 10s left, not the full window.
	info := registerPush(lookup, "cs101", 60, now.Add(-50*time.Second))
	store.add(entryFor(info, "s1", now.Add(-50*time.Second)))

	snap, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)

	require.NotNil(t, snap.Queue.CurrentQuiz)
	assert.Equal(t, 10, snap.Queue.CurrentQuiz.RemainingSeconds)
}

func TestRemainingSecondsNeverNegative(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now.Add(-2*time.Minute))
	store.add(entryFor(info, "s1", now.Add(-2*time.Minute)))

	snap, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)

	require.NotNil(t, snap.Queue.CurrentQuiz)
	assert.Equal(t, 0, snap.Queue.CurrentQuiz.RemainingSeconds)
}

func TestSubmitAnswer(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))

	resp, err := svc.SubmitAnswer(context.Background(), info, "s1", "42", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ResponseStatusAnswered, resp.Status)
	assert.Equal(t, int64(5000), resp.ElapsedMs)

	entry, err := store.EntryFor(context.Background(), "s1", info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusAnswered, entry.Status)
}

func TestSubmitAnswerDuplicate(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))

	_, err := svc.SubmitAnswer(context.Background(), info, "s1", "42", now)
	require.NoError(t, err)

	_, err = svc.SubmitAnswer(context.Background(), info, "s1", "43", now)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestSubmitAnswerRaceLosesToExistingResponse(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))

	// Another tab's response landed first but the entry status update has
	// not, so the fast path passes and the insert must catch the duplicate.
	require.NoError(t, store.InsertResponse(context.Background(), models.Response{
		ID: uuid.New(), PushID: info.ID, StudentID: "s1",
		Status: models.ResponseStatusAnswered,
	}))

	_, err := svc.SubmitAnswer(context.Background(), info, "s1", "42", now)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestSubmitAnswerUnknownEntry(t *testing.T) {
	svc, _, lookup, _, clock := newTestService(t)
	info := registerPush(lookup, "cs101", 60, clock.Now())

	_, err := svc.SubmitAnswer(context.Background(), info, "s1", "42", clock.Now())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestForceTimeout(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 30, now)
	entry := store.add(entryFor(info, "s1", now))

	resp, err := svc.ForceTimeout(context.Background(), info, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ResponseStatusTimeout, resp.Status)
	assert.Equal(t, int64(30000), resp.ElapsedMs)
	assert.Equal(t, models.EntryStatusRemoved, store.entries[entry.ID].Status)
}

func TestForceTimeoutAfterAnswer(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 30, now)
	store.add(entryFor(info, "s1", now))

	_, err := svc.SubmitAnswer(context.Background(), info, "s1", "42", now)
	require.NoError(t, err)

	_, err = svc.ForceTimeout(context.Background(), info, "s1")
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestEmitSnapshotQueueEmpty(t *testing.T) {
	svc, _, _, broadcaster, _ := newTestService(t)

	require.NoError(t, svc.EmitSnapshot(context.Background(), "s1", "cs101"))
	assert.Equal(t, []events.EventType{events.EventTypeQueueEmpty}, broadcaster.types())
}

func TestEmitSnapshotSendsQueueAndShow(t *testing.T) {
	svc, store, lookup, broadcaster, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))

	require.NoError(t, svc.EmitSnapshot(context.Background(), "s1", "cs101"))
	assert.Equal(t,
		[]events.EventType{events.EventTypeQueueUpdated, events.EventTypeShowNextQuiz},
		broadcaster.types())
}

func TestResyncSnapshotFillsActivationForViewingEntry(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))

	// First build promotes; the resync afterwards sees a viewing entry and
	// must still carry the activation payload.
	_, err := svc.BuildSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)

	snap, err := svc.ResyncSnapshot(context.Background(), "s1", "cs101")
	require.NoError(t, err)
	require.NotNil(t, snap.Promoted)
	assert.Equal(t, info.ID.String(), snap.Promoted.PushID)
	assert.Equal(t, info.Quiz, snap.Promoted.Quiz)
}

func TestRemoveOrphans(t *testing.T) {
	svc, store, lookup, _, clock := newTestService(t)
	now := clock.Now()

	info := registerPush(lookup, "cs101", 60, now)
	store.add(entryFor(info, "s1", now))
	store.add(entryFor(info, "s2", now))

	removed, err := svc.RemoveOrphans(context.Background(), info.QuizID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
