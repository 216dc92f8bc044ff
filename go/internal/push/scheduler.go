package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Scheduler owns one countdown timer per active push, armed at push creation
// and cancelled on full resolution or undo.
type Scheduler struct {
	clock    clockwork.Clock
	onExpire func(pushID uuid.UUID)

	mu     sync.Mutex
	timers map[uuid.UUID]chan struct{}
}

// NewScheduler creates a scheduler. onExpire runs on its own goroutine when
// a push deadline passes.
func NewScheduler(clock clockwork.Clock, onExpire func(pushID uuid.UUID)) *Scheduler {
	return &Scheduler{
		clock:    clock,
		onExpire: onExpire,
		timers:   make(map[uuid.UUID]chan struct{}),
	}
}

// Arm starts the countdown for a push. Re-arming an already armed push is a
// no-op.
func (s *Scheduler) Arm(pushID uuid.UUID, d time.Duration) {
	s.mu.Lock()
	if _, exists := s.timers[pushID]; exists {
		s.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	s.timers[pushID] = cancel
	s.mu.Unlock()

	timer := s.clock.NewTimer(d)

	go func() {
		defer timer.Stop()
		select {
		case <-timer.Chan():
			// When the deadline and a Cancel land together both channels are
			// ready and select may take either branch. The checked delete
			// decides the winner: whoever removes the entry owns resolution.
			if !s.forget(pushID) {
				return
			}
			log.Info().
				Str("push_id", pushID.String()).
				Dur("timeout", d).
				Msg("push timer fired")
			s.onExpire(pushID)
		case <-cancel:
		}
	}()
}

// Cancel stops the countdown for a push, if still armed.
func (s *Scheduler) Cancel(pushID uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.timers[pushID]
	if ok {
		delete(s.timers, pushID)
	}
	s.mu.Unlock()
	if ok {
		close(cancel)
	}
}

// Stop cancels every armed timer; used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[uuid.UUID]chan struct{})
	s.mu.Unlock()
	for _, cancel := range timers {
		close(cancel)
	}
}

func (s *Scheduler) forget(pushID uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.timers[pushID]
	if ok {
		delete(s.timers, pushID)
	}
	s.mu.Unlock()
	return ok
}
