package rotation

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// FireFunc receives the channel and view id captured at schedule time. A
// cancelled or replaced slot never fires, but the channel state may still
// move between the fire decision and the callback running, so the caller
// must re-validate that the view is still current before acting.
type FireFunc func(channel, viewID string)

type timerSlot struct {
	viewID string
	stop   chan struct{}
}

// Scheduler owns one cancellable timer slot per channel. Scheduling a channel
// that already has a pending slot replaces it, so at most one timer is
// pending per channel at any instant.
type Scheduler struct {
	clock clockz.Clock

	mu    sync.Mutex
	slots map[string]*timerSlot
}

// NewScheduler builds a scheduler on the given clock. Pass clockz.RealClock
// in production and a fake clock in tests.
func NewScheduler(clock clockz.Clock) *Scheduler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Scheduler{clock: clock, slots: make(map[string]*timerSlot)}
}

// Schedule arms the channel's slot to fire after delay, replacing any pending
// slot for the same channel.
func (s *Scheduler) Schedule(channel, viewID string, delay time.Duration, onFire FireFunc) {
	slot := &timerSlot{viewID: viewID, stop: make(chan struct{})}

	s.mu.Lock()
	if previous, ok := s.slots[channel]; ok {
		close(previous.stop)
	}
	s.slots[channel] = slot
	s.mu.Unlock()

	timer := s.clock.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			// Both the timer and the stop channel can be ready at
			// once. The slot table decides: a slot that was already
			// cancelled or replaced must not fire.
			if s.clearSlot(channel, slot) {
				onFire(channel, viewID)
			}
		case <-slot.stop:
		}
	}()
}

// Cancel stops the channel's pending slot, if any.
func (s *Scheduler) Cancel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[channel]; ok {
		close(slot.stop)
		delete(s.slots, channel)
	}
}

// CancelAll stops every pending slot. Used on shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, slot := range s.slots {
		close(slot.stop)
		delete(s.slots, channel)
	}
}

// Pending reports the view id the channel's slot was armed with, if a slot is
// pending.
func (s *Scheduler) Pending(channel string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[channel]
	if !ok {
		return "", false
	}
	return slot.viewID, true
}

// clearSlot removes the slot if it is still the one registered for the
// channel. It reports false when the slot was cancelled or replaced, in which
// case the caller must not fire.
func (s *Scheduler) clearSlot(channel string, slot *timerSlot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.slots[channel]; ok && current == slot {
		delete(s.slots, channel)
		return true
	}
	return false
}
