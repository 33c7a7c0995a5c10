package rotation

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestSchedulerFiresAfterDelay(t *testing.T) {
	clock := clockz.NewFakeClock()
	scheduler := NewScheduler(clock)

	var fired atomic.Int32
	scheduler.Schedule("lobby", "clock", 5*time.Second, func(channel, viewID string) {
		if channel != "lobby" || viewID != "clock" {
			t.Errorf("fire received %q/%q", channel, viewID)
		}
		fired.Add(1)
	})

	clock.Advance(4 * time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("timer fired early")
	}

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired.Load())
	}
	if _, pending := scheduler.Pending("lobby"); pending {
		t.Fatalf("slot should be cleared after firing")
	}
}

func TestScheduleReplacesPendingSlot(t *testing.T) {
	clock := clockz.NewFakeClock()
	scheduler := NewScheduler(clock)

	var firstFired, secondFired atomic.Int32
	scheduler.Schedule("lobby", "clock", time.Second, func(string, string) {
		firstFired.Add(1)
	})
	scheduler.Schedule("lobby", "weather", 2*time.Second, func(string, string) {
		secondFired.Add(1)
	})

	if viewID, pending := scheduler.Pending("lobby"); !pending || viewID != "weather" {
		t.Fatalf("expected pending slot for weather, got %q/%v", viewID, pending)
	}

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if firstFired.Load() != 0 {
		t.Fatalf("replaced slot still fired")
	}

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if secondFired.Load() != 1 {
		t.Fatalf("expected replacement slot to fire once, got %d", secondFired.Load())
	}
}

func TestCancelStopsPendingSlot(t *testing.T) {
	clock := clockz.NewFakeClock()
	scheduler := NewScheduler(clock)

	var fired atomic.Int32
	scheduler.Schedule("lobby", "clock", time.Second, func(string, string) {
		fired.Add(1)
	})
	scheduler.Cancel("lobby")
	scheduler.Cancel("lobby")

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled slot fired")
	}
	if _, pending := scheduler.Pending("lobby"); pending {
		t.Fatalf("cancelled slot still pending")
	}
}

func TestChannelsScheduleIndependently(t *testing.T) {
	clock := clockz.NewFakeClock()
	scheduler := NewScheduler(clock)

	var lobbyFired, kitchenFired atomic.Int32
	scheduler.Schedule("lobby", "clock", time.Second, func(string, string) {
		lobbyFired.Add(1)
	})
	scheduler.Schedule("kitchen", "menu", 3*time.Second, func(string, string) {
		kitchenFired.Add(1)
	})

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if lobbyFired.Load() != 1 || kitchenFired.Load() != 0 {
		t.Fatalf("expected only lobby to fire, got lobby=%d kitchen=%d", lobbyFired.Load(), kitchenFired.Load())
	}

	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()
	time.Sleep(10 * time.Millisecond)
	if kitchenFired.Load() != 1 {
		t.Fatalf("expected kitchen to fire, got %d", kitchenFired.Load())
	}
}
