package rotation

import (
	"testing"
	"time"
)

func TestOverrideTrackerMarksAndClears(t *testing.T) {
	tracker := NewOverrideTracker()
	now := time.Now()

	if tracker.IsManual("lobby", "clock") {
		t.Fatalf("fresh tracker reported a manual override")
	}

	tracker.MarkManual("lobby", "clock", now)
	if !tracker.IsManual("lobby", "clock") {
		t.Fatalf("expected manual override for lobby/clock")
	}
	if tracker.IsManual("kitchen", "clock") {
		t.Fatalf("override leaked across channels")
	}

	tracker.MarkAutomatic("lobby", "clock")
	if tracker.IsManual("lobby", "clock") {
		t.Fatalf("expected override cleared by automatic activation")
	}
}

func TestOverrideTrackerPruneKeepsCurrentView(t *testing.T) {
	tracker := NewOverrideTracker()
	now := time.Now()

	tracker.MarkManual("lobby", "clock", now)
	tracker.MarkManual("lobby", "weather", now)

	tracker.Prune("lobby", "weather")
	if tracker.IsManual("lobby", "clock") {
		t.Fatalf("expected stale override pruned")
	}
	if !tracker.IsManual("lobby", "weather") {
		t.Fatalf("expected kept override to survive pruning")
	}

	tracker.Prune("lobby", "")
	if tracker.IsManual("lobby", "weather") {
		t.Fatalf("expected prune with no keeper to clear the channel")
	}
}
