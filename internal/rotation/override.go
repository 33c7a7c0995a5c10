package rotation

import (
	"sync"
	"time"
)

// OverrideTracker records, per channel, which views were most recently
// activated by an explicit human or API action rather than by automatic
// rotation. Pure bookkeeping; no timers, no I/O.
type OverrideTracker struct {
	mu      sync.RWMutex
	entries map[string]map[string]time.Time
}

// NewOverrideTracker builds an empty tracker.
func NewOverrideTracker() *OverrideTracker {
	return &OverrideTracker{entries: make(map[string]map[string]time.Time)}
}

// MarkManual records that the view's current activation was manual.
func (t *OverrideTracker) MarkManual(channel, viewID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[channel] == nil {
		t.entries[channel] = make(map[string]time.Time)
	}
	t.entries[channel][viewID] = at.UTC()
}

// MarkAutomatic clears any manual record for the view.
func (t *OverrideTracker) MarkAutomatic(channel, viewID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if views := t.entries[channel]; views != nil {
		delete(views, viewID)
		if len(views) == 0 {
			delete(t.entries, channel)
		}
	}
}

// IsManual reports whether the view's current activation was manual.
func (t *OverrideTracker) IsManual(channel, viewID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	views := t.entries[channel]
	if views == nil {
		return false
	}
	_, ok := views[viewID]
	return ok
}

// Prune drops every record for the channel except keepID. Stale entries for
// non-current views are harmless but pointless to keep across transitions.
func (t *OverrideTracker) Prune(channel, keepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	views := t.entries[channel]
	if views == nil {
		return
	}
	for viewID := range views {
		if viewID != keepID {
			delete(views, viewID)
		}
	}
	if len(views) == 0 {
		delete(t.entries, channel)
	}
}
