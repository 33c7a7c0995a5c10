package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"redisplay/internal/models"
	"redisplay/internal/observability/metrics"
	"redisplay/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *capturePublisher) Publish(_ string, event models.ChangeEvent) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *capturePublisher) last() (models.ChangeEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return models.ChangeEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, storage.Repository, *clockz.FakeClock, *capturePublisher) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	clock := clockz.NewFakeClock()
	publisher := &capturePublisher{}
	engine := NewEngine(Config{
		Store:     store,
		Publisher: publisher,
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     clock,
	})
	return engine, store, clock, publisher
}

func addView(t *testing.T, engine *Engine, id string, rotateAfterMs int64) {
	t.Helper()
	view := models.View{
		ID:       id,
		Enabled:  true,
		Metadata: models.ViewMetadata{Type: "dashboard", RotateAfter: rotateAfterMs},
		Data:     json.RawMessage(`{"url":"https://example.com/` + id + `"}`),
	}
	if _, err := engine.UpsertView(view, false); err != nil {
		t.Fatalf("upsert view %s: %v", id, err)
	}
}

func seedChannel(t *testing.T, engine *Engine, channel string, rotateAfterMs int64, ids ...string) {
	t.Helper()
	for _, id := range ids {
		addView(t, engine, id, rotateAfterMs)
	}
	if err := engine.SetChannelConfig(channel, ids, nil); err != nil {
		t.Fatalf("set channel config: %v", err)
	}
}

func currentID(t *testing.T, engine *Engine, channel string) string {
	t.Helper()
	view, _, ok := engine.Current(channel)
	if !ok {
		return ""
	}
	return view.ID
}

func advance(clock *clockz.FakeClock, d time.Duration) {
	clock.Advance(d)
	clock.BlockUntilReady()
	time.Sleep(20 * time.Millisecond)
}

func TestPlaylistActivationAndCyclicRotation(t *testing.T) {
	engine, store, clock, publisher := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta", "gamma")

	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("expected first eligible view active, got %q", got)
	}

	for _, expected := range []string{"beta", "gamma", "alpha", "beta"} {
		advance(clock, time.Second)
		if got := currentID(t, engine, "lobby"); got != expected {
			t.Fatalf("expected rotation to %q, got %q", expected, got)
		}
	}

	if persisted, ok := store.CurrentView("lobby"); !ok || persisted != "beta" {
		t.Fatalf("expected persisted pointer beta, got %q/%v", persisted, ok)
	}
	if event, ok := publisher.last(); !ok || event.View == nil || event.View.ID != "beta" {
		t.Fatalf("expected broadcast for beta, got %+v", event)
	}
}

func TestPerViewDwellTimes(t *testing.T) {
	engine, _, clock, _ := newTestEngine(t)
	addView(t, engine, "slow", 1000)
	addView(t, engine, "fast", 500)
	if err := engine.SetChannelConfig("lobby", []string{"slow", "fast"}, nil); err != nil {
		t.Fatalf("set channel config: %v", err)
	}

	if got := currentID(t, engine, "lobby"); got != "slow" {
		t.Fatalf("expected slow view first, got %q", got)
	}

	advance(clock, 500*time.Millisecond)
	if got := currentID(t, engine, "lobby"); got != "slow" {
		t.Fatalf("slow view rotated before its dwell elapsed, got %q", got)
	}
	advance(clock, 500*time.Millisecond)
	if got := currentID(t, engine, "lobby"); got != "fast" {
		t.Fatalf("expected fast view after 1s, got %q", got)
	}
	advance(clock, 500*time.Millisecond)
	if got := currentID(t, engine, "lobby"); got != "slow" {
		t.Fatalf("expected slow view after fast dwell, got %q", got)
	}
}

func TestSingleTimerPerChannel(t *testing.T) {
	engine, _, clock, publisher := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta", "gamma")

	// Rapid switches must leave exactly one armed timer.
	if err := engine.SetCurrent("lobby", "beta", false); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if err := engine.SetCurrent("lobby", "gamma", false); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if viewID, pending := engine.Scheduler().Pending("lobby"); !pending || viewID != "gamma" {
		t.Fatalf("expected single pending timer for gamma, got %q/%v", viewID, pending)
	}

	before := publisher.count()
	advance(clock, time.Second)
	if publisher.count() != before+1 {
		t.Fatalf("expected exactly one rotation event, got %d", publisher.count()-before)
	}
	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("expected wrap to alpha after gamma, got %q", got)
	}
}

func TestManualPinHoldsThroughDwell(t *testing.T) {
	engine, _, clock, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta", "gamma")

	if err := engine.SetCurrent("lobby", "beta", true); err != nil {
		t.Fatalf("set current: %v", err)
	}

	for i := 0; i < 3; i++ {
		advance(clock, time.Second)
		if got := currentID(t, engine, "lobby"); got != "beta" {
			t.Fatalf("pinned view rotated away on recheck %d, got %q", i, got)
		}
		if viewID, pending := engine.Scheduler().Pending("lobby"); !pending || viewID != "beta" {
			t.Fatalf("expected recheck timer re-armed for beta, got %q/%v", viewID, pending)
		}
	}
}

func TestAutomaticActivationIsNotPinned(t *testing.T) {
	engine, _, clock, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta")

	advance(clock, time.Second)
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected rotation to beta, got %q", got)
	}
	advance(clock, time.Second)
	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("expected rotation back to alpha, got %q", got)
	}
}

func TestRotationSkippedWithSingleEligibleView(t *testing.T) {
	engine, _, clock, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha")

	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("expected alpha active, got %q", got)
	}
	advance(clock, time.Second)
	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("single view rotated, got %q", got)
	}
	if _, pending := engine.Scheduler().Pending("lobby"); pending {
		t.Fatalf("expected no timer re-armed for a single-view channel")
	}
}

func TestDisableCurrentViewReassigns(t *testing.T) {
	engine, store, _, publisher := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta", "gamma")

	if err := engine.SetViewEnabled("alpha", false); err != nil {
		t.Fatalf("disable view: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected reassignment to beta, got %q", got)
	}
	if persisted, _ := store.CurrentView("lobby"); persisted != "beta" {
		t.Fatalf("expected persisted pointer beta, got %q", persisted)
	}
	if event, ok := publisher.last(); !ok || event.View == nil || event.View.ID != "beta" {
		t.Fatalf("expected reassignment broadcast, got %+v", event)
	}
}

func TestDisableLastEligibleViewEmptiesChannel(t *testing.T) {
	engine, _, _, publisher := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha")

	if err := engine.SetViewEnabled("alpha", false); err != nil {
		t.Fatalf("disable view: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "" {
		t.Fatalf("expected empty channel, got %q", got)
	}
	if event, ok := publisher.last(); !ok || event.View != nil {
		t.Fatalf("expected broadcast with nil view for empty transition, got %+v", event)
	}
}

func TestReenableViewActivatesEmptyChannel(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha")

	if err := engine.SetViewEnabled("alpha", false); err != nil {
		t.Fatalf("disable view: %v", err)
	}
	if err := engine.SetViewEnabled("alpha", true); err != nil {
		t.Fatalf("enable view: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("expected re-enabled view active, got %q", got)
	}
}

func TestRemoveCurrentViewReassignsBeforeDelete(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta")

	if err := engine.RemoveView("alpha"); err != nil {
		t.Fatalf("remove view: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected reassignment to beta, got %q", got)
	}
	if _, ok := store.GetView("alpha"); ok {
		t.Fatalf("expected alpha removed from catalog")
	}
	if playlist := store.Playlist("lobby"); len(playlist) != 1 || playlist[0] != "beta" {
		t.Fatalf("expected playlist pruned to beta, got %v", playlist)
	}
}

func TestRemoveUnknownViewIsNoOp(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if err := engine.RemoveView("ghost"); err != nil {
		t.Fatalf("expected removing unknown view to succeed, got %v", err)
	}
}

func TestNextPreviousWrapAround(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 0, "alpha", "beta", "gamma")

	if err := engine.Next("lobby"); err != nil {
		t.Fatalf("next: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected beta after next, got %q", got)
	}

	if err := engine.Previous("lobby"); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if err := engine.Previous("lobby"); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "gamma" {
		t.Fatalf("expected wrap-around to gamma, got %q", got)
	}
}

func TestNextOnEmptyPlaylistIsNoOp(t *testing.T) {
	engine, _, _, publisher := newTestEngine(t)
	if err := engine.Next("ghost-channel"); err != nil {
		t.Fatalf("expected next on empty channel to succeed, got %v", err)
	}
	if publisher.count() != 0 {
		t.Fatalf("expected no broadcast for empty-channel next")
	}
}

func TestTapResolvesQuadrantMap(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 0, "alpha", "beta", "gamma")
	err := engine.SetChannelConfig("lobby", nil, map[string]string{
		models.QuadrantTopLeft:    models.ActionPrevious,
		models.QuadrantTopRight:   models.ActionNext,
		models.QuadrantBottomLeft: "gamma",
	})
	if err != nil {
		t.Fatalf("set quadrants: %v", err)
	}

	if err := engine.Tap("lobby", models.QuadrantTopRight); err != nil {
		t.Fatalf("tap next: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected beta after tap next, got %q", got)
	}

	if err := engine.Tap("lobby", models.QuadrantBottomLeft); err != nil {
		t.Fatalf("tap direct: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "gamma" {
		t.Fatalf("expected gamma after direct tap, got %q", got)
	}

	if err := engine.Tap("lobby", models.QuadrantTopLeft); err != nil {
		t.Fatalf("tap previous: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected beta after tap previous, got %q", got)
	}

	// CENTER is reserved and unmapped zones resolve to nothing.
	if err := engine.Tap("lobby", models.QuadrantCenter); err != nil {
		t.Fatalf("tap center: %v", err)
	}
	if err := engine.Tap("lobby", models.QuadrantBottomRight); err != nil {
		t.Fatalf("tap unmapped: %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected no-op taps to leave beta, got %q", got)
	}
}

func TestSetCurrentValidatesView(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	seedChannel(t, engine, "lobby", 0, "alpha", "beta")

	if err := engine.SetCurrent("lobby", "ghost", true); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
	if err := engine.SetViewEnabled("beta", false); err != nil {
		t.Fatalf("disable view: %v", err)
	}
	if err := engine.SetCurrent("lobby", "beta", true); !errors.Is(err, ErrViewDisabled) {
		t.Fatalf("expected ErrViewDisabled, got %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "alpha" {
		t.Fatalf("failed activation mutated state, got %q", got)
	}
}

func TestUpsertViewAttachesToDefaultPlaylist(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	view := models.View{
		ID:       "clock",
		Enabled:  true,
		Metadata: models.ViewMetadata{Type: "clock", RotateAfter: 1000},
	}
	if _, err := engine.UpsertView(view, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	playlist := store.Playlist(models.DefaultChannel)
	if len(playlist) != 1 || playlist[0] != "clock" {
		t.Fatalf("expected view appended to default playlist, got %v", playlist)
	}
	if got := currentID(t, engine, models.DefaultChannel); got != "clock" {
		t.Fatalf("expected empty default channel activated, got %q", got)
	}

	// A view already listed elsewhere must not be re-attached.
	if err := engine.SetChannelConfig("lobby", []string{"clock"}, nil); err != nil {
		t.Fatalf("set channel config: %v", err)
	}
	if _, err := engine.UpsertView(view, true); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if playlist := store.Playlist(models.DefaultChannel); len(playlist) != 1 {
		t.Fatalf("expected default playlist unchanged, got %v", playlist)
	}
}

func TestRestoreReactivatesPersistedViews(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	clock := clockz.NewFakeClock()
	engine := NewEngine(Config{
		Store:     store,
		Publisher: &capturePublisher{},
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     clock,
	})
	seedChannel(t, engine, "lobby", 1000, "alpha", "beta")
	if err := engine.SetCurrent("lobby", "beta", true); err != nil {
		t.Fatalf("set current: %v", err)
	}

	reopened, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	restoredClock := clockz.NewFakeClock()
	restored := NewEngine(Config{
		Store:     reopened,
		Publisher: &capturePublisher{},
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     restoredClock,
	})
	restored.Restore()

	if got := currentID(t, restored, "lobby"); got != "beta" {
		t.Fatalf("expected restored current beta, got %q", got)
	}
	if viewID, pending := restored.Scheduler().Pending("lobby"); !pending || viewID != "beta" {
		t.Fatalf("expected restored timer for beta, got %q/%v", viewID, pending)
	}

	restoredClock.Advance(time.Second)
	restoredClock.BlockUntilReady()
	time.Sleep(20 * time.Millisecond)
	if got := currentID(t, restored, "lobby"); got != "alpha" {
		t.Fatalf("expected restore to drop the manual pin, got %q", got)
	}
}

func TestRestoreFallsBackWhenPersistedViewGone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	engine := NewEngine(Config{
		Store:     store,
		Publisher: &capturePublisher{},
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     clockz.NewFakeClock(),
	})
	seedChannel(t, engine, "lobby", 0, "alpha", "beta")
	if err := engine.SetCurrent("lobby", "beta", true); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if err := store.SetViewEnabled("beta", false); err != nil {
		t.Fatalf("disable behind engine's back: %v", err)
	}

	reopened, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	restored := NewEngine(Config{
		Store:     reopened,
		Publisher: &capturePublisher{},
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     clockz.NewFakeClock(),
	})
	restored.Restore()

	if got := currentID(t, restored, "lobby"); got != "alpha" {
		t.Fatalf("expected fallback to first eligible view, got %q", got)
	}
}

type flakyRepository struct {
	storage.Repository
	failSetCurrent atomic.Bool
}

func (r *flakyRepository) SetCurrentView(channel, viewID string) error {
	if r.failSetCurrent.Load() {
		return fmt.Errorf("%w: disk full", storage.ErrPersist)
	}
	return r.Repository.SetCurrentView(channel, viewID)
}

func TestPersistFailureKeepsInMemoryState(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	flaky := &flakyRepository{Repository: store}
	publisher := &capturePublisher{}
	engine := NewEngine(Config{
		Store:     flaky,
		Publisher: publisher,
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Clock:     clockz.NewFakeClock(),
	})
	seedChannel(t, engine, "lobby", 0, "alpha", "beta")

	flaky.failSetCurrent.Store(true)
	err = engine.SetCurrent("lobby", "beta", true)
	if !errors.Is(err, storage.ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if got := currentID(t, engine, "lobby"); got != "beta" {
		t.Fatalf("expected in-memory transition kept after persist failure, got %q", got)
	}
	if event, ok := publisher.last(); !ok || event.View == nil || event.View.ID != "beta" {
		t.Fatalf("expected broadcast despite persist failure, got %+v", event)
	}
}
