package rotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"redisplay/internal/models"
	"redisplay/internal/observability/metrics"
	"redisplay/internal/storage"
)

var (
	// ErrViewNotFound marks operations referencing a view id absent from the
	// catalog. No state is mutated when it is returned.
	ErrViewNotFound = errors.New("view not found")
	// ErrViewDisabled marks attempts to activate a disabled view.
	ErrViewDisabled = errors.New("view disabled")
)

// Publisher receives a change event after every committed transition.
// Delivery is best-effort; the engine never blocks on it.
type Publisher interface {
	Publish(channel string, event models.ChangeEvent)
}

// Config assembles an Engine.
type Config struct {
	Store     storage.Repository
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Clock     clockz.Clock
}

type channelState struct {
	viewID      string
	activatedAt time.Time
}

// Engine owns the per-channel rotation state machine. Transitions for a
// single channel are serialized under that channel's lock; persistence and
// broadcast happen after the lock is released.
type Engine struct {
	store     storage.Repository
	scheduler *Scheduler
	overrides *OverrideTracker
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	clock     clockz.Clock

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]channelState
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Engine{
		store:     cfg.Store,
		scheduler: NewScheduler(clock),
		overrides: NewOverrideTracker(),
		publisher: cfg.Publisher,
		logger:    logger,
		metrics:   recorder,
		clock:     clock,
		locks:     make(map[string]*sync.Mutex),
		states:    make(map[string]channelState),
	}
}

// Scheduler exposes the engine's timer arena for tests and diagnostics.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Engine) channelLock(channel string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[channel]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[channel] = lock
	}
	return lock
}

func (e *Engine) stateOf(channel string) (channelState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[channel]
	return state, ok
}

func (e *Engine) setState(channel string, state channelState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[channel] = state
}

func (e *Engine) clearState(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, channel)
}

// transition captures a committed in-memory change whose I/O (persist,
// broadcast) still has to run outside the channel lock.
type transition struct {
	channel string
	viewID  string
	event   models.ChangeEvent
	kind    string
}

func (e *Engine) commit(t *transition) error {
	if t == nil {
		return nil
	}
	persistErr := e.store.SetCurrentView(t.channel, t.viewID)
	if persistErr != nil {
		e.logger.Error("persist current view failed",
			"channel", t.channel, "view", t.viewID, "error", persistErr)
	}
	if e.publisher != nil {
		e.publisher.Publish(t.channel, t.event)
	}
	e.metrics.ObserveRotation(t.kind)
	e.logger.Info("view changed",
		"channel", t.channel, "view", t.viewID, "kind", t.kind)
	return persistErr
}

// setCurrentLocked performs the in-memory transition. The channel lock must
// be held.
func (e *Engine) setCurrentLocked(channel, viewID string, manual bool, kind string) (*transition, error) {
	view, ok := e.store.GetView(viewID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}
	if !view.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrViewDisabled, viewID)
	}

	e.scheduler.Cancel(channel)
	now := e.clock.Now().UTC()
	e.setState(channel, channelState{viewID: viewID, activatedAt: now})

	if manual {
		e.overrides.MarkManual(channel, viewID, now)
	} else {
		e.overrides.MarkAutomatic(channel, viewID)
	}
	e.overrides.Prune(channel, viewID)

	if dwell := view.Metadata.RotateDuration(); dwell > 0 {
		e.scheduler.Schedule(channel, viewID, dwell, e.onRotateFire)
	}

	return &transition{
		channel: channel,
		viewID:  viewID,
		event:   models.NewChangeEvent(channel, &view, now),
		kind:    kind,
	}, nil
}

// clearCurrentLocked transitions the channel to empty. The channel lock must
// be held.
func (e *Engine) clearCurrentLocked(channel, kind string) *transition {
	e.scheduler.Cancel(channel)
	e.clearState(channel)
	e.overrides.Prune(channel, "")
	now := e.clock.Now().UTC()
	return &transition{
		channel: channel,
		event:   models.NewChangeEvent(channel, nil, now),
		kind:    kind,
	}
}

// SetCurrent activates viewID on the channel. Manual activations pin the view
// against automatic rotation until the next transition.
func (e *Engine) SetCurrent(channel, viewID string, manual bool) error {
	kind := "automatic"
	if manual {
		kind = "manual"
	}
	lock := e.channelLock(channel)
	lock.Lock()
	t, err := e.setCurrentLocked(channel, viewID, manual, kind)
	lock.Unlock()
	if err != nil {
		return err
	}
	return e.commit(t)
}

// eligible returns the channel's playlist filtered to views that exist and
// are enabled, in playlist order.
func (e *Engine) eligible(channel string) []string {
	var ids []string
	for _, id := range e.store.Playlist(channel) {
		if view, ok := e.store.GetView(id); ok && view.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

// onRotateFire handles an automatic-advance timer. The captured view id is
// re-validated against the live state: stale fires are no-ops.
func (e *Engine) onRotateFire(channel, viewID string) {
	lock := e.channelLock(channel)
	lock.Lock()

	state, ok := e.stateOf(channel)
	if !ok || state.viewID != viewID {
		lock.Unlock()
		e.metrics.ObserveRotation("stale_fire")
		return
	}

	if e.overrides.IsManual(channel, viewID) {
		// Manually pinned: hold the view and check again after the same
		// dwell time.
		if view, found := e.store.GetView(viewID); found {
			if dwell := view.Metadata.RotateDuration(); dwell > 0 {
				e.scheduler.Schedule(channel, viewID, dwell, e.onRotateFire)
			}
		}
		lock.Unlock()
		e.metrics.ObserveRotation("pinned_recheck")
		return
	}

	ids := e.eligible(channel)
	if len(ids) < 2 {
		lock.Unlock()
		return
	}
	index := indexOf(ids, viewID)
	if index < 0 {
		index = 0
	}
	next := ids[(index+1)%len(ids)]
	t, err := e.setCurrentLocked(channel, next, false, "automatic")
	lock.Unlock()
	if err != nil {
		e.logger.Warn("automatic advance failed", "channel", channel, "view", next, "error", err)
		return
	}
	_ = e.commit(t)
}

// Next advances the channel to the next eligible view as a manual action.
// No-op when the channel has no eligible views.
func (e *Engine) Next(channel string) error {
	return e.step(channel, +1)
}

// Previous moves the channel to the previous eligible view as a manual
// action. No-op when the channel has no eligible views.
func (e *Engine) Previous(channel string) error {
	return e.step(channel, -1)
}

func (e *Engine) step(channel string, direction int) error {
	lock := e.channelLock(channel)
	lock.Lock()
	ids := e.eligible(channel)
	if len(ids) == 0 {
		lock.Unlock()
		return nil
	}
	index := -1
	if state, ok := e.stateOf(channel); ok {
		index = indexOf(ids, state.viewID)
	}
	target := ids[((index+direction)%len(ids)+len(ids))%len(ids)]
	t, err := e.setCurrentLocked(channel, target, true, "manual")
	lock.Unlock()
	if err != nil {
		return err
	}
	return e.commit(t)
}

// Tap resolves a quadrant gesture through the channel's quadrant map. The
// reserved CENTER zone and unmapped zones are answered as successful no-ops;
// pause/resume on CENTER belongs to the display client, not the engine.
func (e *Engine) Tap(channel, zone string) error {
	if zone == models.QuadrantCenter {
		return nil
	}
	target := e.store.QuadrantMap(channel)[zone]
	switch target {
	case "":
		return nil
	case models.ActionNext:
		return e.Next(channel)
	case models.ActionPrevious:
		return e.Previous(channel)
	default:
		return e.SetCurrent(channel, target, true)
	}
}

// UpsertView adds or replaces a view in the catalog. When attachDefault is
// set and the id appears in no channel's playlist, it is appended to the
// default channel's playlist. Channels left empty whose playlist now has an
// eligible view are activated.
func (e *Engine) UpsertView(view models.View, attachDefault bool) (models.View, error) {
	stored, err := e.store.UpsertView(view)
	if err != nil {
		return stored, err
	}
	if attachDefault && !e.viewListed(stored.ID) {
		playlist := append(e.store.Playlist(models.DefaultChannel), stored.ID)
		if err := e.store.SetPlaylist(models.DefaultChannel, playlist); err != nil {
			return stored, err
		}
	}
	e.activateEmptyChannels()
	return stored, nil
}

func (e *Engine) viewListed(id string) bool {
	for _, channel := range e.store.ChannelNames() {
		if indexOf(e.store.Playlist(channel), id) >= 0 {
			return true
		}
	}
	return false
}

// activateEmptyChannels gives every empty channel with a non-empty eligible
// list its first eligible view.
func (e *Engine) activateEmptyChannels() {
	for _, channel := range e.store.ChannelNames() {
		lock := e.channelLock(channel)
		lock.Lock()
		if _, ok := e.stateOf(channel); ok {
			lock.Unlock()
			continue
		}
		ids := e.eligible(channel)
		if len(ids) == 0 {
			lock.Unlock()
			continue
		}
		t, err := e.setCurrentLocked(channel, ids[0], false, "automatic")
		lock.Unlock()
		if err == nil {
			_ = e.commit(t)
		}
	}
}

// RemoveView deletes a view. Channels currently showing it are reassigned to
// the first other eligible view (or emptied) before the catalog entry goes
// away, so a crash mid-operation can never leave a dangling pointer.
func (e *Engine) RemoveView(id string) error {
	if _, ok := e.store.GetView(id); !ok {
		return nil
	}
	e.reassignChannelsShowing(id)
	return e.store.RemoveView(id)
}

// SetViewEnabled flips a view's enabled flag, reassigning any channel whose
// current view just became ineligible and activating empty channels when a
// view comes back.
func (e *Engine) SetViewEnabled(id string, enabled bool) error {
	if _, ok := e.store.GetView(id); !ok {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	if err := e.store.SetViewEnabled(id, enabled); err != nil {
		return err
	}
	if enabled {
		e.activateEmptyChannels()
		return nil
	}
	e.reassignChannelsShowing(id)
	return nil
}

// reassignChannelsShowing moves every channel currently on id to its first
// other eligible view, or to empty when none remains. Reassignment runs
// through the regular transition path so rotation timers are re-armed.
func (e *Engine) reassignChannelsShowing(id string) {
	channels := e.store.ChannelNames()
	e.mu.Lock()
	for channel := range e.states {
		if indexOf(channels, channel) < 0 {
			channels = append(channels, channel)
		}
	}
	e.mu.Unlock()

	for _, channel := range channels {
		lock := e.channelLock(channel)
		lock.Lock()
		state, ok := e.stateOf(channel)
		if !ok || state.viewID != id {
			lock.Unlock()
			continue
		}
		var replacement string
		for _, candidate := range e.eligible(channel) {
			if candidate != id {
				replacement = candidate
				break
			}
		}
		var t *transition
		if replacement != "" {
			var err error
			t, err = e.setCurrentLocked(channel, replacement, false, "reassign")
			if err != nil {
				t = e.clearCurrentLocked(channel, "reassign")
			}
		} else {
			t = e.clearCurrentLocked(channel, "reassign")
		}
		lock.Unlock()
		_ = e.commit(t)
	}
}

// SetChannelConfig applies the provided playlist and/or quadrant map to a
// channel, soft-creating it. An empty channel that gains eligible views is
// activated.
func (e *Engine) SetChannelConfig(channel string, views []string, quadrants map[string]string) error {
	if views != nil {
		if err := e.store.SetPlaylist(channel, views); err != nil {
			return err
		}
	}
	if quadrants != nil {
		if err := e.store.SetQuadrantMap(channel, quadrants); err != nil {
			return err
		}
	}
	e.activateEmptyChannels()
	return nil
}

// Current returns a consistent snapshot of the channel's active view.
func (e *Engine) Current(channel string) (models.View, time.Time, bool) {
	state, ok := e.stateOf(channel)
	if !ok {
		return models.View{}, time.Time{}, false
	}
	view, found := e.store.GetView(state.viewID)
	if !found {
		return models.View{}, time.Time{}, false
	}
	return view, state.activatedAt, true
}

// Channels summarises every known channel for the directory endpoint.
func (e *Engine) Channels() []models.ChannelStatus {
	names := e.store.ChannelNames()
	e.mu.Lock()
	for channel := range e.states {
		if indexOf(names, channel) < 0 {
			names = append(names, channel)
		}
	}
	e.mu.Unlock()

	statuses := make([]models.ChannelStatus, 0, len(names))
	for _, name := range names {
		status := models.ChannelStatus{
			Name:      name,
			ViewCount: len(e.store.Playlist(name)),
		}
		if view, activatedAt, ok := e.Current(name); ok {
			status.CurrentView = &view
			status.ActivatedAt = &activatedAt
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Restore reloads persisted current views after a restart, re-validating
// them against the catalog and re-arming rotation timers. Channels whose
// persisted view disappeared or was disabled fall back to the first eligible
// view.
func (e *Engine) Restore() {
	for _, channel := range e.store.ChannelNames() {
		persisted, ok := e.store.CurrentView(channel)
		if !ok {
			continue
		}
		lock := e.channelLock(channel)
		lock.Lock()
		view, found := e.store.GetView(persisted)
		if found && view.Enabled {
			now := e.clock.Now().UTC()
			e.setState(channel, channelState{viewID: persisted, activatedAt: now})
			if dwell := view.Metadata.RotateDuration(); dwell > 0 {
				e.scheduler.Schedule(channel, persisted, dwell, e.onRotateFire)
			}
			lock.Unlock()
			e.logger.Info("restored current view", "channel", channel, "view", persisted)
			continue
		}
		ids := e.eligible(channel)
		var t *transition
		if len(ids) > 0 {
			var err error
			t, err = e.setCurrentLocked(channel, ids[0], false, "reassign")
			if err != nil {
				t = e.clearCurrentLocked(channel, "reassign")
			}
		} else {
			t = e.clearCurrentLocked(channel, "reassign")
		}
		lock.Unlock()
		_ = e.commit(t)
	}
	e.activateEmptyChannels()
}

// Stop cancels every pending rotation timer. In-memory state is kept so a
// caller can stop and later restore the engine within one process.
func (e *Engine) Stop() {
	e.scheduler.CancelAll()
}
