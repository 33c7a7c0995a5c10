package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"redisplay/internal/models"
)

// ErrPersist wraps failures to flush state to durable storage. Callers map it
// to a 500 while keeping the in-memory change (best-effort durability).
var ErrPersist = errors.New("storage: persist failed")

type storedView struct {
	ID       string              `json:"id"`
	Metadata models.ViewMetadata `json:"metadata"`
	Data     json.RawMessage     `json:"data,omitempty"`
}

type dataset struct {
	Views        map[string]storedView           `json:"views"`
	Enabled      map[string]bool                 `json:"enabled"`
	Channels     map[string]models.ChannelConfig `json:"channels"`
	CurrentViews map[string]string               `json:"currentViews"`
}

func newDataset() dataset {
	return dataset{
		Views:        make(map[string]storedView),
		Enabled:      make(map[string]bool),
		Channels:     make(map[string]models.ChannelConfig),
		CurrentViews: make(map[string]string),
	}
}

// Storage is the JSON-file datastore: a mutex-guarded in-memory dataset
// persisted as a single blob with atomic replace-on-write. Because every
// mutation rewrites the whole blob, a crash can never observe a current-view
// pointer without the catalog entry it references.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads (or initialises) the datastore at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path, data: newDataset()}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Views == nil {
		s.data.Views = make(map[string]storedView)
	}
	if s.data.Enabled == nil {
		s.data.Enabled = make(map[string]bool)
	}
	if s.data.Channels == nil {
		s.data.Channels = make(map[string]models.ChannelConfig)
	}
	if s.data.CurrentViews == nil {
		s.data.CurrentViews = make(map[string]string)
	}
}

func (s *Storage) persist() error {
	if err := s.persistDataset(s.data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// Close is a no-op for the file-backed driver.
func (s *Storage) Close() error {
	return nil
}

// UpsertView inserts or replaces the view with the given id. The enabled flag
// of an existing view survives replacement; new views default to enabled.
func (s *Storage) UpsertView(view models.View) (models.View, error) {
	id := strings.TrimSpace(view.ID)
	if id == "" {
		return models.View{}, fmt.Errorf("view id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Views[id]; !exists {
		s.data.Enabled[id] = true
	}
	s.data.Views[id] = storedView{ID: id, Metadata: view.Metadata, Data: append(json.RawMessage(nil), view.Data...)}
	stored := s.viewLocked(id)
	if err := s.persist(); err != nil {
		return stored, err
	}
	return stored, nil
}

// RemoveView deletes the view and prunes every reference to it: playlists,
// quadrant maps, the enabled-flag map, and the current-view map. Removing an
// unknown id is a no-op.
func (s *Storage) RemoveView(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Views[id]; !exists {
		return nil
	}
	delete(s.data.Views, id)
	delete(s.data.Enabled, id)
	for name, cfg := range s.data.Channels {
		s.data.Channels[name] = pruneViewFromConfig(cfg, id)
	}
	for channel, current := range s.data.CurrentViews {
		if current == id {
			delete(s.data.CurrentViews, channel)
		}
	}
	return s.persist()
}

func pruneViewFromConfig(cfg models.ChannelConfig, id string) models.ChannelConfig {
	pruned := models.ChannelConfig{Quadrants: make(map[string]string, len(cfg.Quadrants))}
	for _, viewID := range cfg.Views {
		if viewID != id {
			pruned.Views = append(pruned.Views, viewID)
		}
	}
	for zone, target := range cfg.Quadrants {
		if target != id {
			pruned.Quadrants[zone] = target
		}
	}
	return pruned
}

// SetViewEnabled flips the enabled flag for a known view.
func (s *Storage) SetViewEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Views[id]; !exists {
		return fmt.Errorf("view %s not found", id)
	}
	s.data.Enabled[id] = enabled
	return s.persist()
}

func (s *Storage) viewLocked(id string) models.View {
	stored := s.data.Views[id]
	return models.View{
		ID:       stored.ID,
		Metadata: stored.Metadata,
		Data:     append(json.RawMessage(nil), stored.Data...),
		Enabled:  s.data.Enabled[id],
	}
}

// GetView returns the view with the given id.
func (s *Storage) GetView(id string) (models.View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.data.Views[id]; !exists {
		return models.View{}, false
	}
	return s.viewLocked(id), true
}

// ListViews returns every view in the catalog sorted by id.
func (s *Storage) ListViews() []models.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]models.View, 0, len(s.data.Views))
	for id := range s.data.Views {
		views = append(views, s.viewLocked(id))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// EnabledViews returns the enabled subset of the catalog sorted by id.
func (s *Storage) EnabledViews() []models.View {
	all := s.ListViews()
	enabled := all[:0]
	for _, view := range all {
		if view.Enabled {
			enabled = append(enabled, view)
		}
	}
	return enabled
}

// Playlist returns the rotation order for a channel. Unknown channels read as
// empty.
func (s *Storage) Playlist(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.data.Channels[channel]
	if !ok || len(cfg.Views) == 0 {
		return nil
	}
	return append([]string(nil), cfg.Views...)
}

// SetPlaylist replaces the rotation order for a channel, soft-creating it.
func (s *Storage) SetPlaylist(channel string, viewIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.data.Channels[channel]
	cfg.Views = nil
	for _, id := range viewIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			cfg.Views = append(cfg.Views, trimmed)
		}
	}
	s.data.Channels[channel] = cfg
	return s.persist()
}

// QuadrantMap returns the navigation shortcuts for a channel.
func (s *Storage) QuadrantMap(channel string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.data.Channels[channel]
	if !ok {
		return map[string]string{}
	}
	quadrants := make(map[string]string, len(cfg.Quadrants))
	for zone, target := range cfg.Quadrants {
		quadrants[zone] = target
	}
	return quadrants
}

// SetQuadrantMap replaces the navigation shortcuts for a channel. The
// reserved CENTER zone is silently dropped.
func (s *Storage) SetQuadrantMap(channel string, quadrants map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.data.Channels[channel]
	cfg.Quadrants = make(map[string]string, len(quadrants))
	for zone, target := range quadrants {
		if zone == models.QuadrantCenter {
			continue
		}
		cfg.Quadrants[zone] = strings.TrimSpace(target)
	}
	s.data.Channels[channel] = cfg
	return s.persist()
}

// ChannelNames lists every channel that has configuration or a persisted
// current view, sorted by name.
func (s *Storage) ChannelNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.data.Channels))
	for name := range s.data.Channels {
		seen[name] = struct{}{}
	}
	for name := range s.data.CurrentViews {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CurrentView returns the persisted current view id for a channel.
func (s *Storage) CurrentView(channel string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data.CurrentViews[channel]
	return id, ok
}

// SetCurrentView persists the current view pointer for restart continuity.
// An empty id clears the entry.
func (s *Storage) SetCurrentView(channel, viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if viewID == "" {
		delete(s.data.CurrentViews, channel)
	} else {
		if _, exists := s.data.Views[viewID]; !exists {
			return fmt.Errorf("view %s not found", viewID)
		}
		s.data.CurrentViews[channel] = viewID
	}
	return s.persist()
}
