package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"redisplay/internal/models"
)

// Snapshot captures a complete JSON-serialisable image of the datastore so it
// can be exported from one driver and replayed into another (for example when
// promoting a JSON deployment to Postgres).
type Snapshot struct {
	Views        map[string]models.View          `json:"views"`
	Channels     map[string]models.ChannelConfig `json:"channels"`
	CurrentViews map[string]string               `json:"currentViews"`
}

func (s *Snapshot) ensureInitialized() {
	if s.Views == nil {
		s.Views = make(map[string]models.View)
	}
	if s.Channels == nil {
		s.Channels = make(map[string]models.ChannelConfig)
	}
	if s.CurrentViews == nil {
		s.CurrentViews = make(map[string]string)
	}
}

// ExportSnapshot reads the full state of a repository.
func ExportSnapshot(repo Repository) *Snapshot {
	snapshot := &Snapshot{}
	snapshot.ensureInitialized()
	for _, view := range repo.ListViews() {
		snapshot.Views[view.ID] = view
	}
	for _, name := range repo.ChannelNames() {
		snapshot.Channels[name] = models.ChannelConfig{
			Views:     repo.Playlist(name),
			Quadrants: repo.QuadrantMap(name),
		}
		if current, ok := repo.CurrentView(name); ok {
			snapshot.CurrentViews[name] = current
		}
	}
	return snapshot
}

// ImportSnapshot replays a snapshot into a repository through its regular
// write API. Views land before channel configuration and current-view
// pointers so referential invariants hold at every step.
func ImportSnapshot(repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	snapshot.ensureInitialized()
	for _, view := range snapshot.Views {
		if _, err := repo.UpsertView(view); err != nil {
			return fmt.Errorf("import view %s: %w", view.ID, err)
		}
		if !view.Enabled {
			if err := repo.SetViewEnabled(view.ID, false); err != nil {
				return fmt.Errorf("import enabled flag %s: %w", view.ID, err)
			}
		}
	}
	for name, cfg := range snapshot.Channels {
		if err := repo.SetPlaylist(name, cfg.Views); err != nil {
			return fmt.Errorf("import playlist %s: %w", name, err)
		}
		if err := repo.SetQuadrantMap(name, cfg.Quadrants); err != nil {
			return fmt.Errorf("import quadrants %s: %w", name, err)
		}
	}
	for channel, viewID := range snapshot.CurrentViews {
		if err := repo.SetCurrentView(channel, viewID); err != nil {
			return fmt.Errorf("import current view %s: %w", channel, err)
		}
	}
	return nil
}

// LoadSnapshotFromJSON reads a previously exported Snapshot from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}
