package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"redisplay/internal/models"
)

func newTestStore(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	return store, path
}

func testView(id string) models.View {
	return models.View{
		ID:       id,
		Metadata: models.ViewMetadata{Type: "dashboard", RotateAfter: 5000},
		Data:     json.RawMessage(`{"widget":"` + id + `"}`),
		Enabled:  true,
	}
}

func TestUpsertViewPreservesEnabledFlag(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.UpsertView(testView("alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	view, ok := store.GetView("alpha")
	if !ok || !view.Enabled {
		t.Fatalf("new views default to enabled, got %+v ok=%v", view, ok)
	}

	if err := store.SetViewEnabled("alpha", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	updated := testView("alpha")
	updated.Metadata.RotateAfter = 9000
	if _, err := store.UpsertView(updated); err != nil {
		t.Fatalf("replace: %v", err)
	}
	view, _ = store.GetView("alpha")
	if view.Enabled {
		t.Fatal("replacing a view must not re-enable it")
	}
	if view.Metadata.RotateAfter != 9000 {
		t.Fatalf("expected metadata replaced, got %+v", view.Metadata)
	}
}

func TestSetViewEnabledUnknownView(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SetViewEnabled("ghost", true); err == nil {
		t.Fatal("expected error for unknown view")
	}
}

func TestRemoveViewPrunesAllReferences(t *testing.T) {
	store, _ := newTestStore(t)
	for _, id := range []string{"alpha", "beta"} {
		if _, err := store.UpsertView(testView(id)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.SetPlaylist("lobby", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	if err := store.SetQuadrantMap("lobby", map[string]string{
		models.QuadrantTopLeft:    "alpha",
		models.QuadrantBottomLeft: "beta",
		models.QuadrantTopRight:   models.ActionNext,
	}); err != nil {
		t.Fatalf("set quadrants: %v", err)
	}
	if err := store.SetCurrentView("lobby", "alpha"); err != nil {
		t.Fatalf("set current: %v", err)
	}

	if err := store.RemoveView("alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.GetView("alpha"); ok {
		t.Fatal("expected view gone")
	}
	if playlist := store.Playlist("lobby"); len(playlist) != 1 || playlist[0] != "beta" {
		t.Fatalf("expected playlist pruned, got %v", playlist)
	}
	quadrants := store.QuadrantMap("lobby")
	if _, ok := quadrants[models.QuadrantTopLeft]; ok {
		t.Fatal("expected quadrant shortcut pruned")
	}
	if quadrants[models.QuadrantTopRight] != models.ActionNext {
		t.Fatalf("navigation sentinels must survive pruning, got %v", quadrants)
	}
	if _, ok := store.CurrentView("lobby"); ok {
		t.Fatal("expected current-view pointer cleared")
	}

	if err := store.RemoveView("ghost"); err != nil {
		t.Fatalf("removing an unknown view must be a no-op, got %v", err)
	}
}

func TestSetQuadrantMapDropsCenter(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.UpsertView(testView("alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetQuadrantMap("lobby", map[string]string{
		models.QuadrantCenter:      "alpha",
		models.QuadrantBottomRight: "alpha",
	}); err != nil {
		t.Fatalf("set quadrants: %v", err)
	}
	quadrants := store.QuadrantMap("lobby")
	if _, ok := quadrants[models.QuadrantCenter]; ok {
		t.Fatal("CENTER must never be stored")
	}
	if quadrants[models.QuadrantBottomRight] != "alpha" {
		t.Fatalf("unexpected quadrants %v", quadrants)
	}
}

func TestSetCurrentViewValidatesAndClears(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.UpsertView(testView("alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.SetCurrentView("lobby", "ghost"); err == nil {
		t.Fatal("expected error for unknown view")
	}
	if err := store.SetCurrentView("lobby", "alpha"); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if current, ok := store.CurrentView("lobby"); !ok || current != "alpha" {
		t.Fatalf("unexpected current %q ok=%v", current, ok)
	}
	if err := store.SetCurrentView("lobby", ""); err != nil {
		t.Fatalf("clear current: %v", err)
	}
	if _, ok := store.CurrentView("lobby"); ok {
		t.Fatal("expected pointer cleared")
	}
}

func TestReloadRestoresFullDataset(t *testing.T) {
	store, path := newTestStore(t)
	if _, err := store.UpsertView(testView("alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetViewEnabled("alpha", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := store.SetPlaylist("lobby", []string{"alpha"}); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	if err := store.SetCurrentView("lobby", "alpha"); err != nil {
		t.Fatalf("set current: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	view, ok := reloaded.GetView("alpha")
	if !ok || view.Enabled {
		t.Fatalf("expected disabled view after reload, got %+v ok=%v", view, ok)
	}
	var data map[string]string
	if err := json.Unmarshal(view.Data, &data); err != nil || data["widget"] != "alpha" {
		t.Fatalf("expected data round-tripped, got %s err=%v", view.Data, err)
	}
	if current, ok := reloaded.CurrentView("lobby"); !ok || current != "alpha" {
		t.Fatalf("expected current view restored, got %q ok=%v", current, ok)
	}
}

func TestChannelNamesUnionsConfigAndCurrent(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.UpsertView(testView("alpha")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetPlaylist("lobby", []string{"alpha"}); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	if err := store.SetCurrentView("kitchen", "alpha"); err != nil {
		t.Fatalf("set current: %v", err)
	}

	names := store.ChannelNames()
	if len(names) != 2 || names[0] != "kitchen" || names[1] != "lobby" {
		t.Fatalf("expected sorted union of channels, got %v", names)
	}
}

func TestEnabledViewsFiltersCatalog(t *testing.T) {
	store, _ := newTestStore(t)
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if _, err := store.UpsertView(testView(id)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.SetViewEnabled("beta", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	enabled := store.EnabledViews()
	if len(enabled) != 2 || enabled[0].ID != "alpha" || enabled[1].ID != "gamma" {
		t.Fatalf("unexpected enabled set %v", enabled)
	}
}

func TestPersistFailureWrapsErrPersist(t *testing.T) {
	store, _ := newTestStore(t)
	store.persistOverride = func(dataset) error {
		return errors.New("disk full")
	}

	_, err := store.UpsertView(testView("alpha"))
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	// The in-memory change is kept.
	if _, ok := store.GetView("alpha"); !ok {
		t.Fatal("expected in-memory state retained after persist failure")
	}
}

func TestPingReportsMissingDirectory(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	missing := &Storage{filePath: "/nonexistent-redisplay/state.json", data: newDataset()}
	if err := missing.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure for missing directory")
	}
}

func TestSnapshotRoundTripBetweenDrivers(t *testing.T) {
	source, _ := newTestStore(t)
	for _, id := range []string{"alpha", "beta"} {
		if _, err := source.UpsertView(testView(id)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := source.SetViewEnabled("beta", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := source.SetPlaylist("lobby", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("set playlist: %v", err)
	}
	if err := source.SetQuadrantMap("lobby", map[string]string{models.QuadrantTopRight: models.ActionNext}); err != nil {
		t.Fatalf("set quadrants: %v", err)
	}
	if err := source.SetCurrentView("lobby", "alpha"); err != nil {
		t.Fatalf("set current: %v", err)
	}

	target, _ := newTestStore(t)
	if err := ImportSnapshot(target, ExportSnapshot(source)); err != nil {
		t.Fatalf("import snapshot: %v", err)
	}

	view, ok := target.GetView("beta")
	if !ok || view.Enabled {
		t.Fatalf("expected disabled beta imported, got %+v ok=%v", view, ok)
	}
	if playlist := target.Playlist("lobby"); len(playlist) != 2 || playlist[0] != "alpha" {
		t.Fatalf("unexpected playlist %v", playlist)
	}
	if current, ok := target.CurrentView("lobby"); !ok || current != "alpha" {
		t.Fatalf("unexpected current %q ok=%v", current, ok)
	}
}
