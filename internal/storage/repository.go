package storage

import (
	"context"

	"redisplay/internal/models"
)

// Repository exposes the datastore operations required by the rotation
// engine and API handlers. All mutating operations persist synchronously
// before returning; every write path goes through this interface, never a
// direct store mutation.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertView(view models.View) (models.View, error)
	RemoveView(id string) error
	SetViewEnabled(id string, enabled bool) error
	GetView(id string) (models.View, bool)
	ListViews() []models.View
	EnabledViews() []models.View

	Playlist(channel string) []string
	SetPlaylist(channel string, viewIDs []string) error
	QuadrantMap(channel string) map[string]string
	SetQuadrantMap(channel string, quadrants map[string]string) error
	ChannelNames() []string

	CurrentView(channel string) (string, bool)
	SetCurrentView(channel, viewID string) error
}

var _ Repository = (*Storage)(nil)
