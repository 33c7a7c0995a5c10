package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultChannel is the channel used when a caller omits a channel name.
const DefaultChannel = "default"

// Quadrant identifiers recognised by a channel's quadrant map. CENTER is
// reserved for the pause/resume gesture handled by the display client and is
// never stored in a quadrant map.
const (
	QuadrantTopLeft     = "TOP_LEFT"
	QuadrantTopRight    = "TOP_RIGHT"
	QuadrantBottomLeft  = "BOTTOM_LEFT"
	QuadrantBottomRight = "BOTTOM_RIGHT"
	QuadrantCenter      = "CENTER"
)

// Navigation sentinels accepted as quadrant map targets in place of a view id.
const (
	ActionNext     = "NEXT"
	ActionPrevious = "PREVIOUS"
)

// KnownQuadrant reports whether the identifier names one of the fixed zones.
func KnownQuadrant(zone string) bool {
	switch zone {
	case QuadrantTopLeft, QuadrantTopRight, QuadrantBottomLeft, QuadrantBottomRight, QuadrantCenter:
		return true
	default:
		return false
	}
}

// ViewMetadata describes how the engine treats a view. RotateAfter is carried
// in milliseconds on the wire; a value of zero or less disables automatic
// rotation for the view.
type ViewMetadata struct {
	Type        string `json:"type"`
	RotateAfter int64  `json:"rotateAfter,omitempty"`
}

// RotateDuration converts the millisecond dwell time into a time.Duration.
func (m ViewMetadata) RotateDuration() time.Duration {
	if m.RotateAfter <= 0 {
		return 0
	}
	return time.Duration(m.RotateAfter) * time.Millisecond
}

// View is an identified content descriptor. Data is opaque to the engine and
// forwarded verbatim to consumers.
type View struct {
	ID       string          `json:"id"`
	Metadata ViewMetadata    `json:"metadata"`
	Data     json.RawMessage `json:"data,omitempty"`
	Enabled  bool            `json:"enabled"`
}

// NormalizeView builds the canonical view shape from an upsert payload. The
// payload may be structured ({"metadata":...,"data":...}) or a legacy flat
// object, in which case the whole object becomes Data with synthesized
// metadata of type "custom".
func NormalizeView(id string, payload json.RawMessage) (View, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return View{}, fmt.Errorf("view id is required")
	}
	view := View{ID: trimmedID, Metadata: ViewMetadata{Type: "custom"}, Enabled: true}
	if len(payload) == 0 {
		return view, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return View{}, fmt.Errorf("decode view payload: %w", err)
	}
	_, hasMetadata := probe["metadata"]
	_, hasData := probe["data"]
	if !hasMetadata && !hasData {
		view.Data = append(json.RawMessage(nil), payload...)
		return view, nil
	}
	if raw, ok := probe["metadata"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &view.Metadata); err != nil {
			return View{}, fmt.Errorf("decode view metadata: %w", err)
		}
		if strings.TrimSpace(view.Metadata.Type) == "" {
			view.Metadata.Type = "custom"
		}
	}
	if raw, ok := probe["data"]; ok && string(raw) != "null" {
		view.Data = append(json.RawMessage(nil), raw...)
	}
	return view, nil
}

// ChannelConfig is the durable per-channel configuration: rotation order and
// navigation shortcuts. The live current-view pointer is runtime state owned
// by the engine, not part of this record.
type ChannelConfig struct {
	Views     []string          `json:"views"`
	Quadrants map[string]string `json:"quadrants"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (c ChannelConfig) Clone() ChannelConfig {
	out := ChannelConfig{}
	if c.Views != nil {
		out.Views = append([]string(nil), c.Views...)
	}
	if c.Quadrants != nil {
		out.Quadrants = make(map[string]string, len(c.Quadrants))
		for zone, target := range c.Quadrants {
			out.Quadrants[zone] = target
		}
	}
	return out
}

// ChannelStatus summarises a channel for the directory endpoint. ActivatedAt
// is nil for empty channels so they serialize without a zero timestamp.
type ChannelStatus struct {
	Name        string     `json:"name"`
	CurrentView *View      `json:"currentView,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ViewCount   int        `json:"viewCount"`
}

// ChangeEvent is broadcast to subscribers whenever the active view of a
// channel changes. View is nil when the channel transitions to empty. Origin
// identifies the publishing process so relay consumers can filter echoes.
type ChangeEvent struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	View      *View     `json:"view"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// EventTypeViewChange is the type tag carried by every ChangeEvent.
const EventTypeViewChange = "view_change"

// NewChangeEvent constructs a view-change event for the given channel.
func NewChangeEvent(channel string, view *View, at time.Time) ChangeEvent {
	return ChangeEvent{
		Type:      EventTypeViewChange,
		Channel:   channel,
		View:      view,
		Timestamp: at.UTC(),
	}
}
