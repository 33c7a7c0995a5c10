package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"redisplay/internal/models"
	"redisplay/internal/observability/metrics"
)

// allChannels is the room key for subscribers that want every channel.
const allChannels = ""

// Config assembles a Hub.
type Config struct {
	// Relay optionally connects the hub to its peers. Events published
	// locally are forwarded to the relay, and events consumed from the
	// relay are fanned out to local subscribers.
	Relay   Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Buffer sizes each subscriber's event channel.
	Buffer int
}

// Hub fans view-change events out to local subscribers and, when a relay is
// configured, to other processes. Delivery to a subscriber is best-effort: a
// full buffer drops the event rather than blocking the rotation path.
type Hub struct {
	origin  string
	relay   Queue
	logger  *slog.Logger
	metrics *metrics.Recorder
	buffer  int

	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}
}

// New constructs a hub with a fresh origin id.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		origin:  uuid.NewString(),
		relay:   cfg.Relay,
		logger:  logger,
		metrics: recorder,
		buffer:  buffer,
		rooms:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Origin identifies this process on the relay. Events carrying it are
// skipped when they come back around.
func (h *Hub) Origin() string {
	return h.origin
}

// Subscriber is one attached event consumer. Events arrive on Events();
// Close detaches it and is safe to call more than once.
type Subscriber struct {
	ID      uuid.UUID
	channel string
	hub     *Hub
	ch      chan models.ChangeEvent
	once    sync.Once
}

// Events exposes the subscriber's delivery channel. It is closed by Close.
func (s *Subscriber) Events() <-chan models.ChangeEvent {
	return s.ch
}

// Close detaches the subscriber from the hub and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
		s.hub.metrics.SubscriberDisconnected()
	})
}

// Subscribe attaches a consumer to the named channel. An empty channel name
// subscribes to every channel.
func (h *Hub) Subscribe(channel string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New(),
		channel: channel,
		hub:     h,
		ch:      make(chan models.ChangeEvent, h.buffer),
	}
	h.mu.Lock()
	room, ok := h.rooms[channel]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[channel] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberConnected()
	return sub
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sub.channel]
	if !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sub.channel)
	}
}

// Publish stamps the event with this hub's origin, delivers it to local
// subscribers, and forwards it to the relay when one is configured. It never
// blocks and never fails; relay errors are logged.
func (h *Hub) Publish(channel string, event models.ChangeEvent) {
	event.Channel = channel
	event.Origin = h.origin
	h.deliver(channel, event)
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(context.Background(), event); err != nil {
		h.logger.Warn("relay publish failed", "channel", channel, "error", err)
		return
	}
	h.metrics.ObserveRelayEvent("published")
}

func (h *Hub) deliver(channel string, event models.ChangeEvent) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.rooms[channel])+len(h.rooms[allChannels]))
	for sub := range h.rooms[channel] {
		targets = append(targets, sub)
	}
	if channel != allChannels {
		for sub := range h.rooms[allChannels] {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range targets {
		select {
		case sub.ch <- event:
			delivered++
		default:
			// Drop instead of blocking to keep the rotation path
			// responsive. Consumers are expected to drain promptly.
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("dropped change events", "channel", channel, "count", dropped)
	}
	h.metrics.ObserveBroadcast(delivered, dropped)
}

// Run consumes relayed events from peers until the context is cancelled.
// Events originating from this process are discarded. Run is a no-op when no
// relay is configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := h.relay.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return errors.New("relay subscription closed")
			}
			if event.Origin == h.origin {
				h.metrics.ObserveRelayEvent("filtered")
				continue
			}
			h.metrics.ObserveRelayEvent("consumed")
			h.deliver(event.Channel, event)
		}
	}
}

// SubscriberCount reports how many consumers are attached, for diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}
