package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, rotation transitions, broadcast fan-out, and relay traffic. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for active subscriber tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	rotationEvents    map[string]uint64
	broadcastDelivers uint64
	broadcastDrops    uint64
	relayEvents       map[string]uint64
	activeSubscribers atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		rotationEvents:  make(map[string]uint64),
		relayEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRotation records a view transition by kind (e.g., "automatic",
// "manual", "reassign", "pinned_recheck", "stale_fire").
func (r *Recorder) ObserveRotation(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.rotationEvents[normalized]++
	r.mu.Unlock()
}

// ObserveBroadcast accumulates per-publish fan-out outcomes: how many
// subscribers received the event and how many were skipped because their
// buffers were full.
func (r *Recorder) ObserveBroadcast(delivered, dropped int) {
	r.mu.Lock()
	if delivered > 0 {
		r.broadcastDelivers += uint64(delivered)
	}
	if dropped > 0 {
		r.broadcastDrops += uint64(dropped)
	}
	r.mu.Unlock()
}

// ObserveRelayEvent records relay traffic by direction ("published",
// "consumed", "filtered").
func (r *Recorder) ObserveRelayEvent(direction string) {
	normalized := normalizeName(direction)
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// SubscriberConnected increments the active subscriber gauge atomically so
// concurrent sessions remain consistent.
func (r *Recorder) SubscriberConnected() {
	r.activeSubscribers.Add(1)
}

// SubscriberDisconnected decrements the active subscriber gauge, guarding
// against negative counts when concurrent updates race.
func (r *Recorder) SubscriberDisconnected() {
	r.decrementGauge(&r.activeSubscribers)
}

// ActiveSubscribers exposes the current gauge of connected subscribers.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeSubscribers.Load()
}

// RotationCounts returns a copy of the rotation event counters for testing
// and reporting purposes.
func (r *Recorder) RotationCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.rotationEvents))
	for k, v := range r.rotationEvents {
		counts[k] = v
	}
	return counts
}

// BroadcastCounts returns the cumulative delivered and dropped totals.
func (r *Recorder) BroadcastCounts() (delivered, dropped uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcastDelivers, r.broadcastDrops
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.rotationEvents = make(map[string]uint64)
	r.relayEvents = make(map[string]uint64)
	r.broadcastDelivers = 0
	r.broadcastDrops = 0
	r.activeSubscribers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	rotationKinds := sortedKeys(r.rotationEvents)
	relayDirections := sortedKeys(r.relayEvents)

	fmt.Fprintln(w, "# HELP redisplay_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE redisplay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "redisplay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP redisplay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE redisplay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "redisplay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP redisplay_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE redisplay_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "redisplay_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP redisplay_rotation_events_total View transitions by kind")
	fmt.Fprintln(w, "# TYPE redisplay_rotation_events_total counter")
	for _, kind := range rotationKinds {
		count := r.rotationEvents[kind]
		fmt.Fprintf(w, "redisplay_rotation_events_total{kind=\"%s\"} %d\n", kind, count)
	}

	fmt.Fprintln(w, "# HELP redisplay_broadcast_deliveries_total Change events delivered to subscribers")
	fmt.Fprintln(w, "# TYPE redisplay_broadcast_deliveries_total counter")
	fmt.Fprintf(w, "redisplay_broadcast_deliveries_total %d\n", r.broadcastDelivers)

	fmt.Fprintln(w, "# HELP redisplay_broadcast_drops_total Change events dropped because a subscriber buffer was full")
	fmt.Fprintln(w, "# TYPE redisplay_broadcast_drops_total counter")
	fmt.Fprintf(w, "redisplay_broadcast_drops_total %d\n", r.broadcastDrops)

	fmt.Fprintln(w, "# HELP redisplay_relay_events_total Relay traffic by direction")
	fmt.Fprintln(w, "# TYPE redisplay_relay_events_total counter")
	for _, direction := range relayDirections {
		count := r.relayEvents[direction]
		fmt.Fprintf(w, "redisplay_relay_events_total{direction=\"%s\"} %d\n", direction, count)
	}

	fmt.Fprintln(w, "# HELP redisplay_active_subscribers Current number of connected event subscribers")
	fmt.Fprintln(w, "# TYPE redisplay_active_subscribers gauge")
	fmt.Fprintf(w, "redisplay_active_subscribers %d\n", r.activeSubscribers.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveRotation records a view transition on the default recorder.
func ObserveRotation(kind string) {
	defaultRecorder.ObserveRotation(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
