// Package metrics aggregates in-memory counters for the broker's HTTP
// surface and session lifecycle and renders them as Prometheus text
// exposition.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates request counters and session lifecycle counters. A
// RWMutex coordinates concurrent writers; reads for exposition take the read
// lock and sort label sets for stable scrape output.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
}

// Session lifecycle event names recorded by the handlers.
const (
	EventSessionCreated    = "created"
	EventSessionConsumed   = "consumed"
	EventUploadRedirect    = "upload_redirect"
	EventDownloadRedirect  = "download_redirect"
	EventAllocateCollision = "allocate_collision"
	EventBotBlocked        = "bot_blocked"
)

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
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

// ObserveSessionEvent records one session lifecycle event.
func (r *Recorder) ObserveSessionEvent(event string) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// SessionEventCount returns the recorded count for one lifecycle event.
func (r *Recorder) SessionEventCount(event string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionEvents[strings.ToLower(strings.TrimSpace(event))]
}

// Reset clears all counters. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.mu.Unlock()
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		requestLabels = append(requestLabels, label)
	}
	sort.Slice(requestLabels, func(i, j int) bool {
		a, b := requestLabels[i], requestLabels[j]
		if a.method != b.method {
			return a.method < b.method
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.status < b.status
	})

	events := make([]string, 0, len(r.sessionEvents))
	for event := range r.sessionEvents {
		events = append(events, event)
	}
	sort.Strings(events)

	fmt.Fprintln(w, "# HELP dropgate_http_requests_total Total number of HTTP requests processed by the broker")
	fmt.Fprintln(w, "# TYPE dropgate_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "dropgate_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP dropgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE dropgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "dropgate_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %.6f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP dropgate_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE dropgate_session_events_total counter")
	for _, event := range events {
		fmt.Fprintf(w, "dropgate_session_events_total{event=%q} %d\n", event, r.sessionEvents[event])
	}
}

// normalizePath collapses transfer identifier paths to a single label value
// so per-identifier paths cannot explode the label space.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path == "/" || strings.HasPrefix(path, "/api/") || path == "/healthz" || path == "/metrics" {
		return path
	}
	return "/{id}"
}
