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

// SessionLabel identifies one session-lifecycle metric bucket. It is the
// transcode domain's version of the teacher's upload-transcoder job
// label: same (kind, status) shape, repurposed to (template, state) so
// a template's success/error rate can be read straight off the
// exposition.
type SessionLabel struct {
	Template string
	State    string
}

// Recorder aggregates in-memory HTTP and transcode session/task metrics.
// It coordinates concurrent writers via a RWMutex, mirroring the
// teacher's Recorder, but the domain surface is limited to what the
// supervisor and its admin API actually produce.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	taskEvents      map[string]uint64
	sessionEvents   map[SessionLabel]uint64
	activeSessions  atomic.Int64
	activeTasks     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so
// callers can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		taskEvents:      make(map[string]uint64),
		sessionEvents:   make(map[SessionLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the Recorder used by the package-level helpers.
// A nil r is ignored.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// Registry owns a Recorder that NewRegistry installs as the default.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry creates a fresh Recorder and makes it the package default.
func NewRegistry() *Registry {
	r := New()
	SetDefault(r)
	return &Registry{Recorder: r}
}

// ObserveRequest normalizes the request label set and accumulates
// totals for request count and cumulative duration by HTTP method,
// normalized path, and status code.
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

// TaskStarted records a task start event and increments the active
// task gauge.
func (r *Recorder) TaskStarted() {
	r.incrementTaskEvent("start")
	r.activeTasks.Add(1)
}

// TaskStopped records a task stop event and decrements the active task
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) TaskStopped() {
	r.incrementTaskEvent("stop")
	r.decrementGauge(&r.activeTasks)
}

func (r *Recorder) incrementTaskEvent(event string) {
	r.mu.Lock()
	r.taskEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// SessionStarted records a session entering Running for the given
// template and increments the active session gauge.
func (r *Recorder) SessionStarted(template string) {
	r.recordSessionEvent(template, "running")
	r.activeSessions.Add(1)
}

// SessionSucceeded records a session reaching Stopped after a normal
// exit and decrements the active session gauge.
func (r *Recorder) SessionSucceeded(template string) {
	r.recordSessionEvent(template, "stopped")
	r.decrementGauge(&r.activeSessions)
}

// SessionFailed records a session reaching Error and decrements the
// active session gauge.
func (r *Recorder) SessionFailed(template string) {
	r.recordSessionEvent(template, "error")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) recordSessionEvent(template, state string) {
	label := SessionLabel{Template: normalizeName(template), State: normalizeName(state)}
	r.mu.Lock()
	r.sessionEvents[label]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of running sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveTasks exposes the current gauge of live tasks.
func (r *Recorder) ActiveTasks() int64 {
	return r.activeTasks.Load()
}

// SessionCounts returns a copy of the session event counters and the
// current active-session gauge value, for tests and reporting.
func (r *Recorder) SessionCounts() (events map[SessionLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[SessionLabel]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	return events, r.activeSessions.Load()
}

// Reset clears all counters and gauges on the recorder. Intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.taskEvents = make(map[string]uint64)
	r.sessionEvents = make(map[SessionLabel]uint64)
	r.activeSessions.Store(0)
	r.activeTasks.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes
// Prometheus text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format,
// sorting label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	taskEvents := r.sortedTaskEvents()
	sessionLabels := r.sortedSessionLabels()

	fmt.Fprintln(w, "# HELP transcode_http_requests_total Total number of HTTP requests processed by the admin API")
	fmt.Fprintln(w, "# TYPE transcode_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "transcode_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP transcode_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE transcode_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "transcode_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP transcode_task_events_total Task lifecycle events by type")
	fmt.Fprintln(w, "# TYPE transcode_task_events_total counter")
	for _, event := range taskEvents {
		count := r.taskEvents[event]
		fmt.Fprintf(w, "transcode_task_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP transcode_active_tasks Current number of live tasks")
	fmt.Fprintln(w, "# TYPE transcode_active_tasks gauge")
	fmt.Fprintf(w, "transcode_active_tasks %d\n", r.activeTasks.Load())

	fmt.Fprintln(w, "# HELP transcode_session_events_total Session lifecycle events by template and resulting state")
	fmt.Fprintln(w, "# TYPE transcode_session_events_total counter")
	for _, label := range sessionLabels {
		count := r.sessionEvents[label]
		fmt.Fprintf(w, "transcode_session_events_total{template=\"%s\",state=\"%s\"} %d\n", label.Template, label.State, count)
	}

	fmt.Fprintln(w, "# HELP transcode_active_sessions Current number of running ffmpeg sessions")
	fmt.Fprintln(w, "# TYPE transcode_active_sessions gauge")
	fmt.Fprintf(w, "transcode_active_sessions %d\n", r.activeSessions.Load())
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

func (r *Recorder) sortedTaskEvents() []string {
	events := make([]string, 0, len(r.taskEvents))
	for event := range r.taskEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedSessionLabels() []SessionLabel {
	labels := make([]SessionLabel, 0, len(r.sessionEvents))
	for label := range r.sessionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Template != labels[j].Template {
			return labels[i].Template < labels[j].Template
		}
		return labels[i].State < labels[j].State
	})
	return labels
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
	if len(segment) >= 8 {
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// TaskStarted increments counters on the default recorder.
func TaskStarted() {
	defaultRecorder.TaskStarted()
}

// TaskStopped decrements active tasks on the default recorder.
func TaskStopped() {
	defaultRecorder.TaskStopped()
}

// SessionStarted records a session start on the default recorder.
func SessionStarted(template string) {
	defaultRecorder.SessionStarted(template)
}

// SessionSucceeded records a successful session exit on the default recorder.
func SessionSucceeded(template string) {
	defaultRecorder.SessionSucceeded(template)
}

// SessionFailed records a failed session exit on the default recorder.
func SessionFailed(template string) {
	defaultRecorder.SessionFailed(template)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
