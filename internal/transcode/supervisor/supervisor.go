// Package supervisor owns the task registry: admission control,
// dedup by (app, stream), the periodic sweep that garbage-collects
// finished tasks, and the single event-callback surface exposed to
// callers and the media-source listener.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"transcodesupervisor/internal/config"
	"transcodesupervisor/internal/observability/logging"
	"transcodesupervisor/internal/observability/metrics"
	"transcodesupervisor/internal/transcode/rule"
	"transcodesupervisor/internal/transcode/session"
	"transcodesupervisor/internal/transcode/task"
	"transcodesupervisor/internal/transcode/template"
)

// EventKind discriminates the single event-callback surface.
type EventKind string

const (
	EventStart          EventKind = "start"
	EventStop           EventKind = "stop"
	EventSessionSuccess EventKind = "session_success"
	EventSessionError   EventKind = "session_error"
)

// EventCallback receives every supervisor-level lifecycle event. Event
// dispatch never happens while the task mutex is held.
type EventCallback func(event EventKind, app, stream, tmpl string, success bool, errMsg string)

// TaskInfo is a read-only snapshot of one task's state, returned by the
// query methods.
type TaskInfo struct {
	TaskID      string
	App         string
	Stream      string
	InputURL    string
	Templates   []string
	CreatedAt   time.Time
	AutoStarted bool
	Running     int
	Errored     int
	Total       int
}

// Settings are the tunables read from the config store at Start time.
type Settings struct {
	Enable        bool
	MaxConcurrent int
	FFmpegBin     string
	HWAccel       session.HWAccel
}

// Supervisor is the process-wide task registry and admission
// controller. The zero value is not usable; construct with New.
type Supervisor struct {
	logger *slog.Logger

	settings      Settings
	templates     *template.Registry
	rules         *rule.Matcher
	eventCallback atomic.Pointer[EventCallback]

	mu       sync.Mutex
	tasks    map[string]*task.Task // task id -> task
	byStream map[string]string     // "app/stream" -> task id

	running  atomic.Bool
	exitFlag atomic.Bool
	workerWG sync.WaitGroup

	totalTasks atomic.Int64
}

// New constructs a Supervisor. Call Start to load configuration and
// begin accepting work.
func New(logger *slog.Logger) *Supervisor {
	if logger != nil {
		logger = logging.WithComponent(logger, "supervisor")
	}
	return &Supervisor{
		logger:   logger,
		tasks:    make(map[string]*task.Task),
		byStream: make(map[string]string),
	}
}

func streamKey(app, stream string) string { return app + "/" + stream }

// Start loads templates, rules, and tunables from store. If
// transcode.enable is false, it returns false without starting
// anything. Start is idempotent: calling it again while already
// running returns true without reloading.
func (s *Supervisor) Start(ctx context.Context, store config.Store) (bool, error) {
	if s.running.Load() {
		return true, nil
	}

	settings, err := loadSettings(ctx, store)
	if err != nil {
		return false, fmt.Errorf("supervisor: load settings: %w", err)
	}
	if !settings.Enable {
		if s.logger != nil {
			s.logger.Info("transcoding disabled, supervisor not starting")
		}
		return false, nil
	}

	templates, err := template.Load(ctx, store, s.logger)
	if err != nil {
		return false, fmt.Errorf("supervisor: load templates: %w", err)
	}
	if len(templates.List()) == 0 {
		return false, fmt.Errorf("supervisor: no transcode templates configured")
	}

	rules, err := rule.Load(ctx, store, s.logger)
	if err != nil {
		return false, fmt.Errorf("supervisor: load rules: %w", err)
	}

	s.settings = settings
	s.templates = templates
	s.rules = rules

	s.exitFlag.Store(false)
	s.running.Store(true)

	s.workerWG.Add(1)
	go s.sweepLoop()

	if s.logger != nil {
		s.logger.Info("supervisor started", "max_concurrent", settings.MaxConcurrent, "templates", len(templates.List()))
	}
	return true, nil
}

func loadSettings(ctx context.Context, store config.Store) (Settings, error) {
	var out Settings

	enable, ok, err := store.Get(ctx, "transcode.enable")
	if err != nil {
		return out, err
	}
	out.Enable = ok && (enable == "true" || enable == "1")

	maxConcurrent, ok, err := store.Get(ctx, "transcode.max_concurrent")
	if err != nil {
		return out, err
	}
	if ok {
		if n, err := strconv.Atoi(maxConcurrent); err == nil {
			out.MaxConcurrent = n
		}
	}

	bin, ok, err := store.Get(ctx, "transcode.ffmpeg_bin")
	if err != nil {
		return out, err
	}
	if ok {
		out.FFmpegBin = bin
	} else {
		out.FFmpegBin = "ffmpeg"
	}

	hw, ok, err := store.Get(ctx, "transcode.hw_accel")
	if err != nil {
		return out, err
	}
	if ok {
		out.HWAccel = session.HWAccel(hw)
	}

	return out, nil
}

// SetEventCallback installs the single event callback. Pass nil to
// clear it.
func (s *Supervisor) SetEventCallback(cb EventCallback) {
	if cb == nil {
		s.eventCallback.Store(nil)
		return
	}
	s.eventCallback.Store(&cb)
}

func (s *Supervisor) emit(event EventKind, app, stream, tmpl string, success bool, errMsg string) {
	ptr := s.eventCallback.Load()
	if ptr == nil {
		return
	}
	cb := *ptr
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("event callback panicked", "event", event, "recover", r)
		}
	}()
	cb(event, app, stream, tmpl, success, errMsg)
}

// canStartLocked reports whether a new task may be admitted: current
// live session count strictly less than the configured cap, checked
// before any session of the new task is created (by task intent, not
// post-start counts). The live count is recomputed on demand from
// every registered task rather than tracked as a separately
// incremented/decremented counter, matching the original
// TranscodeManager's updateTaskStatistics: a single source of truth
// derived from actual session state can't drift the way two
// independent +1/-1 call sites can. Must be called with mu held.
func (s *Supervisor) canStartLocked() bool {
	return s.liveSessionCountLocked() < s.settings.MaxConcurrent
}

// liveSessionCountLocked sums the running-session count across every
// registered task. Must be called with mu held.
func (s *Supervisor) liveSessionCountLocked() int {
	total := 0
	for _, t := range s.tasks {
		running, _ := t.Counters()
		total += running
	}
	return total
}

func buildInputURL(app, stream string) string {
	return fmt.Sprintf("rtmp://127.0.0.1:1935/%s/%s", app, stream)
}

func buildOutputURL(app, stream, tmpl string) string {
	return fmt.Sprintf("rtmp://127.0.0.1:1935/%s/%s_%s", app, stream, tmpl)
}

// StartTranscode resolves templates (via the rule matcher if none are
// given explicitly), checks admission and dedup, and creates a task
// whose sessions are started concurrently. It returns false without
// emitting an event for every rejection path; a "start" event fires
// only once the task is actually registered.
func (s *Supervisor) StartTranscode(app, stream string, templates []string, inputURL string) bool {
	if !s.running.Load() {
		return false
	}

	if len(templates) == 0 {
		templates = s.rules.Match(app, stream, s.templates)
	}
	if len(templates) == 0 {
		return false
	}
	if inputURL == "" {
		inputURL = buildInputURL(app, stream)
	}

	key := streamKey(app, stream)

	s.mu.Lock()
	if _, exists := s.byStream[key]; exists {
		s.mu.Unlock()
		return false
	}
	if !s.canStartLocked() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	id := task.NewID(app, stream)
	factory := func(tmplName, outputURL string) *session.Session {
		args := ""
		if t, ok := s.templates.Get(tmplName); ok {
			args = t.Render()
		}
		return session.New(session.Config{
			InputURL:     inputURL,
			OutputURL:    outputURL,
			TemplateName: tmplName,
			App:          app,
			Stream:       stream,
			FFmpegBin:    s.settings.FFmpegBin,
			HWAccel:      s.settings.HWAccel,
			TemplateArgs: args,
			Logger:       s.logger,
		})
	}

	onResult := func(_ *task.Task, sess *session.Session, success bool, errMsg string) {
		if success {
			s.emit(EventSessionSuccess, app, stream, sess.TemplateName, true, "")
		} else {
			s.emit(EventSessionError, app, stream, sess.TemplateName, false, errMsg)
		}
	}

	buildOutput := func(tmpl string) string { return buildOutputURL(app, stream, tmpl) }
	t := task.Start(id, app, stream, inputURL, templates, buildOutput, factory, onResult, s.logger)
	if t == nil {
		return false
	}

	s.mu.Lock()
	// Re-check dedup under lock: another StartTranscode for the same
	// stream may have won the race between the first check and here.
	if _, exists := s.byStream[key]; exists {
		s.mu.Unlock()
		t.Stop()
		return false
	}
	s.tasks[id] = t
	s.byStream[key] = id
	s.mu.Unlock()

	s.totalTasks.Add(1)
	if s.logger != nil {
		s.logger.Info("transcode task started", "task_id", id, "app", app, "stream", stream, "templates", templates)
	}
	metrics.TaskStarted()
	s.emit(EventStart, app, stream, "", true, "")
	return true
}

// StopTranscodeByStream stops the task identified by (app, stream). It
// and StopTranscodeByID both funnel through stopLocked, which assumes mu
// is already held.
func (s *Supervisor) StopTranscodeByStream(app, stream string) bool {
	s.mu.Lock()
	id, ok := s.byStream[streamKey(app, stream)]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t := s.stopLocked(id)
	s.mu.Unlock()

	if t == nil {
		return false
	}
	t.Stop()
	metrics.TaskStopped()
	s.emit(EventStop, app, stream, "", true, "")
	return true
}

// StopTranscodeByID stops the task with the given id.
func (s *Supervisor) StopTranscodeByID(taskID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	app, stream := t.App, t.Stream
	removed := s.stopLocked(taskID)
	s.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	metrics.TaskStopped()
	s.emit(EventStop, app, stream, "", true, "")
	return true
}

// stopLocked removes a task from both indexes and returns it, without
// stopping its sessions (the caller does that outside the lock, since
// Task.Stop blocks on subprocess teardown). Must be called with mu
// held; this is the single owning entry point both StopTranscode
// overloads funnel through, resolving the reentrancy ambiguity in the
// original design by requiring callers to hold the lock exactly once.
// Removing the task from s.tasks here is itself what drops it out of
// liveSessionCountLocked's sum — there's no separate counter to keep
// in sync.
func (s *Supervisor) stopLocked(taskID string) *task.Task {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	delete(s.tasks, taskID)
	delete(s.byStream, streamKey(t.App, t.Stream))
	return t
}

// Stop sets the exit flag, stops every live task, and detaches the
// supervisor worker rather than joining it, bounding Stop's own
// latency regardless of how long the sweep loop's current iteration
// takes.
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.exitFlag.Store(true)

	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		s.mu.Lock()
		t := s.stopLocked(id)
		s.mu.Unlock()
		if t != nil {
			wg.Add(1)
			go func(t *task.Task) {
				defer wg.Done()
				t.Stop()
			}(t)
		}
	}
	wg.Wait()

	if s.logger != nil {
		s.logger.Info("supervisor stopped")
	}
}

const (
	sweepInterval     = 5 * time.Second
	sweepPollInterval = 100 * time.Millisecond
)

// sweepLoop wakes every sweepInterval, polled in sweepPollInterval
// slices so Stop's exit flag is observed promptly, and garbage
// collects any task whose sessions have all reached a terminal state.
func (s *Supervisor) sweepLoop() {
	defer s.workerWG.Done()

	slices := int(sweepInterval / sweepPollInterval)
	for !s.exitFlag.Load() {
		for i := 0; i < slices && !s.exitFlag.Load(); i++ {
			time.Sleep(sweepPollInterval)
		}
		if s.exitFlag.Load() {
			return
		}
		s.sweep()
	}
}

func (s *Supervisor) sweep() {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("sweep panicked", "recover", r)
		}
	}()

	s.mu.Lock()
	var finished []string
	for id, t := range s.tasks {
		running, _ := t.RecomputeCounters()
		if t.AllTerminal() && running == 0 {
			finished = append(finished, id)
		}
	}
	var stopped []*task.Task
	for _, id := range finished {
		if t := s.stopLocked(id); t != nil {
			stopped = append(stopped, t)
		}
	}
	s.mu.Unlock()

	for _, t := range stopped {
		t.Stop()
		metrics.TaskStopped()
		if s.logger != nil {
			s.logger.Info("swept finished task", "task_id", t.ID, "app", t.App, "stream", t.Stream)
		}
	}
}

// HasTask reports whether a task exists for (app, stream).
func (s *Supervisor) HasTask(app, stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byStream[streamKey(app, stream)]
	return ok
}

// GetByStream returns the task info for (app, stream).
func (s *Supervisor) GetByStream(app, stream string) (TaskInfo, bool) {
	s.mu.Lock()
	id, ok := s.byStream[streamKey(app, stream)]
	if !ok {
		s.mu.Unlock()
		return TaskInfo{}, false
	}
	t := s.tasks[id]
	s.mu.Unlock()
	return toTaskInfo(t), true
}

// GetByID returns the task info for a task id.
func (s *Supervisor) GetByID(taskID string) (TaskInfo, bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return TaskInfo{}, false
	}
	return toTaskInfo(t), true
}

// ListTasks returns every live task's info.
func (s *Supervisor) ListTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, toTaskInfo(t))
	}
	return out
}

// RunningSessions returns a progress snapshot for every session in the
// Running state across every live task.
func (s *Supervisor) RunningSessions() []session.ProgressSnapshot {
	s.mu.Lock()
	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var out []session.ProgressSnapshot
	for _, t := range tasks {
		for _, sess := range t.Sessions() {
			if sess.IsRunning() {
				out = append(out, sess.Snapshot())
			}
		}
	}
	return out
}

// TotalTaskCount returns the monotonic count of tasks ever registered.
func (s *Supervisor) TotalTaskCount() int64 { return s.totalTasks.Load() }

// IsRunning reports whether Start succeeded and Stop has not since
// been called, for the admin API's health check.
func (s *Supervisor) IsRunning() bool { return s.running.Load() }

// RunningTaskCount returns the number of currently live tasks.
func (s *Supervisor) RunningTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func toTaskInfo(t *task.Task) TaskInfo {
	running, errored := t.Counters()
	sessions := t.Sessions()
	return TaskInfo{
		TaskID:      t.ID,
		App:         t.App,
		Stream:      t.Stream,
		InputURL:    t.InputURL,
		Templates:   t.Templates,
		CreatedAt:   t.CreatedAt,
		AutoStarted: t.AutoStarted,
		Running:     running,
		Errored:     errored,
		Total:       len(sessions),
	}
}
