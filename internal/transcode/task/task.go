// Package task aggregates the one-or-more sessions that share a single
// input stream, rolling their individual states up into running/error
// counters for the supervisor to act on.
package task

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"transcodesupervisor/internal/transcode/session"
)

// Task owns every Session producing a variant of one (app, stream)
// source. It exists only while at least one of its sessions was
// successfully created at construction time.
type Task struct {
	ID          string
	App         string
	Stream      string
	InputURL    string
	Templates   []string
	CreatedAt   time.Time
	AutoStarted bool

	mu       sync.Mutex
	sessions []*session.Session

	running int
	errored int
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID builds a task id of the form "<app>_<stream>_<8 random chars>",
// matching the original supervisor's generateTaskId convention.
func NewID(app, stream string) string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("%s_%s_%s", app, stream, string(suffix))
}

// SessionFactory builds one not-yet-started Session for a given
// template name and output URL.
type SessionFactory func(templateName, outputURL string) *session.Session

// OnSessionResult is invoked once per session reaching a terminal
// state, so the owning supervisor can emit session_success /
// session_error events.
type OnSessionResult func(t *Task, s *session.Session, success bool, errMsg string)

// Start builds one session per template (outputURL = inputURL's
// sibling per spec.md §6 naming convention, supplied by buildOutput),
// then starts all of them concurrently via errgroup. Only sessions
// whose Start succeeded are retained; if none started, Start returns
// nil and the caller must not register the task. Session creation
// itself is not parallelized (it's synchronous and cheap); only the
// Start calls, which perform the actual subprocess spawn, run
// concurrently so N variants incur the fork/exec cost in parallel
// instead of serially.
func Start(id, app, stream, inputURL string, templates []string, buildOutput func(template string) string, factory SessionFactory, onResult OnSessionResult, logger *slog.Logger) *Task {
	t := &Task{
		ID:        id,
		App:       app,
		Stream:    stream,
		InputURL:  inputURL,
		Templates: templates,
		CreatedAt: time.Now(),
	}

	sessions := make([]*session.Session, len(templates))
	for i, tmplName := range templates {
		sessions[i] = factory(tmplName, buildOutput(tmplName))
	}

	results := make([]bool, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			ok := s.Start(func(snap session.ProgressSnapshot, success bool, errMsg string) {
				t.recordTerminal(success)
				if onResult != nil {
					onResult(t, s, success, errMsg)
				}
			})
			results[i] = ok
			return nil
		})
	}
	_ = g.Wait() // session.Start never returns an error value; errgroup only buys us concurrency here.

	started := make([]*session.Session, 0, len(sessions))
	t.mu.Lock()
	for i, ok := range results {
		if ok {
			started = append(started, sessions[i])
			t.running++
		} else {
			// A failed Start already ran the callback synchronously, which
			// counted it as a terminal error; it is not retained, so undo that.
			t.running++
			t.errored--
		}
	}
	t.mu.Unlock()

	if len(started) == 0 {
		if logger != nil {
			logger.Warn("task failed: no session started", "app", app, "stream", stream, "templates", templates)
		}
		return nil
	}

	t.sessions = started
	return t
}

func (t *Task) recordTerminal(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running--
	if !success {
		t.errored++
	}
}

// Stop stops every session concurrently and blocks until all have
// joined.
func (t *Task) Stop() {
	t.mu.Lock()
	sessions := make([]*session.Session, len(t.sessions))
	copy(sessions, t.sessions)
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
}

// Counters returns the current running and errored session counts.
func (t *Task) Counters() (running, errored int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running, t.errored
}

// Sessions returns a copy of the session list.
func (t *Task) Sessions() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session.Session, len(t.sessions))
	copy(out, t.sessions)
	return out
}

// AllTerminal reports whether every session has reached a terminal
// (non-Running) state, for the supervisor's periodic sweep.
func (t *Task) AllTerminal() bool {
	t.mu.Lock()
	sessions := make([]*session.Session, len(t.sessions))
	copy(sessions, t.sessions)
	t.mu.Unlock()

	for _, s := range sessions {
		if s.IsRunning() {
			return false
		}
	}
	return true
}

// RecomputeCounters recounts running/errored sessions directly from
// session state, used by the supervisor sweep to correct for any
// terminal transitions the callback-based counters might have missed
// ordering-wise.
func (t *Task) RecomputeCounters() (running, errored int) {
	t.mu.Lock()
	sessions := make([]*session.Session, len(t.sessions))
	copy(sessions, t.sessions)
	t.mu.Unlock()

	for _, s := range sessions {
		switch s.State() {
		case session.Running, session.Starting:
			running++
		case session.Error:
			errored++
		}
	}

	t.mu.Lock()
	t.running = running
	t.errored = errored
	t.mu.Unlock()
	return running, errored
}
