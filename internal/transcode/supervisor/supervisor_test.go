package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"transcodesupervisor/internal/config"
)

func fakeEncoder(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake encoder: %v", err)
	}
	return path
}

func newTestStore(t *testing.T, bin string, maxConcurrent int, extra map[string]string) *config.EnvStore {
	seed := map[string]string{
		"transcode.enable":         "true",
		"transcode.ffmpeg_bin":     bin,
		"transcode.max_concurrent": strconv.Itoa(maxConcurrent),
		"templates.sd":             "-vcodec libx264 -b:v 500k -vf scale=640:360",
	}
	for k, v := range extra {
		seed[k] = v
	}
	return config.NewEnvStore(seed)
}

func TestStartRejectsWhenDisabled(t *testing.T) {
	store := config.NewEnvStore(map[string]string{"transcode.enable": "false"})
	sup := New(nil)
	ok, err := sup.Start(context.Background(), store)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok {
		t.Fatal("expected Start to return false when disabled")
	}
}

func TestRuleDrivenAutoStartAndDedup(t *testing.T) {
	bin := fakeEncoder(t, "sleep 10")
	store := newTestStore(t, bin, 5, map[string]string{"rules.live/*": "sd"})

	sup := New(nil)
	ok, err := sup.Start(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	defer sup.Stop()

	var events []string
	var mu sync.Mutex
	sup.SetEventCallback(func(event EventKind, app, stream, tmpl string, success bool, errMsg string) {
		mu.Lock()
		events = append(events, string(event))
		mu.Unlock()
	})

	if !sup.StartTranscode("live", "cam1", nil, "") {
		t.Fatal("expected first StartTranscode to succeed")
	}
	if sup.StartTranscode("live", "cam1", nil, "") {
		t.Fatal("expected second StartTranscode for the same stream to be rejected (dedup)")
	}

	info, ok := sup.GetByStream("live", "cam1")
	if !ok {
		t.Fatal("expected task to be registered")
	}
	if len(info.Templates) != 1 || info.Templates[0] != "sd" {
		t.Fatalf("unexpected templates: %v", info.Templates)
	}

	mu.Lock()
	gotStart := len(events) > 0 && events[0] == "start"
	mu.Unlock()
	if !gotStart {
		t.Fatalf("expected a start event, got %v", events)
	}
}

func TestStartTranscodeNoMatchingRuleRejected(t *testing.T) {
	bin := fakeEncoder(t, "sleep 10")
	store := newTestStore(t, bin, 5, nil)

	sup := New(nil)
	sup.Start(context.Background(), store)
	defer sup.Stop()

	if sup.StartTranscode("live", "cam1", nil, "") {
		t.Fatal("expected rejection with no matching rule and no explicit templates")
	}
}

func TestAdmissionControlRejectsBeyondCap(t *testing.T) {
	bin := fakeEncoder(t, "sleep 10")
	store := newTestStore(t, bin, 2, nil)

	sup := New(nil)
	sup.Start(context.Background(), store)
	defer sup.Stop()

	if !sup.StartTranscode("live", "a", []string{"sd"}, "") {
		t.Fatal("expected first task to be admitted")
	}
	if !sup.StartTranscode("live", "b", []string{"sd"}, "") {
		t.Fatal("expected second task to be admitted")
	}
	if sup.StartTranscode("live", "c", []string{"sd"}, "") {
		t.Fatal("expected third task to be rejected by admission control")
	}
}

func TestAdmissionControlRecoversAfterStoppingRunningTask(t *testing.T) {
	bin := fakeEncoder(t, "sleep 10")
	store := newTestStore(t, bin, 2, nil)

	sup := New(nil)
	sup.Start(context.Background(), store)
	defer sup.Stop()

	if !sup.StartTranscode("live", "a", []string{"sd"}, "") {
		t.Fatal("expected first task to be admitted")
	}
	if !sup.StartTranscode("live", "b", []string{"sd"}, "") {
		t.Fatal("expected second task to be admitted")
	}
	if sup.StartTranscode("live", "c", []string{"sd"}, "") {
		t.Fatal("expected third task to be rejected while at cap")
	}

	// Stop a still-running task (its one session is still Running, not
	// naturally terminal) and restart a new one in its place. If the
	// admission counter double-subtracts on stop, this drives it
	// negative and every subsequent StartTranscode is wrongly admitted
	// regardless of the cap; if it doesn't recompute correctly, this
	// wrongly stays rejected.
	if !sup.StopTranscodeByStream("live", "a") {
		t.Fatal("expected stop of still-running task to succeed")
	}
	if !sup.StartTranscode("live", "c", []string{"sd"}, "") {
		t.Fatal("expected admission to recover exactly one slot after stopping a running task")
	}
	if sup.StartTranscode("live", "d", []string{"sd"}, "") {
		t.Fatal("expected cap to still hold: at 2 running tasks (b, c), a fourth must be rejected")
	}
}

func TestStopTranscodeByStreamRemovesTask(t *testing.T) {
	bin := fakeEncoder(t, "sleep 10")
	store := newTestStore(t, bin, 5, nil)

	sup := New(nil)
	sup.Start(context.Background(), store)
	defer sup.Stop()

	sup.StartTranscode("live", "cam1", []string{"sd"}, "")
	if !sup.HasTask("live", "cam1") {
		t.Fatal("expected task to exist before stop")
	}
	if !sup.StopTranscodeByStream("live", "cam1") {
		t.Fatal("expected StopTranscode to succeed")
	}
	if sup.HasTask("live", "cam1") {
		t.Fatal("expected task to be removed after stop")
	}
}

func TestSessionSuccessSweptByPeriodicCleanup(t *testing.T) {
	bin := fakeEncoder(t, "exit 0")
	store := newTestStore(t, bin, 5, nil)

	sup := New(nil)
	sup.Start(context.Background(), store)
	defer sup.Stop()

	var successes int
	var mu sync.Mutex
	sup.SetEventCallback(func(event EventKind, app, stream, tmpl string, success bool, errMsg string) {
		if event == EventSessionSuccess {
			mu.Lock()
			successes++
			mu.Unlock()
		}
	})

	sup.StartTranscode("live", "cam1", []string{"sd"}, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := successes
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	n := successes
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected a session_success event once the fake encoder exits 0")
	}

	sweepDeadline := time.Now().Add(sweepInterval + 2*time.Second)
	for sup.HasTask("live", "cam1") && time.Now().Before(sweepDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if sup.HasTask("live", "cam1") {
		t.Fatal("expected the periodic sweep to remove the finished task")
	}
}
