package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{name: "root path", method: "get", path: "/", status: 200, duration: 50 * time.Millisecond},
		{name: "empty path", method: "GET", path: "", status: 200, duration: 25 * time.Millisecond},
		{name: "id segment", method: "post", path: "/tasks/abc123def", status: 201, duration: 100 * time.Millisecond},
		{name: "trailing slash and alpha id", method: "POST", path: "/tasks/abc123def/", status: 201, duration: 50 * time.Millisecond},
		{name: "multi ids", method: "PATCH", path: "sessions/abc/456/extra", status: 404, duration: 10 * time.Millisecond},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}
	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestTaskGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	stops := 150

	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.TaskStarted()
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.TaskStopped()
		}()
	}
	wg.Wait()

	if active := recorder.ActiveTasks(); active != 0 {
		t.Fatalf("active tasks should not go negative; got %d", active)
	}
	if count := recorder.taskEvents["start"]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := recorder.taskEvents["stop"]; count != uint64(stops) {
		t.Fatalf("unexpected stop events: got %d want %d", count, stops)
	}
}

func TestSessionGaugeTracksTerminalOutcomes(t *testing.T) {
	recorder := New()

	recorder.SessionStarted("sd")
	recorder.SessionStarted("hd")
	recorder.SessionSucceeded("sd")
	recorder.SessionFailed("hd")

	if active := recorder.ActiveSessions(); active != 0 {
		t.Fatalf("expected active sessions to return to 0 after both terminate, got %d", active)
	}

	events, _ := recorder.SessionCounts()
	if events[SessionLabel{Template: "sd", State: "running"}] != 1 {
		t.Fatal("expected one sd/running event")
	}
	if events[SessionLabel{Template: "sd", State: "stopped"}] != 1 {
		t.Fatal("expected one sd/stopped event")
	}
	if events[SessionLabel{Template: "hd", State: "error"}] != 1 {
		t.Fatal("expected one hd/error event")
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/tasks/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/tasks/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/tasks", 201, time.Second)

	recorder.TaskStarted()
	recorder.TaskStarted()
	recorder.TaskStopped()

	recorder.SessionStarted("sd")
	recorder.SessionSucceeded("sd")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP transcode_http_requests_total Total number of HTTP requests processed by the admin API
# TYPE transcode_http_requests_total counter
transcode_http_requests_total{method="GET",path="/tasks/:id",status="200"} 2
transcode_http_requests_total{method="POST",path="/tasks",status="201"} 1
# HELP transcode_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE transcode_http_request_duration_seconds_sum counter
transcode_http_request_duration_seconds_sum{method="GET",path="/tasks/:id",status="200"} 0.200000
transcode_http_request_duration_seconds_sum{method="POST",path="/tasks",status="201"} 1.000000
# HELP transcode_task_events_total Task lifecycle events by type
# TYPE transcode_task_events_total counter
transcode_task_events_total{event="start"} 2
transcode_task_events_total{event="stop"} 1
# HELP transcode_active_tasks Current number of live tasks
# TYPE transcode_active_tasks gauge
transcode_active_tasks 1
# HELP transcode_session_events_total Session lifecycle events by template and resulting state
# TYPE transcode_session_events_total counter
transcode_session_events_total{template="sd",state="running"} 1
transcode_session_events_total{template="sd",state="stopped"} 1
# HELP transcode_active_sessions Current number of running ffmpeg sessions
# TYPE transcode_active_sessions gauge
transcode_active_sessions 0`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
