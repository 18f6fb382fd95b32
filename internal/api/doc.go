// Package api hosts the HTTP handlers that front the transcode
// supervisor: starting and stopping tasks by (app, stream) or task id,
// listing tasks and running ffmpeg sessions, and the health/metrics
// endpoints used by operators and orchestration probes.
//
// Handler coordinates request validation and response shaping while
// delegating all state to the injected *supervisor.Supervisor. The
// package does not reach for globals; callers assemble a Handler with
// NewHandler and mount its Mux under internal/server.
package api
