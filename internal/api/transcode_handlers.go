package api

import (
	"errors"
	"net/http"
	"strings"

	"transcodesupervisor/internal/transcode/supervisor"
)

var errNoTemplateMatch = errors.New("transcode not started: no rule or template matched this stream, the supervisor is not running, the session limit was reached, or no session could be spawned")

type startTranscodeRequest struct {
	Templates []string `json:"templates,omitempty"`
	InputURL  string   `json:"input_url,omitempty"`
}

type taskResponse struct {
	TaskID      string   `json:"task_id"`
	App         string   `json:"app"`
	Stream      string   `json:"stream"`
	InputURL    string   `json:"input_url"`
	Templates   []string `json:"templates"`
	AutoStarted bool     `json:"auto_started"`
	Running     int      `json:"running"`
	Errored     int      `json:"errored"`
	Total       int      `json:"total"`
}

func (h *Handler) startTranscode(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	stream := r.PathValue("stream")

	var req startTranscodeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if h.Supervisor.HasTask(app, stream) {
		writeError(w, http.StatusConflict, errors.New("a task is already running for this stream"))
		return
	}

	if !h.Supervisor.StartTranscode(app, stream, req.Templates, req.InputURL) {
		writeError(w, http.StatusUnprocessableEntity, errNoTemplateMatch)
		return
	}

	info, ok := h.Supervisor.GetByStream(app, stream)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("task started but could not be found"))
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(info))
}

func (h *Handler) stopTranscodeByStream(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	stream := r.PathValue("stream")

	if !h.Supervisor.StopTranscodeByStream(app, stream) {
		writeError(w, http.StatusNotFound, errors.New("no task running for this stream"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stopTranscodeByID(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")

	if !h.Supervisor.StopTranscodeByID(taskID) {
		writeError(w, http.StatusNotFound, errors.New("no task with this id"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTaskByStream(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	stream := r.PathValue("stream")

	info, ok := h.Supervisor.GetByStream(app, stream)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no task running for this stream"))
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(info))
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Supervisor.ListTasks()
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionResponse struct {
	State        string  `json:"state"`
	ErrorMessage string  `json:"error_message,omitempty"`
	FramesOut    int     `json:"frames_out"`
	FPS          float64 `json:"fps"`
	BitrateKbps  float64 `json:"bitrate_kbps"`
	BytesOut     int64   `json:"bytes_out"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps := h.Supervisor.RunningSessions()
	out := make([]sessionResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionResponse{
			State:        strings.ToLower(snap.State.String()),
			ErrorMessage: snap.ErrorMessage,
			FramesOut:    snap.FramesOut,
			FPS:          snap.FPS,
			BitrateKbps:  snap.BitrateKbps,
			BytesOut:     snap.BytesOut,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toTaskResponse(info supervisor.TaskInfo) taskResponse {
	return taskResponse{
		TaskID:      info.TaskID,
		App:         info.App,
		Stream:      info.Stream,
		InputURL:    info.InputURL,
		Templates:   info.Templates,
		AutoStarted: info.AutoStarted,
		Running:     info.Running,
		Errored:     info.Errored,
		Total:       info.Total,
	}
}
