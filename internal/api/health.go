package api

import "net/http"

type healthResponse struct {
	Status       string `json:"status"`
	RunningTasks int    `json:"running_tasks"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !h.Supervisor.IsRunning() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:       status,
		RunningTasks: h.Supervisor.RunningTaskCount(),
	})
}
