package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/service"
)

// CreateTask accepts a task into the queue for a project.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateTaskRequest](w, r)
	if !ok {
		return
	}
	req.ProjectID = urlParam(r, "id")

	t, err := h.Tasks.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks returns a project's tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.List(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask returns one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask cancels a task that has not started yet.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
