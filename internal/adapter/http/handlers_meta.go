package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
)

// GetOrCreateMeta returns the project's meta-orchestrator, creating an
// idle one on first use.
func (h *Handlers) GetOrCreateMeta(w http.ResponseWriter, r *http.Request) {
	m, err := h.Meta.GetOrCreate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to resolve meta-orchestrator")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMetas returns the organization's meta-orchestrators.
func (h *Handlers) ListMetas(w http.ResponseWriter, r *http.Request) {
	list, err := h.Meta.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list meta-orchestrators")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetMeta returns one meta-orchestrator.
func (h *Handlers) GetMeta(w http.ResponseWriter, r *http.Request) {
	m, err := h.Meta.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type queueTasksRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// QueueMetaTasks appends tasks to the meta queue and nudges the
// scheduler.
func (h *Handlers) QueueMetaTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[queueTasksRequest](w, r)
	if !ok {
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}

	m, err := h.Meta.QueueTasks(r.Context(), urlParam(r, "id"), req.TaskIDs)
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SetMetaStrategy switches the scheduling strategy.
func (h *Handlers) SetMetaStrategy(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrator.SetStrategyRequest](w, r)
	if !ok {
		return
	}

	m, err := h.Meta.SetStrategy(r.Context(), urlParam(r, "id"), &req)
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type setBudgetRequest struct {
	BudgetUSD float64 `json:"budget_usd"`
}

// SetMetaBudget sets or clears the spending cap. Zero removes it.
func (h *Handlers) SetMetaBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[setBudgetRequest](w, r)
	if !ok {
		return
	}

	m, err := h.Meta.SetBudget(r.Context(), urlParam(r, "id"), req.BudgetUSD)
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PauseMeta suspends scheduling; running children finish.
func (h *Handlers) PauseMeta(w http.ResponseWriter, r *http.Request) {
	m, err := h.Meta.Pause(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResumeMeta restarts scheduling after a pause.
func (h *Handlers) ResumeMeta(w http.ResponseWriter, r *http.Request) {
	m, err := h.Meta.Resume(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "meta-orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
