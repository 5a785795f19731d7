package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/middleware"
)

// CreateOrchestrator sets up the Ralph loop for a queued task.
func (h *Handlers) CreateOrchestrator(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestrator.CreateRequest](w, r)
	if !ok {
		return
	}

	o, err := h.Orchestrators.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to create orchestrator")
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrchestrators returns the organization's orchestrators.
func (h *Handlers) ListOrchestrators(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orchestrators.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list orchestrators")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetOrchestrator returns one orchestrator.
func (h *Handlers) GetOrchestrator(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orchestrators.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// StartOrchestrator launches the phase loop for a pending orchestrator.
func (h *Handlers) StartOrchestrator(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrators.Start(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// CancelOrchestrator aborts a running orchestrator and its agent.
func (h *Handlers) CancelOrchestrator(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrators.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type reviewRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// SubmitReview delivers a human review verdict to an orchestrator
// waiting in the review phase. Rejections must carry feedback.
func (h *Handlers) SubmitReview(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reviewRequest](w, r)
	if !ok {
		return
	}

	reviewerID := ""
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		reviewerID = p.UserID
	}

	if err := h.Orchestrators.SubmitReview(r.Context(), urlParam(r, "id"), req.Approved, req.Feedback, reviewerID); err != nil {
		writeDomainError(w, err, "orchestrator not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "review submitted"})
}
