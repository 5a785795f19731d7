package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/service"
)

// RequestApproval files a human approval request on behalf of an agent
// and pauses it.
func (h *Handlers) RequestApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.RequestInput](w, r)
	if !ok {
		return
	}

	ap, err := h.Approvals.Request(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to request approval")
		return
	}
	writeJSON(w, http.StatusCreated, ap)
}

// ListPendingApprovals returns approvals awaiting a decision.
func (h *Handlers) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Approvals.ListPending(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetApproval returns one approval.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	ap, err := h.Approvals.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

type decideRequest struct {
	Approve bool `json:"approve"`
}

// DecideApproval records the human verdict: approval resumes the agent
// from its latest checkpoint, denial stops it.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decideRequest](w, r)
	if !ok {
		return
	}

	ap, err := h.Approvals.Decide(r.Context(), urlParam(r, "id"), req.Approve)
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, ap)
}
