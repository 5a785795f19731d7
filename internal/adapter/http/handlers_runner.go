package http

import (
	"net/http"
)

// ListRunners returns the organization's runner fleet.
func (h *Handlers) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.Registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list runners")
		return
	}
	writeJSON(w, http.StatusOK, runners)
}

// GetRunner returns one runner.
func (h *Handlers) GetRunner(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Registry.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// DrainRunner stops new assignments to a runner; live agents finish.
func (h *Handlers) DrainRunner(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Registry.Drain(r.Context(), id); err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

// RemoveRunner deletes a runner and its warm workspace records.
func (h *Handlers) RemoveRunner(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Remove(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "runner not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type issueTokenRequest struct {
	Name string `json:"name"`
}

type issueTokenResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// IssueRunnerToken mints a runner credential. The plaintext token is
// returned exactly once and never stored.
func (h *Handlers) IssueRunnerToken(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[issueTokenRequest](w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	tok, plain, err := h.Registry.IssueToken(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, err, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, issueTokenResponse{ID: tok.ID, Name: tok.Name, Token: plain})
}

// RevokeRunnerToken invalidates a runner credential.
func (h *Handlers) RevokeRunnerToken(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.RevokeToken(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewRouting scores every candidate runner for a task without
// assigning anything. Diagnostic endpoint for operators.
func (h *Handlers) PreviewRouting(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	res, err := h.Router.Scores(r.Context(), t)
	if err != nil {
		writeDomainError(w, err, "failed to score runners")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
