package http

import (
	"net/http"
)

// ListCheckpoints returns an agent's checkpoints, newest first.
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := h.Checkpoints.List(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to list checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// LatestCheckpoint returns an agent's most recent checkpoint.
func (h *Handlers) LatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Checkpoints.Latest(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "no checkpoint for agent")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// GetCheckpoint returns one checkpoint by id.
func (h *Handlers) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Checkpoints.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "checkpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type restoreRequest struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// RestoreCheckpoint resumes an agent from a checkpoint; the latest one
// when no id is given.
func (h *Handlers) RestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[restoreRequest](w, r)
	if !ok {
		return
	}

	if err := h.Checkpoints.Restore(r.Context(), urlParam(r, "id"), req.CheckpointID, ""); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resuming"})
}
