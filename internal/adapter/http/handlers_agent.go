package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/service"
)

// SpawnAgent launches a standalone agent for a queued task.
func (h *Handlers) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.SpawnRequest](w, r)
	if !ok {
		return
	}

	a, err := h.Agents.Spawn(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to spawn agent")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAgents returns the organization's agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// GetAgent returns one agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type stopAgentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StopAgent requests a graceful stop; the runner gets a grace period
// before the agent is force-terminated.
func (h *Handlers) StopAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[stopAgentRequest](w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "stopped by operator"
	}

	if err := h.Agents.Stop(r.Context(), urlParam(r, "id"), req.Reason); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

type promoteAgentRequest struct {
	OrchestratorID string `json:"orchestrator_id"`
}

// PromoteAgent adopts a standalone agent into an orchestrator.
func (h *Handlers) PromoteAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[promoteAgentRequest](w, r)
	if !ok {
		return
	}
	if req.OrchestratorID == "" {
		writeError(w, http.StatusBadRequest, "orchestrator_id is required")
		return
	}

	a, err := h.Agents.Promote(r.Context(), urlParam(r, "id"), req.OrchestratorID)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DemoteAgent releases a managed agent back to standalone operation.
func (h *Handlers) DemoteAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Demote(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
