package http

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/domain/message"
)

// SendMessage delivers an inter-agent message; an empty to_agent_id
// broadcasts to the organization.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[message.SendRequest](w, r)
	if !ok {
		return
	}

	m, err := h.Messages.Send(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// AgentInbox returns an agent's inbox, priority first. ?unread=true
// filters to unread messages.
func (h *Handlers) AgentInbox(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := h.Messages.Inbox(r.Context(), urlParam(r, "id"), unreadOnly)
	if err != nil {
		writeDomainError(w, err, "failed to list inbox")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetMessage returns one message.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.Messages.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// MarkMessageRead records the read timestamp.
func (h *Handlers) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Messages.MarkRead(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// RespondMessage answers a message that requires a response, linking
// the reply to the original.
func (h *Handlers) RespondMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[message.SendRequest](w, r)
	if !ok {
		return
	}

	m, err := h.Messages.Respond(r.Context(), urlParam(r, "id"), &req)
	if err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
