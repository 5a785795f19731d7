// Package message defines durable peer-to-peer messages between agents
// within one organization.
package message

import (
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
)

// Priority orders unread messages; higher is fetched first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Message is one store-and-forward message between agents. A empty
// ToAgentID means broadcast to all agents of the organization.
type Message struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	FromAgentID      string    `json:"from_agent_id"`
	ToAgentID        string    `json:"to_agent_id,omitempty"`
	Type             string    `json:"type"`
	Subject          string    `json:"subject"`
	Content          string    `json:"content"`
	ResponseToID     string    `json:"response_to_id,omitempty"`
	RequiresResponse bool      `json:"requires_response"`
	Priority         Priority  `json:"priority"`
	ReadAt           time.Time `json:"read_at,omitzero"`
	RespondedAt      time.Time `json:"responded_at,omitzero"`
	CreatedAt        time.Time `json:"created_at"`
}

// SendRequest is the input to sending a message.
type SendRequest struct {
	FromAgentID      string   `json:"from_agent_id"`
	ToAgentID        string   `json:"to_agent_id,omitempty"`
	Type             string   `json:"type"`
	Subject          string   `json:"subject"`
	Content          string   `json:"content"`
	RequiresResponse bool     `json:"requires_response"`
	Priority         Priority `json:"priority"`
}

// Validate checks the send request.
func (r *SendRequest) Validate() error {
	if r.FromAgentID == "" {
		return fmt.Errorf("%w: from_agent_id is required", domain.ErrValidation)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", domain.ErrValidation)
	}
	if r.Priority < PriorityLow || r.Priority > PriorityUrgent {
		return fmt.Errorf("%w: priority out of range", domain.ErrValidation)
	}
	return nil
}
