// Package approval defines human-in-the-loop decisions on dangerous
// agent actions.
package approval

import "time"

// Status is the approval lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Decided reports whether a human or the expiry sweep resolved the approval.
func (s Status) Decided() bool { return s != StatusPending }

// DefaultTimeout expires a pending approval after this long; the waiting
// agent is then terminated as failed.
const DefaultTimeout = 24 * time.Hour

// Approval blocks agent progress pending a human decision on a
// described action. At most one pending approval exists per agent.
type Approval struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organization_id"`
	AgentID           string    `json:"agent_id"`
	ActionDescription string    `json:"action_description"`
	ProposedChange    string    `json:"proposed_change,omitempty"`
	Status            Status    `json:"status"`
	DecidedBy         string    `json:"decided_by,omitempty"`
	DecidedAt         time.Time `json:"decided_at,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
}
