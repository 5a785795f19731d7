package agent

import "time"

// DiffCap is the default byte cap for an uncommitted-changes snapshot.
const DiffCap = 100 * 1024

// TruncationMarker is appended when a diff is cut at the cap.
const TruncationMarker = "\n... [diff truncated]"

// Message is one entry in an agent's conversation history. The content
// format is owned by the runtime adapter; the core only orders and
// persists it.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Checkpoint is a persisted snapshot of an agent session, sufficient to
// resume execution after a crash. At most one checkpoint per agent is
// flagged latest.
type Checkpoint struct {
	ID                  string    `json:"id"`
	AgentID             string    `json:"agent_id"`
	SessionID           string    `json:"session_id,omitempty"`
	ConversationHistory []Message `json:"conversation_history"`
	PendingToolCalls    []byte    `json:"pending_tool_calls,omitempty"`
	FilesModified       []string  `json:"files_modified,omitempty"`
	UncommittedChanges  string    `json:"uncommitted_changes,omitempty"`
	CurrentStep         string    `json:"current_step,omitempty"`
	CompletedSteps      []string  `json:"completed_steps,omitempty"`
	PendingApprovalID   string    `json:"pending_approval_id,omitempty"`
	Latest              bool      `json:"latest"`
	CreatedAt           time.Time `json:"created_at"`
}

// TruncateDiff cuts diff at cap bytes and appends the truncation marker.
func TruncateDiff(diff string, cap int) string {
	if cap <= 0 || len(diff) <= cap {
		return diff
	}
	return diff[:cap] + TruncationMarker
}
