// Package agentruntime defines the port a runner uses to drive the
// underlying coding agent process.
package agentruntime

import (
	"context"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
)

// Event is one progress update emitted while a session runs.
type Event struct {
	AgentID     string  `json:"agent_id"`
	SessionID   string  `json:"session_id,omitempty"`
	CurrentStep string  `json:"current_step,omitempty"`
	Progress    float64 `json:"progress"`
	TokensUsed  int64   `json:"tokens_used"`
	CostUSD     float64 `json:"cost_usd"`
	// Approval is set when the agent suspended itself awaiting a human
	// decision on a dangerous action.
	Approval *ApprovalAsk `json:"approval,omitempty"`
}

// ApprovalAsk is an agent's request for a human decision.
type ApprovalAsk struct {
	ActionDescription string `json:"action_description"`
	ProposedChange    string `json:"proposed_change,omitempty"`
}

// SessionSnapshot is the conversational state of a live session, the
// runtime's contribution to a checkpoint.
type SessionSnapshot struct {
	SessionID string          `json:"session_id"`
	History   []agent.Message `json:"history,omitempty"`
}

// Result is the terminal outcome of a session.
type Result struct {
	AgentID       string   `json:"agent_id"`
	Success       bool     `json:"success"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	TokensUsed    int64    `json:"tokens_used"`
	CostUSD       float64  `json:"cost_usd"`
	Error         string   `json:"error,omitempty"`
}

// Session is the input to starting (or resuming) an agent.
type Session struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	Prompt    string `json:"prompt"`
	Workspace string `json:"workspace"`
	Branch    string `json:"branch"`
	// Resume carries a serialized conversation when restoring from a
	// checkpoint; empty for a fresh session.
	Resume []byte `json:"resume,omitempty"`
}

// Runtime drives one coding agent process per session.
type Runtime interface {
	// Name identifies the runtime implementation.
	Name() string

	// Run executes the session to completion, calling onEvent for
	// progress updates. Cancelling ctx stops the agent.
	Run(ctx context.Context, s Session, onEvent func(Event)) (*Result, error)

	// Snapshot returns the conversational state of a live session;
	// false when the agent is not running.
	Snapshot(agentID string) (SessionSnapshot, bool)

	// Stop requests a graceful stop of the given agent's session.
	Stop(ctx context.Context, agentID string) error
}
