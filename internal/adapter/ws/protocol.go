// Package ws implements the WebSocket adapters: the runner gateway and
// the dashboard hub.
package ws

import (
	"encoding/json"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
)

// Envelope is the frame for all gateway messages. Payload shape depends
// on Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Runner to core message types.
const (
	TypeRegister        = "register"
	TypeStatus          = "status"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeProjectRegister = "project_register"
	TypeAgentUpdate     = "agent_update"
	TypeTaskAck         = "task_ack"
	TypeTaskComplete    = "task_complete"
	TypeGateResult      = "gate_result"
	TypeGateOutput      = "gate_output"
	TypeCheckpoint      = "checkpoint"
	TypeApprovalRequest = "approval_request"
	TypeError           = "error"
)

// Core to runner message types.
const (
	TypeHeartbeat   = "heartbeat"
	TypeTaskAssign  = "task_assign"
	TypeGateRun     = "gate_run"
	TypeAgentCancel = "agent_cancel"
	TypeAgentResume = "agent_resume"
	TypeShutdown    = "shutdown"
)

// RegisterPayload opens a session: the runner self-describes right after
// the transport is established.
type RegisterPayload struct {
	runner.RegisterRequest
	ClientVersion string `json:"client_version,omitempty"`
}

// StatusPayload reports a status change; doubles as a heartbeat.
type StatusPayload struct {
	Status     runner.Status `json:"status"`
	AgentCount int           `json:"agent_count"`
}

// ProjectRegisterPayload declares a warm workspace.
type ProjectRegisterPayload struct {
	ProjectID       string `json:"project_id"`
	WorkspacePath   string `json:"workspace_path"`
	WorkspaceBranch string `json:"workspace_branch,omitempty"`
}

// AgentUpdatePayload streams agent progress. Runners batch these to at
// most one per second per agent.
type AgentUpdatePayload struct {
	AgentID         string       `json:"agent_id"`
	Status          agent.Status `json:"status"`
	ProgressPercent int          `json:"progress_percent"`
	CurrentActivity string       `json:"current_activity,omitempty"`
	TokensUsed      int64        `json:"tokens_used"`
	CostUSD         float64      `json:"cost_usd"`
}

// TaskAckPayload acknowledges a task_assign.
type TaskAckPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
}

// TaskCompletePayload reports the terminal outcome of an assigned task.
type TaskCompletePayload struct {
	TaskID        string   `json:"task_id"`
	AgentID       string   `json:"agent_id"`
	Success       bool     `json:"success"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	TokensUsed    int64    `json:"tokens_used"`
	CostUSD       float64  `json:"cost_usd"`
	Error         string   `json:"error,omitempty"`
}

// ErrorPayload is a structured error report from the runner.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// TaskAssignPayload dispatches a task to a runner.
type TaskAssignPayload struct {
	TaskID               string            `json:"task_id"`
	ProjectID            string            `json:"project_id"`
	AgentID              string            `json:"agent_id"`
	Prompt               string            `json:"prompt"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	BaseBranch           string            `json:"base_branch,omitempty"`
	Config               map[string]string `json:"config,omitempty"`
}

// GateRunPayload asks the runner to execute automated gates in the
// task's workspace.
type GateRunPayload struct {
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	Kinds     []gate.Kind            `json:"kinds"`
	Overrides map[gate.Kind][]string `json:"overrides,omitempty"`
}

// GateOutputPayload is one throttled output line from a running gate.
type GateOutputPayload struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// GateResultPayload reports gate outcomes back to the orchestrator.
type GateResultPayload struct {
	TaskID  string        `json:"task_id"`
	AgentID string        `json:"agent_id"`
	Results []gate.Result `json:"results"`
}

// CheckpointPayload is a session snapshot streamed up by the runner.
type CheckpointPayload struct {
	AgentID             string          `json:"agent_id"`
	SessionID           string          `json:"session_id,omitempty"`
	ConversationHistory []agent.Message `json:"conversation_history"`
	PendingToolCalls    []byte          `json:"pending_tool_calls,omitempty"`
	FilesModified       []string        `json:"files_modified,omitempty"`
	UncommittedChanges  string          `json:"uncommitted_changes,omitempty"`
	CurrentStep         string          `json:"current_step,omitempty"`
	CompletedSteps      []string        `json:"completed_steps,omitempty"`
	PendingApprovalID   string          `json:"pending_approval_id,omitempty"`
}

// ApprovalRequestPayload asks a human to approve a dangerous action.
// Checkpoint carries the session state at the moment of suspension so
// an approved agent resumes exactly where it paused.
type ApprovalRequestPayload struct {
	AgentID           string             `json:"agent_id"`
	ActionDescription string             `json:"action_description"`
	ProposedChange    string             `json:"proposed_change,omitempty"`
	Checkpoint        *CheckpointPayload `json:"checkpoint,omitempty"`
}

// AgentCancelPayload requests a graceful agent stop.
type AgentCancelPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// AgentResumePayload asks the runner to reconstitute an agent session
// from a checkpoint. Session carries the serialized checkpoint so the
// runner needs no read path back into the store.
type AgentResumePayload struct {
	AgentID      string          `json:"agent_id"`
	CheckpointID string          `json:"checkpoint_id"`
	TaskID       string          `json:"task_id"`
	ProjectID    string          `json:"project_id"`
	Session      json.RawMessage `json:"session"`
	// NextInput, when set, is fed to the agent as its first prompt
	// instead of the checkpointed step. Approval decisions travel here.
	NextInput string `json:"next_input,omitempty"`
}

// Marshal wraps a typed payload in an Envelope.
func Marshal(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: data}, nil
}
