package ws

// Event type constants for dashboard broadcasts.
const (
	EventRunnerStatus    = "runner.status"
	EventAgentStatus     = "agent.status"
	EventOrchPhase       = "orchestrator.phase"
	EventApprovalPending = "approval.pending"
	EventApprovalDecided = "approval.decided"
	EventBudgetPaused    = "budget.paused"
	EventGateOutput      = "gate.output"
)

// TaskRoutedEvent is broadcast when the router selects a runner.
type TaskRoutedEvent struct {
	TaskID   string `json:"task_id"`
	RunnerID string `json:"runner_id"`
}

// TaskUnroutableEvent is broadcast when no runner qualifies for a task.
type TaskUnroutableEvent struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// RunnerStatusEvent is broadcast when a runner's status changes.
type RunnerStatusEvent struct {
	RunnerID   string `json:"runner_id"`
	Status     string `json:"status"`
	AgentCount int    `json:"agent_count"`
}

// AgentStatusEvent is broadcast when an agent's status or progress changes.
type AgentStatusEvent struct {
	AgentID         string  `json:"agent_id"`
	TaskID          string  `json:"task_id,omitempty"`
	Status          string  `json:"status"`
	ProgressPercent int     `json:"progress_percent"`
	CurrentActivity string  `json:"current_activity,omitempty"`
	CostUSD         float64 `json:"cost_usd"`
}

// OrchPhaseEvent is broadcast on orchestrator phase transitions.
type OrchPhaseEvent struct {
	OrchestratorID string `json:"orchestrator_id"`
	TaskID         string `json:"task_id"`
	Phase          string `json:"phase"`
	Status         string `json:"status"`
	ReworkCount    int    `json:"rework_count"`
}

// ApprovalEvent is broadcast when an approval is created or decided.
type ApprovalEvent struct {
	ApprovalID        string `json:"approval_id"`
	AgentID           string `json:"agent_id"`
	ActionDescription string `json:"action_description,omitempty"`
	Status            string `json:"status"`
}

// BudgetPausedEvent is broadcast when a meta orchestrator pauses on budget.
type BudgetPausedEvent struct {
	MetaID    string  `json:"meta_id"`
	ProjectID string  `json:"project_id"`
	BudgetUSD float64 `json:"budget_usd"`
	SpentUSD  float64 `json:"spent_usd"`
}

// GateOutputEvent streams throttled gate output lines.
type GateOutputEvent struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}
