// Package agent defines the Agent domain entity: a model-driven worker
// executing a task inside a workspace on a runner.
package agent

import (
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusWorking      Status = "working"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusWorking, StatusPaused, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Terminal reports whether the agent has finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Agent represents a running or finished coding agent instance.
type Agent struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organization_id"`
	ProjectID       string    `json:"project_id"`
	TaskID          string    `json:"task_id"`
	RunnerID        string    `json:"runner_id,omitempty"`
	OrchestratorID  string    `json:"orchestrator_id,omitempty"`
	Status          Status    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitzero"`
	TokensUsed      int64     `json:"tokens_used"`
	CostUSD         float64   `json:"cost_usd"`
	ErrorCount      int       `json:"error_count"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	WorkspacePath   string    `json:"workspace_path,omitempty"`
	Standalone      bool      `json:"standalone"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Promotable checks the single promotion eligibility rule: the agent must
// have a task, must not already be managed, and must not be terminal.
func (a *Agent) Promotable() error {
	if a.TaskID == "" {
		return fmt.Errorf("%w: agent %s has no task", domain.ErrValidation, a.ID)
	}
	if a.OrchestratorID != "" {
		return fmt.Errorf("%w: agent %s is already managed by %s", domain.ErrConflict, a.ID, a.OrchestratorID)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrValidation, a.ID, a.Status)
	}
	return nil
}

// Demotable checks the inverse rule: the agent must currently be
// managed and must not be terminal.
func (a *Agent) Demotable() error {
	if a.OrchestratorID == "" {
		return fmt.Errorf("%w: agent %s is not managed", domain.ErrConflict, a.ID)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrValidation, a.ID, a.Status)
	}
	return nil
}
