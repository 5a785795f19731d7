// Package orchestrator defines the per-task phase machine and the
// per-project meta orchestrator that feeds it.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
)

// Phase is the current stage of the implement/gates/review/rework loop.
type Phase string

const (
	PhaseImplement Phase = "implement"
	PhaseGates     Phase = "gates"
	PhaseReview    Phase = "review"
	PhaseRework    Phase = "rework"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Status is the coarse orchestrator lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusWaitingReview Status = "waiting-review"
	StatusComplete      Status = "complete"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureCause is the stable cause code recorded on a failed orchestrator.
type FailureCause string

const (
	CauseReworkLimit       FailureCause = "rework_limit"
	CauseRunnerUnavailable FailureCause = "runner_unavailable"
	CauseGateTimeout       FailureCause = "gate_timeout"
	CauseAgentError        FailureCause = "agent_error"
	CauseCancelled         FailureCause = "cancelled"
	CauseWorkerCrashed     FailureCause = "worker_crashed"
)

// DefaultMaxReworkAttempts bounds the Ralph loop.
const DefaultMaxReworkAttempts = 3

// phase transition table. Rework always re-enters implement.
var phaseTransitions = map[Phase][]Phase{
	PhaseImplement: {PhaseGates, PhaseFailed, PhaseCancelled},
	PhaseGates:     {PhaseReview, PhaseRework, PhaseComplete, PhaseFailed, PhaseCancelled},
	PhaseReview:    {PhaseComplete, PhaseRework, PhaseFailed, PhaseCancelled},
	PhaseRework:    {PhaseImplement, PhaseFailed, PhaseCancelled},
}

// ValidatePhaseTransition returns ErrValidation for an illegal move.
func ValidatePhaseTransition(from, to Phase) error {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: orchestrator phase %s -> %s", domain.ErrValidation, from, to)
}

// TaskOrchestrator drives one task through the build-review-rework loop.
type TaskOrchestrator struct {
	ID                string        `json:"id"`
	OrganizationID    string        `json:"organization_id"`
	ProjectID         string        `json:"project_id"`
	TaskID            string        `json:"task_id"`
	Phase             Phase         `json:"phase"`
	Status            Status        `json:"status"`
	GateConfig        []gate.Kind   `json:"gate_config"`
	GateResults       []gate.Result `json:"gate_results,omitempty"`
	ReworkCount       int           `json:"rework_count"`
	MaxReworkAttempts int           `json:"max_rework_attempts"`
	CurrentWorkerID   string        `json:"current_worker_id,omitempty"`
	ReviewFeedback    string        `json:"review_feedback,omitempty"`
	ReviewerID        string        `json:"reviewer_id,omitempty"`
	TokensUsed        int64         `json:"tokens_used"`
	CostUSD           float64       `json:"cost_usd"`
	FailureCause      FailureCause  `json:"failure_cause,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	CompletedAt       time.Time     `json:"completed_at,omitzero"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WantsReview reports whether the gate config includes human review.
func (o *TaskOrchestrator) WantsReview() bool {
	for _, k := range o.GateConfig {
		if k == gate.KindHumanReview {
			return true
		}
	}
	return false
}

// AutomatedGates returns the gate kinds the gate runner executes.
func (o *TaskOrchestrator) AutomatedGates() []gate.Kind {
	var out []gate.Kind
	for _, k := range o.GateConfig {
		if k.Automated() {
			out = append(out, k)
		}
	}
	return out
}

// ReworkAllowed reports whether another rework cycle stays inside the
// Ralph loop bound.
func (o *TaskOrchestrator) ReworkAllowed() bool {
	return o.ReworkCount < o.MaxReworkAttempts
}

// CreateRequest is the input to orchestrator creation.
type CreateRequest struct {
	ProjectID         string      `json:"project_id"`
	TaskID            string      `json:"task_id"`
	GateConfig        []gate.Kind `json:"gate_config"`
	MaxReworkAttempts int         `json:"max_rework_attempts"`
}

// Validate checks creation invariants and applies the rework default.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if r.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	if err := gate.ValidateConfig(r.GateConfig); err != nil {
		return err
	}
	if r.MaxReworkAttempts < 0 {
		return fmt.Errorf("%w: max_rework_attempts must be >= 0", domain.ErrValidation)
	}
	if r.MaxReworkAttempts == 0 {
		r.MaxReworkAttempts = DefaultMaxReworkAttempts
	}
	return nil
}
