package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

// Strategy controls how a MetaOrchestrator consumes its queue.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyPriority   Strategy = "priority"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyPriority:
		return true
	}
	return false
}

// MetaStatus is the MetaOrchestrator lifecycle state.
type MetaStatus string

const (
	MetaIdle     MetaStatus = "idle"
	MetaRunning  MetaStatus = "running"
	MetaPaused   MetaStatus = "paused"
	MetaComplete MetaStatus = "complete"
)

// Meta is the per-project queue consumer that spawns TaskOrchestrators
// under a strategy, a concurrency cap, and an optional budget.
type Meta struct {
	ID                  string     `json:"id"`
	OrganizationID      string     `json:"organization_id"`
	ProjectID           string     `json:"project_id"`
	Status              MetaStatus `json:"status"`
	Strategy            Strategy   `json:"strategy"`
	TaskQueue           []string   `json:"task_queue"`
	ActiveOrchestrators []string   `json:"active_orchestrators"`
	MaxConcurrent       int        `json:"max_concurrent"`
	BudgetUSD           float64    `json:"budget_usd,omitempty"`
	SpentUSD            float64    `json:"spent_usd"`
	TasksCompleted      int        `json:"tasks_completed"`
	TasksFailed         int        `json:"tasks_failed"`
	TotalReworkCycles   int        `json:"total_rework_cycles"`
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EffectiveConcurrency is the active-orchestrator cap under the strategy.
func (m *Meta) EffectiveConcurrency() int {
	if m.Strategy == StrategySequential {
		return 1
	}
	if m.MaxConcurrent < 1 {
		return 1
	}
	return m.MaxConcurrent
}

// WithinBudget reports whether dequeuing one more task (at the given
// per-task estimate) keeps the meta orchestrator inside its budget.
// A zero budget means unlimited.
func (m *Meta) WithinBudget(perTaskEstimate float64) bool {
	if m.BudgetUSD <= 0 {
		return true
	}
	return m.SpentUSD+perTaskEstimate <= m.BudgetUSD
}

// OrderQueue sorts queued task ids for the priority strategy: priority
// descending, then created-at ascending. Other strategies keep FIFO order.
func (m *Meta) OrderQueue(tasks map[string]task.Task) []string {
	ids := make([]string, len(m.TaskQueue))
	copy(ids, m.TaskQueue)
	if m.Strategy != StrategyPriority {
		return ids
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ti, iok := tasks[ids[i]]
		tj, jok := tasks[ids[j]]
		if !iok || !jok {
			return iok
		}
		if ti.Priority != tj.Priority {
			return ti.Priority > tj.Priority
		}
		return ti.CreatedAt.Before(tj.CreatedAt)
	})
	return ids
}

// SetStrategyRequest updates the consumption strategy.
type SetStrategyRequest struct {
	Strategy      Strategy `json:"strategy"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// Validate checks the strategy update.
func (r *SetStrategyRequest) Validate() error {
	if !r.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", domain.ErrValidation, r.Strategy)
	}
	if r.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max_concurrent must be >= 1", domain.ErrValidation)
	}
	return nil
}
