// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
	"github.com/sibyl-dev/sibyl/internal/domain/message"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

// Store is the port interface for database operations. Every method is
// scoped to the organization carried by ctx; rows of other organizations
// are invisible.
type Store interface {
	// Runners
	ListRunners(ctx context.Context) ([]runner.Runner, error)
	GetRunner(ctx context.Context, id string) (*runner.Runner, error)
	UpsertRunner(ctx context.Context, r *runner.Runner) error
	UpdateRunnerStatus(ctx context.Context, id string, status runner.Status) error
	UpdateRunnerHeartbeat(ctx context.Context, id string, at time.Time, activeSlots int) error
	// AcquireRunnerSlot atomically increments the runner's agent count
	// iff it is below capacity; false means the runner is full.
	AcquireRunnerSlot(ctx context.Context, id string) (bool, error)
	// ReleaseRunnerSlot decrements the agent count, never below zero.
	ReleaseRunnerSlot(ctx context.Context, id string) error
	DeleteRunner(ctx context.Context, id string) error

	// Runner tokens
	CreateRunnerToken(ctx context.Context, t *runner.Token) error
	// GetRunnerTokenByHash looks up an active token by hash across all
	// organizations; it runs before any org scope exists on the channel.
	GetRunnerTokenByHash(ctx context.Context, hash string) (*runner.Token, error)
	RevokeRunnerToken(ctx context.Context, id string, at time.Time) error

	// Warm workspaces
	ListWarmWorkspaces(ctx context.Context) ([]runner.Project, error)
	ListRunnerWorkspaces(ctx context.Context, runnerID string) ([]runner.Project, error)
	UpsertWarmWorkspace(ctx context.Context, p *runner.Project) error
	DeleteRunnerWorkspaces(ctx context.Context, runnerID string) error

	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]task.Task, error)
	ListTasksByID(ctx context.Context, ids []string) (map[string]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error

	// Task orchestrators
	CreateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error
	GetOrchestrator(ctx context.Context, id string) (*orchestrator.TaskOrchestrator, error)
	ListOrchestrators(ctx context.Context) ([]orchestrator.TaskOrchestrator, error)
	// UpdateOrchestrator persists o if the stored version still matches
	// o.Version, then increments it. Returns domain.ErrConflict otherwise.
	UpdateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error

	// Meta orchestrators
	CreateMeta(ctx context.Context, m *orchestrator.Meta) error
	GetMeta(ctx context.Context, id string) (*orchestrator.Meta, error)
	GetMetaByProject(ctx context.Context, projectID string) (*orchestrator.Meta, error)
	ListMetas(ctx context.Context) ([]orchestrator.Meta, error)
	UpdateMeta(ctx context.Context, m *orchestrator.Meta) error

	// Agents
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	UpdateAgent(ctx context.Context, a *agent.Agent) error
	// ListStaleWorkingAgents returns working agents across ALL
	// organizations whose last update is older than cutoff. Used by the
	// startup reaper, which runs outside any request scope.
	ListStaleWorkingAgents(ctx context.Context, cutoff time.Time) ([]agent.Agent, error)

	// Checkpoints
	CreateCheckpoint(ctx context.Context, c *agent.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*agent.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, agentID string) (*agent.Checkpoint, error)
	ListCheckpoints(ctx context.Context, agentID string) ([]agent.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, agentID string, keep int) (int, error)

	// Messages
	CreateMessage(ctx context.Context, m *message.Message) error
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	// ListInbox returns messages addressed to the agent plus broadcasts,
	// priority descending then created-at ascending.
	ListInbox(ctx context.Context, agentID string, unreadOnly bool) ([]message.Message, error)
	MarkMessageRead(ctx context.Context, id string, at time.Time) error
	MarkMessageResponded(ctx context.Context, id string, at time.Time) error

	// Approvals
	CreateApproval(ctx context.Context, a *approval.Approval) error
	GetApproval(ctx context.Context, id string) (*approval.Approval, error)
	PendingApprovalForAgent(ctx context.Context, agentID string) (*approval.Approval, error)
	ListPendingApprovals(ctx context.Context) ([]approval.Approval, error)
	DecideApproval(ctx context.Context, id string, status approval.Status, decidedBy string, at time.Time) error
	// ListExpiredApprovals returns pending approvals (all organizations)
	// created before cutoff, for the expiry sweep.
	ListExpiredApprovals(ctx context.Context, cutoff time.Time) ([]approval.Approval, error)
}
