package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
	"github.com/sibyl-dev/sibyl/internal/port/runnerlink"
)

// AgentService owns the agent lifecycle: spawning standalone agents,
// folding in progress reports from runners, and stopping or promoting
// live agents.
type AgentService struct {
	store    database.Store
	link     runnerlink.Link
	events   *Events
	sync     *Synchronizer
	metrics  *otel.Metrics
	cfg      config.Orchestrator
	log      *slog.Logger
	dispatch *Dispatcher
}

// NewAgentService creates the agent service. Bind attaches the
// dispatcher once the gateway exists.
func NewAgentService(store database.Store, link runnerlink.Link, events *Events, sync *Synchronizer, metrics *otel.Metrics, cfg config.Orchestrator, log *slog.Logger) *AgentService {
	return &AgentService{
		store:   store,
		link:    link,
		events:  events,
		sync:    sync,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With("service", "agent"),
	}
}

// Bind attaches the task dispatcher. Construction order requires this:
// the gateway handler needs the agent service, and the dispatcher needs
// the gateway.
func (s *AgentService) Bind(d *Dispatcher) { s.dispatch = d }

// SpawnRequest starts a standalone agent on a task.
type SpawnRequest struct {
	TaskID          string `json:"task_id"`
	Prompt          string `json:"prompt"`
	BaseBranch      string `json:"base_branch,omitempty"`
	PreferredRunner string `json:"preferred_runner,omitempty"`
}

// Validate checks the spawn request.
func (r *SpawnRequest) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	return nil
}

// Spawn routes the task, creates the agent record, and dispatches the
// assignment. The agent runs unmanaged: no gates, no review loop.
func (s *AgentService) Spawn(ctx context.Context, req *SpawnRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusQueued {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrConflict, t.ID, t.Status)
	}

	a := &agent.Agent{
		ID:             uuid.NewString(),
		OrganizationID: t.OrganizationID,
		ProjectID:      t.ProjectID,
		TaskID:         t.ID,
		Status:         agent.StatusInitializing,
		Standalone:     true,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	runnerID, err := s.dispatch.Dispatch(ctx, t, a.ID, req.Prompt, req.BaseBranch, req.PreferredRunner)
	if err != nil {
		a.Status = agent.StatusFailed
		a.CompletedAt = time.Now().UTC()
		if uerr := s.store.UpdateAgent(ctx, a); uerr != nil {
			s.log.Error("mark spawn failure", "agent_id", a.ID, "error", uerr)
		}
		return nil, err
	}

	a.RunnerID = runnerID
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning); err != nil {
		s.log.Error("mark task running", "task_id", t.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.AgentsSpawned.Add(ctx, 1)
	}
	s.sync.MirrorAgent(ctx, a)
	s.publishStatus(ctx, a)
	s.log.Info("agent spawned", "agent_id", a.ID, "task_id", t.ID, "runner_id", runnerID)
	return a, nil
}

// Get returns one agent.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// List returns all agents of the organization.
func (s *AgentService) List(ctx context.Context) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx)
}

// ApplyUpdate folds a runner progress report into the agent record.
// Terminal agents ignore late updates.
func (s *AgentService) ApplyUpdate(ctx context.Context, p *ws.AgentUpdatePayload) error {
	a, err := s.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		s.log.Debug("update for terminal agent dropped", "agent_id", a.ID, "status", a.Status)
		return nil
	}
	if p.Status.Valid() {
		a.Status = p.Status
	}
	a.ProgressPercent = p.ProgressPercent
	a.CurrentActivity = p.CurrentActivity
	a.TokensUsed = p.TokensUsed
	a.CostUSD = p.CostUSD
	a.LastHeartbeat = time.Now().UTC()
	if a.Status.Terminal() && a.CompletedAt.IsZero() {
		a.CompletedAt = time.Now().UTC()
	}
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.sync.MirrorAgent(ctx, a)
	s.publishStatus(ctx, a)
	return nil
}

// ApplyCompletion records the terminal outcome reported by the runner.
// For standalone agents this also closes the task; managed agents leave
// the task to their orchestrator.
func (s *AgentService) ApplyCompletion(ctx context.Context, p *ws.TaskCompletePayload) error {
	a, err := s.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	if p.Success {
		a.Status = agent.StatusCompleted
	} else {
		a.Status = agent.StatusFailed
	}
	a.TokensUsed = p.TokensUsed
	a.CostUSD = p.CostUSD
	a.ProgressPercent = 100
	a.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.releaseSlot(ctx, a)

	if a.Standalone {
		st := task.StatusCompleted
		if !p.Success {
			st = task.StatusFailed
		}
		if err := s.store.UpdateTaskStatus(ctx, a.TaskID, st); err != nil {
			s.log.Error("close task", "task_id", a.TaskID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.TaskCost.Record(ctx, p.CostUSD)
	}
	s.sync.DropAgent(ctx, a.ID)
	s.publishStatus(ctx, a)
	s.log.Info("agent finished", "agent_id", a.ID, "task_id", a.TaskID,
		"success", p.Success, "cost_usd", p.CostUSD)
	return nil
}

// RecordError increments the agent's error counter.
func (s *AgentService) RecordError(ctx context.Context, agentID string) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	a.ErrorCount++
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		s.log.Warn("record agent error", "agent_id", agentID, "error", err)
	}
}

// Stop asks the runner to cancel the agent, then marks it terminated
// after the grace period if the runner never confirmed.
func (s *AgentService) Stop(ctx context.Context, id, reason string) error {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: agent %s is already %s", domain.ErrConflict, id, a.Status)
	}

	if a.RunnerID != "" && s.link.Connected(a.RunnerID) {
		if err := s.link.Send(ctx, a.RunnerID, ws.TypeAgentCancel, ws.AgentCancelPayload{
			AgentID: id, Reason: reason,
		}); err != nil {
			s.log.Warn("send agent cancel", "agent_id", id, "error", err)
		}
	}

	grace := s.cfg.StopGrace
	org := a.OrganizationID
	time.AfterFunc(grace, func() {
		bg := scopeFor(context.Background(), org)
		cur, err := s.store.GetAgent(bg, id)
		if err != nil || cur.Status.Terminal() {
			return
		}
		cur.Status = agent.StatusTerminated
		cur.CompletedAt = time.Now().UTC()
		if err := s.store.UpdateAgent(bg, cur); err != nil {
			s.log.Error("force terminate agent", "agent_id", id, "error", err)
			return
		}
		s.releaseSlot(bg, cur)
		s.sync.DropAgent(bg, id)
		s.publishStatus(bg, cur)
	})
	s.log.Info("agent stop requested", "agent_id", id, "reason", reason, "grace", grace)
	return nil
}

// Fail terminates the agent with status failed: cancel on the runner,
// then record the failure immediately. Denied and expired approvals end
// here; the reason travels to the runner as the cancel reason.
func (s *AgentService) Fail(ctx context.Context, id, reason string) error {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: agent %s is already %s", domain.ErrConflict, id, a.Status)
	}

	if a.RunnerID != "" && s.link.Connected(a.RunnerID) {
		if err := s.link.Send(ctx, a.RunnerID, ws.TypeAgentCancel, ws.AgentCancelPayload{
			AgentID: id, Reason: reason,
		}); err != nil {
			s.log.Warn("send agent cancel", "agent_id", id, "error", err)
		}
	}

	a.Status = agent.StatusFailed
	a.ErrorMessage = reason
	a.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.releaseSlot(ctx, a)
	s.sync.DropAgent(ctx, a.ID)
	s.publishStatus(ctx, a)
	s.log.Info("agent failed", "agent_id", id, "reason", reason)
	return nil
}

// Promote hands a standalone agent to an orchestrator. The agent keeps
// running; only ownership changes.
func (s *AgentService) Promote(ctx context.Context, id, orchestratorID string) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.Promotable(); err != nil {
		return nil, err
	}
	a.OrchestratorID = orchestratorID
	a.Standalone = false
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.sync.MirrorAgent(ctx, a)
	s.log.Info("agent promoted", "agent_id", id, "orchestrator_id", orchestratorID)
	return a, nil
}

// Demote releases a managed agent back to standalone operation. The
// inverse of Promote; the agent keeps running.
func (s *AgentService) Demote(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.Demotable(); err != nil {
		return nil, err
	}
	a.OrchestratorID = ""
	a.Standalone = true
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.sync.MirrorAgent(ctx, a)
	s.log.Info("agent demoted", "agent_id", id)
	return a, nil
}

// releaseSlot returns the agent's runner slot on its terminal
// transition. Every terminal path funnels through exactly one of the
// callers, so a slot is never released twice.
func (s *AgentService) releaseSlot(ctx context.Context, a *agent.Agent) {
	if a.RunnerID == "" {
		return
	}
	if err := s.store.ReleaseRunnerSlot(ctx, a.RunnerID); err != nil {
		s.log.Warn("release runner slot", "runner_id", a.RunnerID, "agent_id", a.ID, "error", err)
	}
}

func (s *AgentService) publishStatus(ctx context.Context, a *agent.Agent) {
	s.events.Publish(ctx, a.OrganizationID, messagequeue.SubjectAgentStatus, ws.AgentStatusEvent{
		AgentID:         a.ID,
		TaskID:          a.TaskID,
		Status:          string(a.Status),
		ProgressPercent: a.ProgressPercent,
		CurrentActivity: a.CurrentActivity,
		CostUSD:         a.CostUSD,
	})
}
