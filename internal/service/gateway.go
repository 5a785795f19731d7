package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
)

// GatewayService is the session handler behind the runner gateway: it
// translates wire messages into registry and agent state changes, and
// hands task acks, gate results, and completions to whichever
// orchestrator worker is waiting on them.
type GatewayService struct {
	registry    *RegistryService
	agents      *AgentService
	checkpoints *CheckpointService
	approvals   *ApprovalService
	events      *Events
	log         *slog.Logger

	mu    sync.Mutex
	acks  map[string]chan ws.TaskAckPayload
	gates map[string]chan ws.GateResultPayload
	dones map[string]chan ws.TaskCompletePayload
}

// NewGatewayService creates the gateway session handler.
func NewGatewayService(registry *RegistryService, agents *AgentService, checkpoints *CheckpointService, approvals *ApprovalService, events *Events, log *slog.Logger) *GatewayService {
	return &GatewayService{
		registry:    registry,
		agents:      agents,
		checkpoints: checkpoints,
		approvals:   approvals,
		events:      events,
		log:         log.With("service", "gateway"),
		acks:        make(map[string]chan ws.TaskAckPayload),
		gates:       make(map[string]chan ws.GateResultPayload),
		dones:       make(map[string]chan ws.TaskCompletePayload),
	}
}

// RunnerConnected registers the runner for the session's organization.
func (s *GatewayService) RunnerConnected(ctx context.Context, p *ws.RegisterPayload) (*runner.Runner, error) {
	return s.registry.Register(ctx, &p.RegisterRequest, p.ClientVersion)
}

// RunnerDisconnected marks the runner offline. Its agents keep running
// on the host; the runner re-adopts them when it reconnects, and the
// reaper fails them if it never does.
func (s *GatewayService) RunnerDisconnected(ctx context.Context, runnerID string) {
	if err := s.registry.UpdateStatus(ctx, runnerID, runner.StatusOffline); err != nil {
		s.log.Warn("mark runner offline", "runner_id", runnerID, "error", err)
	}
}

// HeartbeatMissed is informational: health is derived from the last
// heartbeat timestamp, so a silent runner stops receiving work without
// any state change here.
func (s *GatewayService) HeartbeatMissed(ctx context.Context, runnerID string) {
	s.log.Warn("heartbeat ack missed", "runner_id", runnerID)
}

// HandleMessage dispatches one runner frame.
func (s *GatewayService) HandleMessage(ctx context.Context, runnerID string, env ws.Envelope) error {
	switch env.Type {
	case ws.TypeStatus:
		var p ws.StatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("status payload: %w", err)
		}
		return s.handleStatus(ctx, runnerID, &p)

	case ws.TypeProjectRegister:
		var p ws.ProjectRegisterPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("project_register payload: %w", err)
		}
		return s.registry.RegisterWorkspace(ctx, &runner.Project{
			RunnerID:        runnerID,
			ProjectID:       p.ProjectID,
			WorkspacePath:   p.WorkspacePath,
			WorkspaceBranch: p.WorkspaceBranch,
		})

	case ws.TypeAgentUpdate:
		var p ws.AgentUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("agent_update payload: %w", err)
		}
		return s.agents.ApplyUpdate(ctx, &p)

	case ws.TypeTaskAck:
		var p ws.TaskAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("task_ack payload: %w", err)
		}
		s.resolveAck(p)
		return nil

	case ws.TypeTaskComplete:
		var p ws.TaskCompletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("task_complete payload: %w", err)
		}
		if err := s.agents.ApplyCompletion(ctx, &p); err != nil {
			s.log.Error("apply task completion", "task_id", p.TaskID, "error", err)
		}
		s.resolveDone(p)
		return nil

	case ws.TypeGateResult:
		var p ws.GateResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("gate_result payload: %w", err)
		}
		s.resolveGates(p)
		return nil

	case ws.TypeGateOutput:
		var p ws.GateOutputPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("gate_output payload: %w", err)
		}
		s.events.Broadcast(ctx, orgID(ctx), ws.EventGateOutput, ws.GateOutputEvent{
			TaskID: p.TaskID, Kind: p.Kind, Stream: p.Stream, Line: p.Line,
		})
		return nil

	case ws.TypeCheckpoint:
		var p ws.CheckpointPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("checkpoint payload: %w", err)
		}
		_, err := s.checkpoints.Snapshot(ctx, &SnapshotRequest{
			AgentID:             p.AgentID,
			SessionID:           p.SessionID,
			ConversationHistory: p.ConversationHistory,
			PendingToolCalls:    p.PendingToolCalls,
			FilesModified:       p.FilesModified,
			UncommittedChanges:  p.UncommittedChanges,
			CurrentStep:         p.CurrentStep,
			CompletedSteps:      p.CompletedSteps,
			PendingApprovalID:   p.PendingApprovalID,
		})
		return err

	case ws.TypeApprovalRequest:
		var p ws.ApprovalRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("approval_request payload: %w", err)
		}
		in := &RequestInput{
			AgentID:           p.AgentID,
			ActionDescription: p.ActionDescription,
			ProposedChange:    p.ProposedChange,
		}
		if cp := p.Checkpoint; cp != nil {
			in.Snapshot = &SnapshotRequest{
				AgentID:             p.AgentID,
				SessionID:           cp.SessionID,
				ConversationHistory: cp.ConversationHistory,
				PendingToolCalls:    cp.PendingToolCalls,
				FilesModified:       cp.FilesModified,
				UncommittedChanges:  cp.UncommittedChanges,
				CurrentStep:         cp.CurrentStep,
				CompletedSteps:      cp.CompletedSteps,
			}
		}
		ap, err := s.approvals.Request(ctx, in)
		if err != nil {
			return err
		}
		s.log.Info("approval requested by agent", "approval_id", ap.ID, "agent_id", p.AgentID)
		return nil

	case ws.TypeError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("error payload: %w", err)
		}
		s.log.Error("runner error", "runner_id", runnerID, "code", p.Code,
			"message", p.Message, "agent_id", p.AgentID, "task_id", p.TaskID)
		if p.AgentID != "" {
			s.agents.RecordError(ctx, p.AgentID)
		}
		return nil

	default:
		s.log.Warn("unknown message type", "runner_id", runnerID, "type", env.Type)
		return nil
	}
}

func (s *GatewayService) handleStatus(ctx context.Context, runnerID string, p *ws.StatusPayload) error {
	if err := s.registry.Heartbeat(ctx, runnerID, p.AgentCount); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return nil
	}
	r, err := s.registry.Get(ctx, runnerID)
	if err != nil {
		return err
	}
	if r.Status == p.Status {
		return nil
	}
	return s.registry.UpdateStatus(ctx, runnerID, p.Status)
}

// AwaitAck registers interest in the task_ack for a task. The returned
// cancel must always be called; it is safe after delivery.
func (s *GatewayService) AwaitAck(taskID string) (<-chan ws.TaskAckPayload, func()) {
	ch := make(chan ws.TaskAckPayload, 1)
	s.mu.Lock()
	s.acks[taskID] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.acks, taskID)
		s.mu.Unlock()
	}
}

// AwaitGates registers interest in the gate_result for a task.
func (s *GatewayService) AwaitGates(taskID string) (<-chan ws.GateResultPayload, func()) {
	ch := make(chan ws.GateResultPayload, 1)
	s.mu.Lock()
	s.gates[taskID] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.gates, taskID)
		s.mu.Unlock()
	}
}

// AwaitCompletion registers interest in the task_complete for a task.
func (s *GatewayService) AwaitCompletion(taskID string) (<-chan ws.TaskCompletePayload, func()) {
	ch := make(chan ws.TaskCompletePayload, 1)
	s.mu.Lock()
	s.dones[taskID] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.dones, taskID)
		s.mu.Unlock()
	}
}

func (s *GatewayService) resolveAck(p ws.TaskAckPayload) {
	s.mu.Lock()
	ch, ok := s.acks[p.TaskID]
	if ok {
		delete(s.acks, p.TaskID)
	}
	s.mu.Unlock()
	if ok {
		ch <- p
	}
}

func (s *GatewayService) resolveGates(p ws.GateResultPayload) {
	s.mu.Lock()
	ch, ok := s.gates[p.TaskID]
	if ok {
		delete(s.gates, p.TaskID)
	}
	s.mu.Unlock()
	if ok {
		ch <- p
	} else {
		s.log.Warn("gate result with no waiter", "task_id", p.TaskID)
	}
}

func (s *GatewayService) resolveDone(p ws.TaskCompletePayload) {
	s.mu.Lock()
	ch, ok := s.dones[p.TaskID]
	if ok {
		delete(s.dones, p.TaskID)
	}
	s.mu.Unlock()
	if ok {
		ch <- p
	}
}
