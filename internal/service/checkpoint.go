package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
	"github.com/sibyl-dev/sibyl/internal/port/runnerlink"
)

// CheckpointService persists resumable agent snapshots and restores
// sessions from them.
type CheckpointService struct {
	store   database.Store
	link    runnerlink.Link
	events  *Events
	metrics *otel.Metrics
	cfg     config.Checkpoint
	log     *slog.Logger
}

// NewCheckpointService creates the checkpoint service.
func NewCheckpointService(store database.Store, link runnerlink.Link, events *Events, metrics *otel.Metrics, cfg config.Checkpoint, log *slog.Logger) *CheckpointService {
	return &CheckpointService{
		store:   store,
		link:    link,
		events:  events,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With("service", "checkpoint"),
	}
}

// SnapshotRequest is the input to a checkpoint write.
type SnapshotRequest struct {
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

// Snapshot persists a checkpoint, caps the uncommitted diff, marks it
// latest, and prunes history beyond the keep count.
func (s *CheckpointService) Snapshot(ctx context.Context, req *SnapshotRequest) (*agent.Checkpoint, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	a, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartCheckpointSpan(ctx, a.ID, "snapshot")
	defer span.End()

	cp := &agent.Checkpoint{
		ID:                  uuid.NewString(),
		AgentID:             a.ID,
		SessionID:           req.SessionID,
		ConversationHistory: req.ConversationHistory,
		PendingToolCalls:    req.PendingToolCalls,
		FilesModified:       req.FilesModified,
		UncommittedChanges:  agent.TruncateDiff(req.UncommittedChanges, s.cfg.DiffCapKB*1024),
		CurrentStep:         req.CurrentStep,
		CompletedSteps:      req.CompletedSteps,
		PendingApprovalID:   req.PendingApprovalID,
		Latest:              true,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	pruned, err := s.store.PruneCheckpoints(ctx, a.ID, s.cfg.KeepCount)
	if err != nil {
		s.log.Warn("prune checkpoints", "agent_id", a.ID, "error", err)
	} else if pruned > 0 {
		s.log.Debug("checkpoints pruned", "agent_id", a.ID, "count", pruned)
	}

	if s.metrics != nil {
		s.metrics.CheckpointWrites.Add(ctx, 1)
	}
	s.events.Publish(ctx, a.OrganizationID, messagequeue.SubjectAgentCheckpoint, ws.AgentStatusEvent{
		AgentID: a.ID, TaskID: a.TaskID, Status: string(a.Status),
		ProgressPercent: a.ProgressPercent, CostUSD: a.CostUSD,
	})
	return cp, nil
}

// Get returns one checkpoint.
func (s *CheckpointService) Get(ctx context.Context, id string) (*agent.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

// Latest returns the agent's most recent checkpoint.
func (s *CheckpointService) Latest(ctx context.Context, agentID string) (*agent.Checkpoint, error) {
	return s.store.LatestCheckpoint(ctx, agentID)
}

// List returns all retained checkpoints of an agent, newest first.
func (s *CheckpointService) List(ctx context.Context, agentID string) ([]agent.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx, agentID)
}

// Restore reconstitutes an agent session from a checkpoint on its
// runner. An empty checkpointID restores from the latest snapshot;
// nextInput, when set, is delivered to the session as its first prompt.
func (s *CheckpointService) Restore(ctx context.Context, agentID, checkpointID, nextInput string) error {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status == agent.StatusCompleted || a.Status == agent.StatusTerminated {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrConflict, agentID, a.Status)
	}

	var cp *agent.Checkpoint
	if checkpointID == "" {
		cp, err = s.store.LatestCheckpoint(ctx, agentID)
	} else {
		cp, err = s.store.GetCheckpoint(ctx, checkpointID)
	}
	if err != nil {
		return err
	}
	if cp.AgentID != agentID {
		return fmt.Errorf("%w: checkpoint %s belongs to another agent", domain.ErrValidation, cp.ID)
	}
	if cp.SessionID == "" {
		return fmt.Errorf("%w: checkpoint %s has no session to resume", domain.ErrValidation, cp.ID)
	}

	if a.RunnerID == "" || !s.link.Connected(a.RunnerID) {
		return fmt.Errorf("restore agent %s: runner %s not connected: %w",
			agentID, a.RunnerID, domain.ErrCapacity)
	}

	ctx, span := otel.StartCheckpointSpan(ctx, agentID, "restore")
	defer span.End()

	session, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("restore agent %s: %w", agentID, err)
	}
	if err := s.link.Send(ctx, a.RunnerID, ws.TypeAgentResume, ws.AgentResumePayload{
		AgentID:      agentID,
		CheckpointID: cp.ID,
		TaskID:       a.TaskID,
		ProjectID:    a.ProjectID,
		Session:      session,
		NextInput:    nextInput,
	}); err != nil {
		return fmt.Errorf("restore agent %s: %w", agentID, err)
	}

	a.Status = agent.StatusWorking
	a.CurrentActivity = "resuming from checkpoint"
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.log.Info("agent restore dispatched", "agent_id", agentID, "checkpoint_id", cp.ID)
	return nil
}
