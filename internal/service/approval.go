package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
)

// ApprovalService gates dangerous agent actions on a human decision.
// The requesting agent pauses with a checkpoint; approval resumes it
// with the decision as its next input, denial or expiry fails it.
type ApprovalService struct {
	store       database.Store
	agents      *AgentService
	checkpoints *CheckpointService
	events      *Events
	metrics     *otel.Metrics
	log         *slog.Logger
}

// NewApprovalService creates the approval service.
func NewApprovalService(store database.Store, agents *AgentService, checkpoints *CheckpointService, events *Events, metrics *otel.Metrics, log *slog.Logger) *ApprovalService {
	return &ApprovalService{
		store:       store,
		agents:      agents,
		checkpoints: checkpoints,
		events:      events,
		metrics:     metrics,
		log:         log.With("service", "approval"),
	}
}

// RequestInput describes the action awaiting a decision. Snapshot is
// the session state at the moment of suspension, supplied by the
// runner alongside the request.
type RequestInput struct {
	AgentID           string           `json:"agent_id"`
	ActionDescription string           `json:"action_description"`
	ProposedChange    string           `json:"proposed_change,omitempty"`
	Snapshot          *SnapshotRequest `json:"snapshot,omitempty"`
}

// Request creates a pending approval and pauses the agent. At most one
// pending approval exists per agent; a second request conflicts.
func (s *ApprovalService) Request(ctx context.Context, req *RequestInput) (*approval.Approval, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if req.ActionDescription == "" {
		return nil, fmt.Errorf("%w: action_description is required", domain.ErrValidation)
	}
	a, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrValidation, a.ID, a.Status)
	}

	ap := &approval.Approval{
		ID:                uuid.NewString(),
		OrganizationID:    a.OrganizationID,
		AgentID:           a.ID,
		ActionDescription: req.ActionDescription,
		ProposedChange:    req.ProposedChange,
		Status:            approval.StatusPending,
	}
	if err := s.store.CreateApproval(ctx, ap); err != nil {
		return nil, err
	}

	// Checkpoint immediately so an approved agent resumes from the exact
	// point of suspension rather than the last periodic snapshot.
	snap := req.Snapshot
	if snap == nil {
		snap = &SnapshotRequest{}
	}
	snap.AgentID = a.ID
	snap.PendingApprovalID = ap.ID
	if snap.CurrentStep == "" {
		snap.CurrentStep = req.ActionDescription
	}
	if _, err := s.checkpoints.Snapshot(ctx, snap); err != nil {
		s.log.Error("checkpoint on approval request", "agent_id", a.ID, "error", err)
	}

	a.Status = agent.StatusPaused
	a.CurrentActivity = "awaiting approval: " + req.ActionDescription
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		s.log.Error("pause agent for approval", "agent_id", a.ID, "error", err)
	}

	s.events.Publish(ctx, ap.OrganizationID, messagequeue.SubjectApprovalPending, ws.ApprovalEvent{
		ApprovalID:        ap.ID,
		AgentID:           ap.AgentID,
		ActionDescription: ap.ActionDescription,
		Status:            string(ap.Status),
	})
	s.log.Info("approval requested", "approval_id", ap.ID, "agent_id", ap.AgentID)
	return ap, nil
}

// Get returns one approval.
func (s *ApprovalService) Get(ctx context.Context, id string) (*approval.Approval, error) {
	return s.store.GetApproval(ctx, id)
}

// ListPending returns the organization's open approvals, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context) ([]approval.Approval, error) {
	return s.store.ListPendingApprovals(ctx)
}

// Decide resolves a pending approval. Approval resumes the agent from
// its checkpoint; denial stops it. Deciding twice conflicts.
func (s *ApprovalService) Decide(ctx context.Context, id string, approve bool) (*approval.Approval, error) {
	p := middleware.PrincipalFromContext(ctx)
	if p == nil {
		return nil, fmt.Errorf("decide approval: %w", domain.ErrUnauthorized)
	}

	status := approval.StatusDenied
	if approve {
		status = approval.StatusApproved
	}
	now := time.Now().UTC()
	if err := s.store.DecideApproval(ctx, id, status, p.UserID, now); err != nil {
		return nil, err
	}
	ap, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ApprovalDecisions.Add(ctx, 1)
	}
	s.events.Publish(ctx, ap.OrganizationID, messagequeue.SubjectApprovalDecided, ws.ApprovalEvent{
		ApprovalID: ap.ID, AgentID: ap.AgentID, Status: string(ap.Status),
	})

	if approve {
		// The decision rides into the resumed session as its next input.
		next := "approved: " + ap.ActionDescription
		if err := s.checkpoints.Restore(ctx, ap.AgentID, "", next); err != nil {
			s.log.Error("resume approved agent", "agent_id", ap.AgentID, "error", err)
		}
	} else {
		if err := s.agents.Fail(ctx, ap.AgentID, "approval denied: "+ap.ActionDescription); err != nil {
			s.log.Error("fail denied agent", "agent_id", ap.AgentID, "error", err)
		}
	}
	s.log.Info("approval decided", "approval_id", id, "status", status, "decided_by", p.UserID)
	return ap, nil
}

// ExpireSweep marks approvals pending longer than the timeout as
// expired and terminates their waiting agents. Runs unscoped across
// organizations.
func (s *ApprovalService) ExpireSweep(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().UTC().Add(-timeout)
	expired, err := s.store.ListExpiredApprovals(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("approval expire sweep: %w", err)
	}
	for i := range expired {
		ap := &expired[i]
		scoped := scopeFor(ctx, ap.OrganizationID)
		now := time.Now().UTC()
		if err := s.store.DecideApproval(scoped, ap.ID, approval.StatusExpired, "system", now); err != nil {
			s.log.Warn("expire approval", "approval_id", ap.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.ApprovalDecisions.Add(scoped, 1)
		}
		s.events.Publish(scoped, ap.OrganizationID, messagequeue.SubjectApprovalDecided, ws.ApprovalEvent{
			ApprovalID: ap.ID, AgentID: ap.AgentID, Status: string(approval.StatusExpired),
		})
		if err := s.agents.Fail(scoped, ap.AgentID, "approval expired: "+ap.ActionDescription); err != nil {
			s.log.Warn("fail agent on expired approval", "agent_id", ap.AgentID, "error", err)
		}
		s.log.Info("approval expired", "approval_id", ap.ID, "agent_id", ap.AgentID)
	}
	return nil
}
