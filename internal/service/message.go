package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/message"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/port/database"
)

// MessageService implements store-and-forward messaging between agents.
// Delivery is pull-based: recipients poll their inbox, so sender and
// recipient never need to be alive at the same time.
type MessageService struct {
	store database.Store
	log   *slog.Logger
}

// NewMessageService creates the agent messaging service.
func NewMessageService(store database.Store, log *slog.Logger) *MessageService {
	return &MessageService{store: store, log: log.With("service", "message")}
}

// Send persists one message. An empty ToAgentID broadcasts to every
// agent of the organization.
func (s *MessageService) Send(ctx context.Context, req *message.SendRequest) (*message.Message, error) {
	return s.send(ctx, req, "")
}

func (s *MessageService) send(ctx context.Context, req *message.SendRequest, responseToID string) (*message.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := middleware.PrincipalFromContext(ctx)
	if p == nil {
		return nil, fmt.Errorf("send message: %w", domain.ErrUnauthorized)
	}

	m := &message.Message{
		ID:               uuid.NewString(),
		OrganizationID:   p.OrganizationID,
		FromAgentID:      req.FromAgentID,
		ToAgentID:        req.ToAgentID,
		Type:             req.Type,
		Subject:          req.Subject,
		Content:          req.Content,
		ResponseToID:     responseToID,
		RequiresResponse: req.RequiresResponse,
		Priority:         req.Priority,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Respond sends a reply linked to the original message and marks the
// original responded.
func (s *MessageService) Respond(ctx context.Context, originalID string, req *message.SendRequest) (*message.Message, error) {
	orig, err := s.store.GetMessage(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if req.ToAgentID == "" {
		req.ToAgentID = orig.FromAgentID
	}

	m, err := s.send(ctx, req, originalID)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkMessageResponded(ctx, originalID, time.Now().UTC()); err != nil {
		s.log.Warn("mark message responded", "message_id", originalID, "error", err)
	}
	return m, nil
}

// Inbox returns messages addressed to the agent plus organization
// broadcasts, urgent first.
func (s *MessageService) Inbox(ctx context.Context, agentID string, unreadOnly bool) ([]message.Message, error) {
	return s.store.ListInbox(ctx, agentID, unreadOnly)
}

// Get returns one message.
func (s *MessageService) Get(ctx context.Context, id string) (*message.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// MarkRead records the first read of a message. Re-reading is a no-op.
func (s *MessageService) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkMessageRead(ctx, id, time.Now().UTC())
}
