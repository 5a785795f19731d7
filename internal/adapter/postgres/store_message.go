package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain/message"
)

const messageCols = `id, organization_id, from_agent_id, to_agent_id, type, subject, content,
	response_to_id, requires_response, priority, read_at, responded_at, created_at`

func scanMessage(row scannable) (message.Message, error) {
	var m message.Message
	var toAgent, responseTo *string
	var readAt, respondedAt *time.Time
	err := row.Scan(&m.ID, &m.OrganizationID, &m.FromAgentID, &toAgent, &m.Type,
		&m.Subject, &m.Content, &responseTo, &m.RequiresResponse, &m.Priority,
		&readAt, &respondedAt, &m.CreatedAt)
	if err != nil {
		return message.Message{}, err
	}
	m.ToAgentID = deref(toAgent)
	m.ResponseToID = deref(responseTo)
	if readAt != nil {
		m.ReadAt = *readAt
	}
	if respondedAt != nil {
		m.RespondedAt = *respondedAt
	}
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *message.Message) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_messages (id, organization_id, from_agent_id, to_agent_id, type,
		   subject, content, response_to_id, requires_response, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+messageCols,
		m.ID, m.OrganizationID, m.FromAgentID, nullIfEmpty(m.ToAgentID), m.Type,
		m.Subject, m.Content, nullIfEmpty(m.ResponseToID), m.RequiresResponse, m.Priority)

	stored, err := scanMessage(row)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	*m = stored
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM agent_messages WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	m, err := scanMessage(row)
	if err != nil {
		return nil, notFoundWrap(err, "get message %s", id)
	}
	return &m, nil
}

// ListInbox returns direct messages plus org broadcasts for the agent,
// priority descending then created-at ascending.
func (s *Store) ListInbox(ctx context.Context, agentID string, unreadOnly bool) ([]message.Message, error) {
	q := `SELECT ` + messageCols + ` FROM agent_messages
	 WHERE organization_id = $1 AND (to_agent_id = $2 OR to_agent_id IS NULL)`
	if unreadOnly {
		q += ` AND read_at IS NULL`
	}
	q += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, q, orgFromCtx(ctx), agentID)
	if err != nil {
		return nil, fmt.Errorf("list inbox for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_messages SET read_at = $3
		 WHERE id = $1 AND organization_id = $2 AND read_at IS NULL`,
		id, orgFromCtx(ctx), at)
	return execExpectOne(tag, err, "mark message %s read", id)
}

func (s *Store) MarkMessageResponded(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_messages SET responded_at = $3
		 WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx), at)
	return execExpectOne(tag, err, "mark message %s responded", id)
}
