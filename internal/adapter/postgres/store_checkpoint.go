package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
)

const checkpointCols = `id, agent_id, session_id, conversation_history, pending_tool_calls,
	files_modified, uncommitted_changes, current_step, completed_steps,
	pending_approval_id, latest, created_at`

func scanCheckpoint(row scannable) (agent.Checkpoint, error) {
	var c agent.Checkpoint
	var conversation []byte
	var sessionID, approvalID *string
	err := row.Scan(&c.ID, &c.AgentID, &sessionID, &conversation, &c.PendingToolCalls,
		&c.FilesModified, &c.UncommittedChanges, &c.CurrentStep, &c.CompletedSteps,
		&approvalID, &c.Latest, &c.CreatedAt)
	if err != nil {
		return agent.Checkpoint{}, err
	}
	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &c.ConversationHistory); err != nil {
			return agent.Checkpoint{}, fmt.Errorf("unmarshal conversation: %w", err)
		}
	}
	c.SessionID = deref(sessionID)
	c.PendingApprovalID = deref(approvalID)
	return c, nil
}

// CreateCheckpoint inserts the snapshot and atomically moves the latest
// flag off any prior checkpoint of the same agent.
func (s *Store) CreateCheckpoint(ctx context.Context, c *agent.Checkpoint) error {
	conversation, err := json.Marshal(c.ConversationHistory)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE agent_checkpoints SET latest = FALSE WHERE agent_id = $1 AND latest`,
		c.AgentID); err != nil {
		return fmt.Errorf("clear latest checkpoint: %w", err)
	}

	c.Latest = true
	row := tx.QueryRow(ctx,
		`INSERT INTO agent_checkpoints (id, agent_id, session_id, conversation_history,
		   pending_tool_calls, files_modified, uncommitted_changes, current_step,
		   completed_steps, pending_approval_id, latest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		 RETURNING `+checkpointCols,
		c.ID, c.AgentID, nullIfEmpty(c.SessionID), conversation, c.PendingToolCalls,
		pgTextArray(c.FilesModified), c.UncommittedChanges, c.CurrentStep,
		pgTextArray(c.CompletedSteps), nullIfEmpty(c.PendingApprovalID))

	stored, err := scanCheckpoint(row)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	*c = stored
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*agent.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM agent_checkpoints c
		 WHERE c.id = $1
		   AND EXISTS (SELECT 1 FROM agents a WHERE a.id = c.agent_id AND a.organization_id = $2)`,
		id, orgFromCtx(ctx))

	c, err := scanCheckpoint(row)
	if err != nil {
		return nil, notFoundWrap(err, "get checkpoint %s", id)
	}
	return &c, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, agentID string) (*agent.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM agent_checkpoints c
		 WHERE c.agent_id = $1 AND c.latest
		   AND EXISTS (SELECT 1 FROM agents a WHERE a.id = c.agent_id AND a.organization_id = $2)`,
		agentID, orgFromCtx(ctx))

	c, err := scanCheckpoint(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest checkpoint for agent %s", agentID)
	}
	return &c, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, agentID string) ([]agent.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointCols+` FROM agent_checkpoints c
		 WHERE c.agent_id = $1
		   AND EXISTS (SELECT 1 FROM agents a WHERE a.id = c.agent_id AND a.organization_id = $2)
		 ORDER BY c.created_at DESC`,
		agentID, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []agent.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the newest keep checkpoints of the
// agent and returns how many rows were removed.
func (s *Store) PruneCheckpoints(ctx context.Context, agentID string, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_checkpoints
		 WHERE agent_id = $1 AND id NOT IN (
		   SELECT id FROM agent_checkpoints
		   WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
		 )`,
		agentID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints for agent %s: %w", agentID, err)
	}
	return int(tag.RowsAffected()), nil
}
