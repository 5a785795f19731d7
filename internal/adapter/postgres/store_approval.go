package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
)

const approvalCols = `id, organization_id, agent_id, action_description, proposed_change,
	status, decided_by, decided_at, created_at`

func scanApproval(row scannable) (approval.Approval, error) {
	var a approval.Approval
	var decidedBy *string
	var decidedAt *time.Time
	err := row.Scan(&a.ID, &a.OrganizationID, &a.AgentID, &a.ActionDescription,
		&a.ProposedChange, &a.Status, &decidedBy, &decidedAt, &a.CreatedAt)
	if err != nil {
		return approval.Approval{}, err
	}
	a.DecidedBy = deref(decidedBy)
	if decidedAt != nil {
		a.DecidedAt = *decidedAt
	}
	return a, nil
}

func (s *Store) CreateApproval(ctx context.Context, a *approval.Approval) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO approvals (id, organization_id, agent_id, action_description, proposed_change, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+approvalCols,
		a.ID, a.OrganizationID, a.AgentID, a.ActionDescription, a.ProposedChange, a.Status)

	stored, err := scanApproval(row)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	*a = stored
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalCols+` FROM approvals WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	a, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "get approval %s", id)
	}
	return &a, nil
}

func (s *Store) PendingApprovalForAgent(ctx context.Context, agentID string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalCols+` FROM approvals
		 WHERE organization_id = $1 AND agent_id = $2 AND status = 'pending'`,
		orgFromCtx(ctx), agentID)

	a, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "pending approval for agent %s", agentID)
	}
	return &a, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context) ([]approval.Approval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+approvalCols+` FROM approvals
		 WHERE organization_id = $1 AND status = 'pending' ORDER BY created_at`,
		orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApproval resolves a pending approval. Deciding an already
// decided approval returns ErrConflict.
func (s *Store) DecideApproval(ctx context.Context, id string, status approval.Status, decidedBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $3, decided_by = $4, decided_at = $5
		 WHERE id = $1 AND organization_id = $2 AND status = 'pending'`,
		id, orgFromCtx(ctx), status, nullIfEmpty(decidedBy), at)
	if err != nil {
		return fmt.Errorf("decide approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decide approval %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// ListExpiredApprovals runs unscoped: the expiry sweep covers every
// organization.
func (s *Store) ListExpiredApprovals(ctx context.Context, cutoff time.Time) ([]approval.Approval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+approvalCols+` FROM approvals
		 WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
