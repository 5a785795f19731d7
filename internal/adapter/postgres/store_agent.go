package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
)

const agentCols = `id, organization_id, project_id, task_id, runner_id, orchestrator_id,
	status, progress_percent, current_activity, last_heartbeat, tokens_used, cost_usd,
	error_count, error_message, workspace_path, standalone, started_at, completed_at,
	version, created_at, updated_at`

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var runnerID, orchID *string
	var heartbeat, startedAt, completedAt *time.Time
	err := row.Scan(&a.ID, &a.OrganizationID, &a.ProjectID, &a.TaskID, &runnerID, &orchID,
		&a.Status, &a.ProgressPercent, &a.CurrentActivity, &heartbeat, &a.TokensUsed,
		&a.CostUSD, &a.ErrorCount, &a.ErrorMessage, &a.WorkspacePath, &a.Standalone,
		&startedAt, &completedAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	a.RunnerID = deref(runnerID)
	a.OrchestratorID = deref(orchID)
	if heartbeat != nil {
		a.LastHeartbeat = *heartbeat
	}
	if startedAt != nil {
		a.StartedAt = *startedAt
	}
	if completedAt != nil {
		a.CompletedAt = *completedAt
	}
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, organization_id, project_id, task_id, runner_id,
		   orchestrator_id, status, workspace_path, standalone, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+agentCols,
		a.ID, a.OrganizationID, a.ProjectID, a.TaskID, nullIfEmpty(a.RunnerID),
		nullIfEmpty(a.OrchestratorID), a.Status, a.WorkspacePath, a.Standalone,
		nullTime(a.StartedAt))

	stored, err := scanAgent(row)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	*a = stored
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentCols+` FROM agents
		 WHERE organization_id = $1 ORDER BY created_at DESC`, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET runner_id = $3, orchestrator_id = $4, status = $5,
		   progress_percent = $6, current_activity = $7, last_heartbeat = $8,
		   tokens_used = $9, cost_usd = $10, error_count = $11, error_message = $12,
		   workspace_path = $13, standalone = $14, started_at = $15, completed_at = $16,
		   version = version + 1, updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND version = $17`,
		a.ID, orgFromCtx(ctx), nullIfEmpty(a.RunnerID), nullIfEmpty(a.OrchestratorID),
		a.Status, a.ProgressPercent, a.CurrentActivity, nullTime(a.LastHeartbeat),
		a.TokensUsed, a.CostUSD, a.ErrorCount, a.ErrorMessage, a.WorkspacePath,
		a.Standalone, nullTime(a.StartedAt), nullTime(a.CompletedAt), a.Version)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent %s: %w", a.ID, domain.ErrConflict)
	}
	a.Version++
	return nil
}

// ListStaleWorkingAgents runs unscoped: the startup reaper sweeps every
// organization.
func (s *Store) ListStaleWorkingAgents(ctx context.Context, cutoff time.Time) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentCols+` FROM agents
		 WHERE status IN ('initializing', 'working') AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
