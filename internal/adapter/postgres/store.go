// Package postgres implements the database.Store port on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runners ---

const runnerCols = `id, organization_id, name, hostname, capabilities, max_concurrent_agents,
	current_agent_count, status, last_heartbeat, client_version, is_sandbox, sandbox_id,
	version, created_at, updated_at`

func scanRunner(row scannable) (runner.Runner, error) {
	var r runner.Runner
	var heartbeat *time.Time
	var sandboxID *string
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Hostname, &r.Capabilities,
		&r.MaxConcurrentAgents, &r.CurrentAgentCount, &r.Status, &heartbeat,
		&r.ClientVersion, &r.IsSandbox, &sandboxID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return runner.Runner{}, err
	}
	if heartbeat != nil {
		r.LastHeartbeat = *heartbeat
	}
	r.SandboxID = deref(sandboxID)
	return r, nil
}

func (s *Store) ListRunners(ctx context.Context) ([]runner.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerCols+` FROM runners WHERE organization_id = $1 ORDER BY name`,
		orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var runners []runner.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (s *Store) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runnerCols+` FROM runners WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	r, err := scanRunner(row)
	if err != nil {
		return nil, notFoundWrap(err, "get runner %s", id)
	}
	return &r, nil
}

// UpsertRunner inserts the runner or, when a runner with the same name
// already exists in the organization, refreshes its registration in
// place. Re-registration after a restart keeps the original id.
func (s *Store) UpsertRunner(ctx context.Context, r *runner.Runner) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO runners (id, organization_id, name, hostname, capabilities,
		   max_concurrent_agents, current_agent_count, status, last_heartbeat,
		   client_version, is_sandbox, sandbox_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (organization_id, name) DO UPDATE SET
		   hostname = EXCLUDED.hostname,
		   capabilities = EXCLUDED.capabilities,
		   max_concurrent_agents = EXCLUDED.max_concurrent_agents,
		   status = EXCLUDED.status,
		   last_heartbeat = EXCLUDED.last_heartbeat,
		   client_version = EXCLUDED.client_version,
		   is_sandbox = EXCLUDED.is_sandbox,
		   sandbox_id = EXCLUDED.sandbox_id,
		   updated_at = now()
		 RETURNING `+runnerCols,
		r.ID, r.OrganizationID, r.Name, r.Hostname, pgTextArray(r.Capabilities),
		r.MaxConcurrentAgents, r.CurrentAgentCount, r.Status, nullTime(r.LastHeartbeat),
		r.ClientVersion, r.IsSandbox, nullIfEmpty(r.SandboxID))

	stored, err := scanRunner(row)
	if err != nil {
		return fmt.Errorf("upsert runner %s: %w", r.Name, err)
	}
	*r = stored
	return nil
}

func (s *Store) UpdateRunnerStatus(ctx context.Context, id string, status runner.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET status = $3, updated_at = now()
		 WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx), status)
	return execExpectOne(tag, err, "update runner %s status", id)
}

func (s *Store) UpdateRunnerHeartbeat(ctx context.Context, id string, at time.Time, activeSlots int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET last_heartbeat = $3, current_agent_count = $4, updated_at = now()
		 WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx), at, activeSlots)
	return execExpectOne(tag, err, "heartbeat runner %s", id)
}

// AcquireRunnerSlot claims one agent slot with a single conditional
// UPDATE, so concurrent dispatchers cannot oversubscribe the runner
// between heartbeats.
func (s *Store) AcquireRunnerSlot(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET current_agent_count = current_agent_count + 1, updated_at = now()
		 WHERE id = $1 AND organization_id = $2
		   AND current_agent_count < max_concurrent_agents`,
		id, orgFromCtx(ctx))
	if err != nil {
		return false, fmt.Errorf("acquire slot on runner %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseRunnerSlot(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runners SET current_agent_count = GREATEST(current_agent_count - 1, 0), updated_at = now()
		 WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))
	if err != nil {
		return fmt.Errorf("release slot on runner %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runners WHERE id = $1 AND organization_id = $2`, id, orgFromCtx(ctx))
	return execExpectOne(tag, err, "delete runner %s", id)
}

// --- Runner tokens ---

func (s *Store) CreateRunnerToken(ctx context.Context, t *runner.Token) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runner_tokens (id, organization_id, name, token_hash)
		 VALUES ($1, $2, $3, $4)`,
		t.ID, t.OrganizationID, t.Name, t.TokenHash)
	if err != nil {
		return fmt.Errorf("create runner token %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) GetRunnerTokenByHash(ctx context.Context, hash string) (*runner.Token, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, token_hash, created_at, revoked_at
		 FROM runner_tokens WHERE token_hash = $1`, hash)

	var t runner.Token
	var revoked *time.Time
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.TokenHash, &t.CreatedAt, &revoked); err != nil {
		return nil, notFoundWrap(err, "get runner token")
	}
	if revoked != nil {
		t.RevokedAt = *revoked
	}
	if !t.Active() {
		return nil, fmt.Errorf("runner token %s is revoked: %w", t.ID, domain.ErrUnauthorized)
	}
	return &t, nil
}

func (s *Store) RevokeRunnerToken(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runner_tokens SET revoked_at = $3
		 WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`,
		id, orgFromCtx(ctx), at)
	return execExpectOne(tag, err, "revoke runner token %s", id)
}

// --- Warm workspaces ---

const workspaceCols = `runner_id, project_id, workspace_path, workspace_branch, last_used_at`

func scanWorkspace(row scannable) (runner.Project, error) {
	var p runner.Project
	err := row.Scan(&p.RunnerID, &p.ProjectID, &p.WorkspacePath, &p.WorkspaceBranch, &p.LastUsedAt)
	return p, err
}

func (s *Store) ListWarmWorkspaces(ctx context.Context) ([]runner.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM runner_workspaces
		 WHERE organization_id = $1 ORDER BY last_used_at DESC`, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list warm workspaces: %w", err)
	}
	defer rows.Close()

	var out []runner.Project
	for rows.Next() {
		p, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListRunnerWorkspaces(ctx context.Context, runnerID string) ([]runner.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceCols+` FROM runner_workspaces
		 WHERE organization_id = $1 AND runner_id = $2 ORDER BY last_used_at DESC`,
		orgFromCtx(ctx), runnerID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces for runner %s: %w", runnerID, err)
	}
	defer rows.Close()

	var out []runner.Project
	for rows.Next() {
		p, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertWarmWorkspace(ctx context.Context, p *runner.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runner_workspaces (organization_id, runner_id, project_id, workspace_path, workspace_branch, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (runner_id, project_id) DO UPDATE SET
		   workspace_path = EXCLUDED.workspace_path,
		   workspace_branch = EXCLUDED.workspace_branch,
		   last_used_at = EXCLUDED.last_used_at`,
		orgFromCtx(ctx), p.RunnerID, p.ProjectID, p.WorkspacePath, p.WorkspaceBranch, p.LastUsedAt)
	if err != nil {
		return fmt.Errorf("upsert workspace %s/%s: %w", p.RunnerID, p.ProjectID, err)
	}
	return nil
}

func (s *Store) DeleteRunnerWorkspaces(ctx context.Context, runnerID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM runner_workspaces WHERE organization_id = $1 AND runner_id = $2`,
		orgFromCtx(ctx), runnerID)
	if err != nil {
		return fmt.Errorf("delete workspaces for runner %s: %w", runnerID, err)
	}
	return nil
}
