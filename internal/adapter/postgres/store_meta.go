package postgres

import (
	"context"
	"fmt"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
)

const metaCols = `id, organization_id, project_id, status, strategy, task_queue,
	active_orchestrators, max_concurrent, budget_usd, spent_usd, tasks_completed,
	tasks_failed, total_rework_cycles, version, created_at, updated_at`

func scanMeta(row scannable) (orchestrator.Meta, error) {
	var m orchestrator.Meta
	err := row.Scan(&m.ID, &m.OrganizationID, &m.ProjectID, &m.Status, &m.Strategy,
		&m.TaskQueue, &m.ActiveOrchestrators, &m.MaxConcurrent, &m.BudgetUSD,
		&m.SpentUSD, &m.TasksCompleted, &m.TasksFailed, &m.TotalReworkCycles,
		&m.Version, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) CreateMeta(ctx context.Context, m *orchestrator.Meta) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO meta_orchestrators (id, organization_id, project_id, status, strategy,
		   task_queue, active_orchestrators, max_concurrent, budget_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+metaCols,
		m.ID, m.OrganizationID, m.ProjectID, m.Status, m.Strategy,
		pgTextArray(m.TaskQueue), pgTextArray(m.ActiveOrchestrators),
		m.MaxConcurrent, m.BudgetUSD)

	stored, err := scanMeta(row)
	if err != nil {
		return fmt.Errorf("create meta orchestrator: %w", err)
	}
	*m = stored
	return nil
}

func (s *Store) GetMeta(ctx context.Context, id string) (*orchestrator.Meta, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+metaCols+` FROM meta_orchestrators WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	m, err := scanMeta(row)
	if err != nil {
		return nil, notFoundWrap(err, "get meta orchestrator %s", id)
	}
	return &m, nil
}

func (s *Store) GetMetaByProject(ctx context.Context, projectID string) (*orchestrator.Meta, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+metaCols+` FROM meta_orchestrators
		 WHERE organization_id = $1 AND project_id = $2`,
		orgFromCtx(ctx), projectID)

	m, err := scanMeta(row)
	if err != nil {
		return nil, notFoundWrap(err, "get meta orchestrator for project %s", projectID)
	}
	return &m, nil
}

func (s *Store) ListMetas(ctx context.Context) ([]orchestrator.Meta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+metaCols+` FROM meta_orchestrators
		 WHERE organization_id = $1 ORDER BY created_at DESC`, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list meta orchestrators: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meta orchestrator: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMeta(ctx context.Context, m *orchestrator.Meta) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meta_orchestrators SET status = $3, strategy = $4, task_queue = $5,
		   active_orchestrators = $6, max_concurrent = $7, budget_usd = $8, spent_usd = $9,
		   tasks_completed = $10, tasks_failed = $11, total_rework_cycles = $12,
		   version = version + 1, updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND version = $13`,
		m.ID, orgFromCtx(ctx), m.Status, m.Strategy, pgTextArray(m.TaskQueue),
		pgTextArray(m.ActiveOrchestrators), m.MaxConcurrent, m.BudgetUSD, m.SpentUSD,
		m.TasksCompleted, m.TasksFailed, m.TotalReworkCycles, m.Version)
	if err != nil {
		return fmt.Errorf("update meta orchestrator %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update meta orchestrator %s: %w", m.ID, domain.ErrConflict)
	}
	m.Version++
	return nil
}
