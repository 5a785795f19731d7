package postgres

import (
	"context"
	"fmt"

	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

const taskCols = `id, organization_id, project_id, title, priority, complexity,
	required_capabilities, status, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.OrganizationID, &t.ProjectID, &t.Title, &t.Priority,
		&t.Complexity, &t.RequiredCapabilities, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, organization_id, project_id, title, priority, complexity, required_capabilities, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+taskCols,
		t.ID, t.OrganizationID, t.ProjectID, t.Title, t.Priority, t.Complexity,
		pgTextArray(t.RequiredCapabilities), t.Status)

	stored, err := scanTask(row)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	*t = stored
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE organization_id = $1 AND project_id = $2 ORDER BY created_at`,
		orgFromCtx(ctx), projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) ListTasksByID(ctx context.Context, ids []string) (map[string]task.Task, error) {
	if len(ids) == 0 {
		return map[string]task.Task{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE organization_id = $1 AND id = ANY($2)`,
		orgFromCtx(ctx), ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks by id: %w", err)
	}
	defer rows.Close()

	out := make(map[string]task.Task, len(ids))
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, updated_at = now()
		 WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx), status)
	return execExpectOne(tag, err, "update task %s status", id)
}
