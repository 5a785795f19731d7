package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/rollout"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
	"github.com/sibyl-dev/sibyl/internal/port/database"
)

// TaskService is the task intake. Intake is where the rollout gate
// applies: organizations outside the rollout cannot feed work into the
// orchestration pipeline at all.
type TaskService struct {
	store   database.Store
	rollout rollout.Config
	log     *slog.Logger
}

// NewTaskService creates the task service.
func NewTaskService(store database.Store, rcfg rollout.Config, log *slog.Logger) *TaskService {
	return &TaskService{store: store, rollout: rcfg, log: log.With("service", "task")}
}

// CreateTaskRequest is the task intake input.
type CreateTaskRequest struct {
	ProjectID            string   `json:"project_id"`
	Title                string   `json:"title"`
	Priority             int      `json:"priority"`
	Complexity           int      `json:"complexity"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// Validate checks the intake request.
func (r *CreateTaskRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if r.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", domain.ErrValidation)
	}
	return nil
}

// Create accepts a task for the organization, subject to the rollout
// gate. Shadow mode accepts and flags the task; off rejects intake.
func (s *TaskService) Create(ctx context.Context, req *CreateTaskRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	org := orgID(ctx)
	if org == "" {
		return nil, fmt.Errorf("create task: %w", domain.ErrUnauthorized)
	}

	switch mode := rollout.Resolve(s.rollout, org); mode {
	case rollout.ModeOff:
		return nil, fmt.Errorf("%w: orchestration is not enabled for this organization", domain.ErrUnauthorized)
	case rollout.ModeShadow:
		s.log.Info("task accepted in shadow mode", "organization_id", org)
	}

	t := &task.Task{
		ID:                   uuid.NewString(),
		OrganizationID:       org,
		ProjectID:            req.ProjectID,
		Title:                req.Title,
		Priority:             req.Priority,
		Complexity:           req.Complexity,
		RequiredCapabilities: req.RequiredCapabilities,
		Status:               task.StatusQueued,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns the organization's tasks, optionally filtered by project.
func (s *TaskService) List(ctx context.Context, projectID string) ([]task.Task, error) {
	return s.store.ListTasks(ctx, projectID)
}

// Cancel marks a queued task cancelled. Running tasks are cancelled
// through their orchestrator instead.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusQueued {
		return fmt.Errorf("%w: task %s is %s", domain.ErrConflict, id, t.Status)
	}
	return s.store.UpdateTaskStatus(ctx, id, task.StatusCancelled)
}
