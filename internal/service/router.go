package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/routing"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
)

// RouterService turns the pure routing function into a fleet decision:
// it assembles live candidates and warm-workspace affinity, scores them,
// and records the outcome.
type RouterService struct {
	registry *RegistryService
	events   *Events
	metrics  *otel.Metrics
	log      *slog.Logger
}

// NewRouterService creates the task router.
func NewRouterService(registry *RegistryService, events *Events, metrics *otel.Metrics, log *slog.Logger) *RouterService {
	return &RouterService{
		registry: registry,
		events:   events,
		metrics:  metrics,
		log:      log.With("service", "router"),
	}
}

// Route selects a runner for the task. exclude removes runners that
// already failed to acknowledge this task; preferredID applies the
// caller's placement hint. The full scored result is returned either
// way so the decision can be explained.
func (s *RouterService) Route(ctx context.Context, t *task.Task, preferredID string, exclude []string) (*routing.Result, error) {
	ctx, span := otel.StartRouteSpan(ctx, t.ID, t.ProjectID)
	defer span.End()

	candidates, err := s.registry.ListAvailable(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("route task %s: %w", t.ID, err)
	}

	warm, err := s.warmForProject(ctx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("route task %s: %w", t.ID, err)
	}

	res := routing.Route(t, candidates, warm, preferredID, time.Now().UTC())
	if res.Succeeded() {
		span.SetAttributes(attribute.String("runner.id", res.Selected))
		if s.metrics != nil {
			s.metrics.TasksRouted.Add(ctx, 1)
		}
		s.events.Publish(ctx, t.OrganizationID, messagequeue.SubjectTaskRouted, ws.TaskRoutedEvent{
			TaskID: t.ID, RunnerID: res.Selected,
		})
		s.log.Info("task routed", "task_id", t.ID, "runner_id", res.Selected,
			"score", res.Scores[0].Total, "candidates", len(candidates))
		return &res, nil
	}

	if s.metrics != nil {
		s.metrics.RoutingFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", string(res.Failure))))
	}
	s.events.Publish(ctx, t.OrganizationID, messagequeue.SubjectTaskUnroutable, ws.TaskUnroutableEvent{
		TaskID: t.ID, Reason: string(res.Failure),
	})
	s.log.Warn("task unroutable", "task_id", t.ID, "reason", res.Failure,
		"candidates", len(candidates))
	return &res, fmt.Errorf("route task %s: %s: %w", t.ID, res.Failure, domain.ErrCapacity)
}

// Scores returns the full ranked breakdown for a task without routing
// it: no events, no metrics, purely diagnostic.
func (s *RouterService) Scores(ctx context.Context, t *task.Task) (*routing.Result, error) {
	candidates, err := s.registry.ListAvailable(ctx, nil)
	if err != nil {
		return nil, err
	}
	warm, err := s.warmForProject(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	res := routing.Route(t, candidates, warm, "", time.Now().UTC())
	return &res, nil
}

// warmForProject reduces the org-wide warm map to runnerID keys for one
// project, the shape the scorer consumes.
func (s *RouterService) warmForProject(ctx context.Context, projectID string) (map[string]runner.Project, error) {
	all, err := s.registry.WarmWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	warm := make(map[string]runner.Project)
	for _, p := range all {
		if p.ProjectID == projectID {
			warm[p.RunnerID] = p
		}
	}
	return warm, nil
}
