package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
)

// defaultGateConfig applies to orchestrators the meta layer spawns.
// Direct orchestrator creation picks its own gates.
var defaultGateConfig = []gate.Kind{gate.KindLint, gate.KindTest}

// tickRetries bounds optimistic-lock retries on the meta record.
const tickRetries = 3

// MetaService is the per-project queue consumer: it dequeues tasks
// under a strategy, spawns task orchestrators up to the concurrency
// cap, and enforces the monetary budget.
type MetaService struct {
	store  database.Store
	orch   *OrchestratorService
	events *Events
	cfg    config.Orchestrator
	log    *slog.Logger
}

// NewMetaService creates the meta orchestrator service and hooks child
// completion back into the dequeue loop.
func NewMetaService(store database.Store, orch *OrchestratorService, events *Events, cfg config.Orchestrator, log *slog.Logger) *MetaService {
	s := &MetaService{
		store:  store,
		orch:   orch,
		events: events,
		cfg:    cfg,
		log:    log.With("service", "meta"),
	}
	orch.OnFinished(s.onChildFinished)
	return s
}

// GetOrCreate returns the project's meta orchestrator, creating an idle
// one on first use.
func (s *MetaService) GetOrCreate(ctx context.Context, projectID string) (*orchestrator.Meta, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	m, err := s.store.GetMetaByProject(ctx, projectID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	m = &orchestrator.Meta{
		ID:             uuid.NewString(),
		OrganizationID: orgID(ctx),
		ProjectID:      projectID,
		Status:         orchestrator.MetaIdle,
		Strategy:       orchestrator.StrategyParallel,
		MaxConcurrent:  s.cfg.MaxConcurrent,
	}
	if err := s.store.CreateMeta(ctx, m); err != nil {
		// Lost a create race; the winner's record is the one.
		if errors.Is(err, domain.ErrConflict) {
			return s.store.GetMetaByProject(ctx, projectID)
		}
		return nil, err
	}
	return m, nil
}

// Get returns one meta orchestrator.
func (s *MetaService) Get(ctx context.Context, id string) (*orchestrator.Meta, error) {
	return s.store.GetMeta(ctx, id)
}

// List returns all meta orchestrators of the organization.
func (s *MetaService) List(ctx context.Context) ([]orchestrator.Meta, error) {
	return s.store.ListMetas(ctx)
}

// QueueTasks appends tasks to the queue and kicks the dequeue loop.
func (s *MetaService) QueueTasks(ctx context.Context, id string, taskIDs []string) (*orchestrator.Meta, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("%w: no task ids", domain.ErrValidation)
	}
	m, err := s.mutate(ctx, id, func(m *orchestrator.Meta) error {
		queued := make(map[string]bool, len(m.TaskQueue))
		for _, tid := range m.TaskQueue {
			queued[tid] = true
		}
		for _, tid := range taskIDs {
			if !queued[tid] {
				m.TaskQueue = append(m.TaskQueue, tid)
			}
		}
		if m.Status == orchestrator.MetaIdle || m.Status == orchestrator.MetaComplete {
			m.Status = orchestrator.MetaRunning
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Tick(ctx, id)
	return m, nil
}

// SetStrategy updates the consumption strategy.
func (s *MetaService) SetStrategy(ctx context.Context, id string, req *orchestrator.SetStrategyRequest) (*orchestrator.Meta, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, err := s.mutate(ctx, id, func(m *orchestrator.Meta) error {
		m.Strategy = req.Strategy
		m.MaxConcurrent = req.MaxConcurrent
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Tick(ctx, id)
	return m, nil
}

// SetBudget updates the spend ceiling. Zero removes the budget.
func (s *MetaService) SetBudget(ctx context.Context, id string, budgetUSD float64) (*orchestrator.Meta, error) {
	if budgetUSD < 0 {
		return nil, fmt.Errorf("%w: budget_usd must be >= 0", domain.ErrValidation)
	}
	m, err := s.mutate(ctx, id, func(m *orchestrator.Meta) error {
		m.BudgetUSD = budgetUSD
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Tick(ctx, id)
	return m, nil
}

// Pause halts dequeuing. Active orchestrators run to completion.
func (s *MetaService) Pause(ctx context.Context, id string) (*orchestrator.Meta, error) {
	return s.mutate(ctx, id, func(m *orchestrator.Meta) error {
		if m.Status != orchestrator.MetaRunning && m.Status != orchestrator.MetaIdle {
			return fmt.Errorf("%w: meta %s is %s", domain.ErrConflict, id, m.Status)
		}
		m.Status = orchestrator.MetaPaused
		return nil
	})
}

// Resume restarts dequeuing after a pause, including a budget pause
// once the operator raised or cleared the budget.
func (s *MetaService) Resume(ctx context.Context, id string) (*orchestrator.Meta, error) {
	m, err := s.mutate(ctx, id, func(m *orchestrator.Meta) error {
		if m.Status != orchestrator.MetaPaused {
			return fmt.Errorf("%w: meta %s is %s", domain.ErrConflict, id, m.Status)
		}
		m.Status = orchestrator.MetaRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Tick(ctx, id)
	return m, nil
}

// Tick runs one dequeue pass: spawn orchestrators while the strategy
// cap, the queue, and the budget allow it.
func (s *MetaService) Tick(ctx context.Context, id string) {
	for attempt := 0; attempt < tickRetries; attempt++ {
		err := s.tick(ctx, id)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrConflict) {
			s.log.Error("meta tick", "meta_id", id, "error", err)
			return
		}
	}
	s.log.Warn("meta tick contended", "meta_id", id)
}

func (s *MetaService) tick(ctx context.Context, id string) error {
	m, err := s.store.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != orchestrator.MetaRunning {
		return nil
	}
	if len(m.TaskQueue) == 0 {
		if len(m.ActiveOrchestrators) == 0 {
			m.Status = orchestrator.MetaComplete
			return s.store.UpdateMeta(ctx, m)
		}
		return nil
	}

	ordered, err := s.orderedQueue(ctx, m)
	if err != nil {
		return err
	}

	var spawned []string
	for len(m.ActiveOrchestrators)+len(spawned) < m.EffectiveConcurrency() && len(ordered) > 0 {
		if !m.WithinBudget(s.cfg.PerTaskEstimate) {
			m.Status = orchestrator.MetaPaused
			if err := s.store.UpdateMeta(ctx, m); err != nil {
				return err
			}
			s.events.Publish(ctx, m.OrganizationID, messagequeue.SubjectBudgetPaused, ws.BudgetPausedEvent{
				MetaID: m.ID, ProjectID: m.ProjectID,
				BudgetUSD: m.BudgetUSD, SpentUSD: m.SpentUSD,
			})
			s.log.Warn("meta paused on budget", "meta_id", m.ID,
				"budget_usd", m.BudgetUSD, "spent_usd", m.SpentUSD)
			return nil
		}

		taskID := ordered[0]
		ordered = ordered[1:]
		m.TaskQueue = removeID(m.TaskQueue, taskID)

		o, err := s.orch.Create(ctx, &orchestrator.CreateRequest{
			ProjectID:         m.ProjectID,
			TaskID:            taskID,
			GateConfig:        defaultGateConfig,
			MaxReworkAttempts: s.cfg.MaxReworkAttempts,
		})
		if err != nil {
			s.log.Warn("meta spawn orchestrator", "meta_id", m.ID, "task_id", taskID, "error", err)
			continue
		}
		spawned = append(spawned, o.ID)
	}

	m.ActiveOrchestrators = append(m.ActiveOrchestrators, spawned...)
	if err := s.store.UpdateMeta(ctx, m); err != nil {
		return err
	}

	// Start only after the queue state is durable, so a crash between
	// the two leaves a restartable pending orchestrator.
	for _, oid := range spawned {
		if err := s.orch.Start(ctx, oid); err != nil {
			s.log.Error("meta start orchestrator", "meta_id", m.ID, "orchestrator_id", oid, "error", err)
		}
	}
	return nil
}

// onChildFinished folds a terminal orchestrator into the aggregates and
// frees its concurrency slot.
func (s *MetaService) onChildFinished(ctx context.Context, o *orchestrator.TaskOrchestrator) {
	m, err := s.store.GetMetaByProject(ctx, o.ProjectID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("load meta for finished child", "project_id", o.ProjectID, "error", err)
		}
		return
	}
	if !containsID(m.ActiveOrchestrators, o.ID) {
		return
	}

	_, err = s.mutate(ctx, m.ID, func(m *orchestrator.Meta) error {
		m.ActiveOrchestrators = removeID(m.ActiveOrchestrators, o.ID)
		m.SpentUSD += o.CostUSD
		m.TotalReworkCycles += o.ReworkCount
		if o.Status == orchestrator.StatusComplete {
			m.TasksCompleted++
		} else {
			m.TasksFailed++
		}
		return nil
	})
	if err != nil {
		s.log.Error("record finished child", "meta_id", m.ID, "orchestrator_id", o.ID, "error", err)
		return
	}
	s.Tick(ctx, m.ID)
}

// mutate applies fn under optimistic locking with bounded retries.
func (s *MetaService) mutate(ctx context.Context, id string, fn func(*orchestrator.Meta) error) (*orchestrator.Meta, error) {
	var lastErr error
	for attempt := 0; attempt < tickRetries; attempt++ {
		m, err := s.store.GetMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		if err := s.store.UpdateMeta(ctx, m); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lastErr = err
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return nil, err
		}
		return m, nil
	}
	return nil, lastErr
}

func (s *MetaService) orderedQueue(ctx context.Context, m *orchestrator.Meta) ([]string, error) {
	if m.Strategy != orchestrator.StrategyPriority {
		return m.OrderQueue(nil), nil
	}
	tasks, err := s.store.ListTasksByID(ctx, m.TaskQueue)
	if err != nil {
		return nil, err
	}
	return m.OrderQueue(tasks), nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
