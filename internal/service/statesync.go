package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/principal"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/statestore"
	"github.com/sibyl-dev/sibyl/internal/resilience"
)

// Synchronizer mirrors hot entity state into the KV state store so a
// restarted control plane (or a read-only peer) can inspect the fleet
// without hitting Postgres. Postgres stays the source of truth; every
// mirror write is best-effort behind a circuit breaker.
type Synchronizer struct {
	kv      statestore.StateStore
	breaker *resilience.Breaker
	log     *slog.Logger
}

// NewSynchronizer creates the state mirror.
func NewSynchronizer(kv statestore.StateStore, log *slog.Logger) *Synchronizer {
	return &Synchronizer{
		kv:      kv,
		breaker: resilience.NewBreaker(5, 30*time.Second),
		log:     log.With("component", "statesync"),
	}
}

// MirrorRunner writes the runner record to the mirror.
func (s *Synchronizer) MirrorRunner(ctx context.Context, r *runner.Runner) {
	s.put(ctx, "runner."+r.ID, r)
}

// MirrorAgent writes the agent record to the mirror.
func (s *Synchronizer) MirrorAgent(ctx context.Context, a *agent.Agent) {
	s.put(ctx, "agent."+a.ID, a)
}

// MirrorOrchestrator writes the orchestrator record to the mirror.
func (s *Synchronizer) MirrorOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) {
	s.put(ctx, "orch."+o.ID, o)
}

// DropRunner removes a deleted runner from the mirror.
func (s *Synchronizer) DropRunner(ctx context.Context, id string) {
	s.delete(ctx, "runner."+id)
}

// DropAgent removes a terminal agent from the mirror.
func (s *Synchronizer) DropAgent(ctx context.Context, id string) {
	s.delete(ctx, "agent."+id)
}

// DropOrchestrator removes a terminal orchestrator from the mirror.
func (s *Synchronizer) DropOrchestrator(ctx context.Context, id string) {
	s.delete(ctx, "orch."+id)
}

func (s *Synchronizer) put(ctx context.Context, key string, v any) {
	if s == nil || s.kv == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal mirror entry", "key", key, "error", err)
		return
	}
	err = s.breaker.Execute(func() error {
		return s.kv.Put(ctx, key, data)
	})
	if err != nil {
		s.log.Warn("mirror write skipped", "key", key, "error", err)
	}
}

func (s *Synchronizer) delete(ctx context.Context, key string) {
	if s == nil || s.kv == nil {
		return
	}
	err := s.breaker.Execute(func() error {
		return s.kv.Delete(ctx, key)
	})
	if err != nil {
		s.log.Warn("mirror delete skipped", "key", key, "error", err)
	}
}

// ReapStaleAgents fails agents that claim to be working but have not
// been heard from since the cutoff. It runs once at boot, after
// migrations, to clean up after a crashed process, and then
// periodically from the sweeper. Runners re-register on reconnect, so
// their records are left alone.
func ReapStaleAgents(ctx context.Context, store database.Store, staleAfter time.Duration, log *slog.Logger) error {
	cutoff := time.Now().UTC().Add(-staleAfter)
	stale, err := store.ListStaleWorkingAgents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reap stale agents: %w", err)
	}
	for i := range stale {
		a := &stale[i]
		a.Status = agent.StatusFailed
		a.ErrorMessage = string(orchestrator.CauseWorkerCrashed)
		a.CompletedAt = time.Now().UTC()
		// Agent updates are org-scoped; sweep across orgs by adopting
		// each agent's own scope.
		scoped := middleware.WithPrincipal(ctx, &principal.Principal{
			OrganizationID: a.OrganizationID,
			Role:           principal.RoleAdmin,
		})
		if err := store.UpdateAgent(scoped, a); err != nil {
			log.Warn("reap stale agent", "agent_id", a.ID, "error", err)
			continue
		}
		if a.RunnerID != "" {
			if err := store.ReleaseRunnerSlot(scoped, a.RunnerID); err != nil {
				log.Warn("release slot of reaped agent", "runner_id", a.RunnerID, "error", err)
			}
		}
		log.Info("stale agent failed", "agent_id", a.ID, "task_id", a.TaskID)
	}
	return nil
}

// scopeFor builds a background context carrying the given organization.
// Sweep loops and gateway callbacks use it where no request context exists.
func scopeFor(ctx context.Context, orgID string) context.Context {
	return middleware.WithPrincipal(ctx, &principal.Principal{
		OrganizationID: orgID,
		Role:           principal.RoleAdmin,
	})
}
