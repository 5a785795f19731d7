package service

import (
	"errors"
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

func TestSpawnStandaloneClosesTaskOnCompletion(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", nil, 4, 0)
	seedTask(env.store, "t1", "proj-1", nil)

	var assigned ws.TaskAssignPayload
	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		assigned = p
		_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
	}

	a, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t1", Prompt: "fix the flaky test"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.RunnerID != "runner-a" || !a.Standalone {
		t.Errorf("unexpected spawn result: %+v", a)
	}
	if assigned.Prompt != "fix the flaky test" {
		t.Errorf("prompt must reach the runner, got %q", assigned.Prompt)
	}
	running, _ := env.store.GetTask(ctx, "t1")
	if running.Status != task.StatusRunning {
		t.Errorf("expected running task, got %s", running.Status)
	}

	// A standalone agent closes its task directly; there is no
	// orchestrator to do it.
	if err := env.deliver("runner-a", ws.TypeTaskComplete, ws.TaskCompletePayload{
		TaskID: "t1", AgentID: a.ID, Success: true, TokensUsed: 500, CostUSD: 0.12,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cur, _ := env.agents.Get(ctx, a.ID)
	if cur.Status != agent.StatusCompleted || cur.CostUSD != 0.12 {
		t.Errorf("unexpected final agent: %s cost=%.2f", cur.Status, cur.CostUSD)
	}
	closed, _ := env.store.GetTask(ctx, "t1")
	if closed.Status != task.StatusCompleted {
		t.Errorf("expected completed task, got %s", closed.Status)
	}
}

func TestSpawnOccupiesSlotUntilCompletion(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", nil, 1, 0)
	seedTask(env.store, "t1", "proj-1", nil)
	seedTask(env.store, "t2", "proj-1", nil)
	seedTask(env.store, "t3", "proj-1", nil)

	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
	}

	a, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t1", Prompt: "x"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	r, _ := env.registry.Get(ctx, "runner-a")
	if r.CurrentAgentCount != 1 {
		t.Fatalf("dispatch must claim the slot immediately, got count %d", r.CurrentAgentCount)
	}

	// The single slot is taken; no heartbeat has reported it, yet a
	// second task may not land on the runner.
	if _, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t2", Prompt: "y"}); err == nil {
		t.Fatal("expected spawn to fail with the only slot taken")
	}
	if env.link.countSent(ws.TypeTaskAssign) != 1 {
		t.Errorf("expected exactly one task_assign, got %d", env.link.countSent(ws.TypeTaskAssign))
	}

	if err := env.deliver("runner-a", ws.TypeTaskComplete, ws.TaskCompletePayload{
		TaskID: "t1", AgentID: a.ID, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	r, _ = env.registry.Get(ctx, "runner-a")
	if r.CurrentAgentCount != 0 {
		t.Fatalf("completion must return the slot, got count %d", r.CurrentAgentCount)
	}

	if _, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t3", Prompt: "z"}); err != nil {
		t.Fatalf("spawn after release: %v", err)
	}
}

func TestDispatchReturnsSlotOnMissedAck(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", nil, 2, 0)
	seedTask(env.store, "t1", "proj-1", nil)

	// The runner receives the assign but never acknowledges it.
	env.link.onAssign = func(string, ws.TaskAssignPayload) {}

	if _, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t1", Prompt: "x"}); err == nil {
		t.Fatal("expected spawn to fail when the runner stays silent")
	}
	r, _ := env.registry.Get(ctx, "runner-a")
	if r.CurrentAgentCount != 0 {
		t.Fatalf("missed ack must return the claimed slot, got count %d", r.CurrentAgentCount)
	}
}

func TestSpawnRejectsNonQueuedTask(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedTask(env.store, "t1", "proj-1", nil)
	if err := env.store.UpdateTaskStatus(ctx, "t1", task.StatusRunning); err != nil {
		t.Fatal(err)
	}

	_, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t1", Prompt: "x"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for running task, got %v", err)
	}
}

func TestSpawnMarksAgentFailedWhenFleetEmpty(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedTask(env.store, "t1", "proj-1", nil)

	if _, err := env.agents.Spawn(ctx, &SpawnRequest{TaskID: "t1", Prompt: "x"}); err == nil {
		t.Fatal("expected spawn to fail with no runners")
	}
	list, err := env.agents.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != agent.StatusFailed {
		t.Errorf("dispatch failure must leave a failed agent record, got %v", list)
	}
}

func TestStopSendsCancelAndTerminatesAfterGrace(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", nil, 4, 1)
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())
	env.store.mu.Lock()
	a := env.store.agents["a1"]
	a.RunnerID = "runner-a"
	env.store.agents["a1"] = a
	env.store.mu.Unlock()

	if err := env.agents.Stop(ctx, "a1", "operator request"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if env.link.countSent(ws.TypeAgentCancel) != 1 {
		t.Error("expected one agent_cancel to the runner")
	}
	// The runner never confirms; the grace timer forces the terminal state.
	if !waitFor(2*time.Second, func() bool {
		cur, err := env.agents.Get(ctx, "a1")
		return err == nil && cur.Status == agent.StatusTerminated
	}) {
		t.Fatal("agent never terminated after the grace period")
	}

	if err := env.agents.Stop(ctx, "a1", "again"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict stopping a terminal agent, got %v", err)
	}
}

func TestPromoteHandsAgentToOrchestrator(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())
	env.store.mu.Lock()
	a := env.store.agents["a1"]
	a.Standalone = true
	env.store.agents["a1"] = a
	env.store.mu.Unlock()

	promoted, err := env.agents.Promote(ctx, "a1", "orch-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.OrchestratorID != "orch-1" || promoted.Standalone {
		t.Errorf("unexpected promoted agent: %+v", promoted)
	}

	if _, err := env.agents.Promote(ctx, "a1", "orch-2"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict promoting a managed agent, got %v", err)
	}
}

func TestDemoteReturnsAgentToStandalone(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())
	env.store.mu.Lock()
	a := env.store.agents["a1"]
	a.Standalone = true
	env.store.agents["a1"] = a
	env.store.mu.Unlock()

	if _, err := env.agents.Promote(ctx, "a1", "orch-1"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	demoted, err := env.agents.Demote(ctx, "a1")
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if demoted.OrchestratorID != "" || !demoted.Standalone {
		t.Errorf("unexpected demoted agent: %+v", demoted)
	}

	if _, err := env.agents.Demote(ctx, "a1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict demoting an unmanaged agent, got %v", err)
	}
}
