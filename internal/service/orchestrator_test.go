package service

import (
	"errors"
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

func createStartedOrchestrator(t *testing.T, env *testEnv, gates []gate.Kind) *orchestrator.TaskOrchestrator {
	t.Helper()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", []string{"python"}, 4, 0)
	seedTask(env.store, "t1", "proj-1", nil)

	o, err := env.orch.Create(ctx, &orchestrator.CreateRequest{
		ProjectID:         "proj-1",
		TaskID:            "t1",
		GateConfig:        gates,
		MaxReworkAttempts: env.orchCfg.MaxReworkAttempts,
	})
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	if err := env.orch.Start(ctx, o.ID); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	return o
}

func TestOrchestratorHappyPath(t *testing.T) {
	env := newTestEnv()
	env.scriptWorker(true, 0.5)
	env.scriptGates(passingGates)

	createStartedOrchestrator(t, env, []gate.Kind{gate.KindLint, gate.KindTest})
	done := env.waitFinished(t)

	if done.Status != orchestrator.StatusComplete || done.Phase != orchestrator.PhaseComplete {
		t.Fatalf("expected complete, got %s/%s", done.Phase, done.Status)
	}
	if done.ReworkCount != 0 {
		t.Errorf("expected no rework, got %d", done.ReworkCount)
	}
	if done.TokensUsed != 100 || done.CostUSD != 0.5 {
		t.Errorf("expected accumulated usage, got %d tokens / %.2f usd", done.TokensUsed, done.CostUSD)
	}
	stored, _ := env.store.GetTask(testCtx(), "t1")
	if stored.Status != task.StatusCompleted {
		t.Errorf("expected task completed, got %s", stored.Status)
	}
}

func TestOrchestratorReworkLimit(t *testing.T) {
	env := newTestEnv()
	env.scriptWorker(true, 0.5)
	env.scriptGates(failingGates)

	createStartedOrchestrator(t, env, []gate.Kind{gate.KindLint})
	done := env.waitFinished(t)

	if done.Status != orchestrator.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.FailureCause != orchestrator.CauseReworkLimit {
		t.Errorf("expected cause rework_limit, got %s", done.FailureCause)
	}
	if done.ReworkCount != env.orchCfg.MaxReworkAttempts {
		t.Errorf("expected %d rework cycles, got %d", env.orchCfg.MaxReworkAttempts, done.ReworkCount)
	}
	// Initial attempt plus one per rework cycle.
	wantAttempts := env.orchCfg.MaxReworkAttempts + 1
	if got := env.link.countSent(ws.TypeTaskAssign); got != wantAttempts {
		t.Errorf("expected %d implement attempts, got %d", wantAttempts, got)
	}
	stored, _ := env.store.GetTask(testCtx(), "t1")
	if stored.Status != task.StatusFailed {
		t.Errorf("expected task failed, got %s", stored.Status)
	}
}

func TestOrchestratorReworkFeedbackReachesPrompt(t *testing.T) {
	env := newTestEnv()

	var prompts []string
	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		prompts = append(prompts, p.Prompt)
		_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
		_ = env.deliver(runnerID, ws.TypeTaskComplete, ws.TaskCompletePayload{
			TaskID: p.TaskID, AgentID: p.AgentID, Success: true,
		})
	}
	// Fail the first gate run, pass afterwards.
	runs := 0
	env.scriptGates(func(p ws.GateRunPayload) []gate.Result {
		runs++
		if runs == 1 {
			return failingGates(p)
		}
		return passingGates(p)
	})

	createStartedOrchestrator(t, env, []gate.Kind{gate.KindLint})
	done := env.waitFinished(t)

	if done.Status != orchestrator.StatusComplete {
		t.Fatalf("expected complete after one rework, got %s", done.Status)
	}
	if done.ReworkCount != 1 {
		t.Errorf("expected 1 rework, got %d", done.ReworkCount)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 implement prompts, got %d", len(prompts))
	}
	if prompts[0] == prompts[1] {
		t.Error("rework prompt should carry the gate feedback")
	}
}

func TestOrchestratorReviewRejectThenApprove(t *testing.T) {
	env := newTestEnv()
	env.scriptWorker(true, 0.1)
	env.scriptGates(passingGates)

	ctx := testCtx()
	o := createStartedOrchestrator(t, env, []gate.Kind{gate.KindLint, gate.KindHumanReview})

	waitingReview := func() bool {
		cur, err := env.store.GetOrchestrator(ctx, o.ID)
		return err == nil && cur.Status == orchestrator.StatusWaitingReview
	}
	if !waitFor(3*time.Second, waitingReview) {
		t.Fatal("orchestrator never reached waiting-review")
	}

	// Rejection without feedback is invalid.
	if err := env.orch.SubmitReview(ctx, o.ID, false, "", "user-1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty feedback, got %v", err)
	}
	if err := env.orch.SubmitReview(ctx, o.ID, false, "rename the helper", "user-1"); err != nil {
		t.Fatalf("submit rejection: %v", err)
	}

	// Wait for the rework cycle to land back in review before approving,
	// so the verdict cannot race the previous decision.
	if !waitFor(3*time.Second, func() bool {
		cur, err := env.store.GetOrchestrator(ctx, o.ID)
		return err == nil && cur.ReworkCount == 1 && cur.Status == orchestrator.StatusWaitingReview
	}) {
		t.Fatal("orchestrator never returned to review after rework")
	}
	if err := env.orch.SubmitReview(ctx, o.ID, true, "", "user-2"); err != nil {
		t.Fatalf("submit approval: %v", err)
	}

	done := env.waitFinished(t)
	if done.Status != orchestrator.StatusComplete {
		t.Fatalf("expected complete, got %s", done.Status)
	}
	if done.ReworkCount != 1 {
		t.Errorf("expected 1 rework from the rejection, got %d", done.ReworkCount)
	}
	if done.ReviewerID != "user-2" {
		t.Errorf("expected approving reviewer recorded, got %q", done.ReviewerID)
	}
}

func TestOrchestratorFailsWhenFleetEmpty(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedTask(env.store, "t1", "proj-1", nil)

	o, err := env.orch.Create(ctx, &orchestrator.CreateRequest{ProjectID: "proj-1", TaskID: "t1"})
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	if err := env.orch.Start(ctx, o.ID); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}

	done := env.waitFinished(t)
	if done.Status != orchestrator.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.FailureCause != orchestrator.CauseRunnerUnavailable {
		t.Errorf("expected cause runner_unavailable, got %s", done.FailureCause)
	}
}

func TestOrchestratorCancelStopsWorker(t *testing.T) {
	env := newTestEnv()
	// Ack but never complete: the worker parks waiting for the outcome.
	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
	}

	ctx := testCtx()
	o := createStartedOrchestrator(t, env, nil)

	if !waitFor(3*time.Second, func() bool {
		cur, err := env.store.GetOrchestrator(ctx, o.ID)
		if err != nil || cur.CurrentWorkerID == "" {
			return false
		}
		a, err := env.store.GetAgent(ctx, cur.CurrentWorkerID)
		return err == nil && a.RunnerID != ""
	}) {
		t.Fatal("worker agent was never recorded")
	}

	if err := env.orch.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	done := env.waitFinished(t)
	if done.Status != orchestrator.StatusCancelled || done.FailureCause != orchestrator.CauseCancelled {
		t.Fatalf("expected cancelled, got %s cause %s", done.Status, done.FailureCause)
	}
	if env.link.countSent(ws.TypeAgentCancel) == 0 {
		t.Error("expected an agent_cancel sent to the runner")
	}
	stored, _ := env.store.GetTask(ctx, "t1")
	if stored.Status != task.StatusCancelled {
		t.Errorf("expected task cancelled, got %s", stored.Status)
	}

	// Cancelling a terminal orchestrator conflicts.
	if err := env.orch.Cancel(ctx, o.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestOrchestratorCreateRequiresQueuedTask(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedTask(env.store, "t1", "proj-1", nil)
	if err := env.store.UpdateTaskStatus(ctx, "t1", task.StatusRunning); err != nil {
		t.Fatal(err)
	}

	_, err := env.orch.Create(ctx, &orchestrator.CreateRequest{ProjectID: "proj-1", TaskID: "t1"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for running task, got %v", err)
	}
}

func TestDispatcherReroutesAfterMissingAck(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()

	seedRunner(env.store, "runner-a", nil, 4, 0)
	seedRunner(env.store, "runner-b", nil, 4, 0)
	tk := seedTask(env.store, "t1", "proj-1", nil)

	// runner-a swallows the assignment; runner-b acknowledges.
	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		if runnerID == "runner-b" {
			_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID})
		}
	}

	got, err := env.dispatch.Dispatch(ctx, &tk, "agent-1", "do it", "", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got != "runner-b" {
		t.Errorf("expected fallback to runner-b, got %s", got)
	}
	if n := env.link.countSent(ws.TypeTaskAssign); n != 2 {
		t.Errorf("expected 2 assignment attempts, got %d", n)
	}
}

func TestDispatcherGivesUpAfterRetries(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()

	seedRunner(env.store, "runner-a", nil, 4, 0)
	seedRunner(env.store, "runner-b", nil, 4, 0)
	seedRunner(env.store, "runner-c", nil, 4, 0)
	tk := seedTask(env.store, "t1", "proj-1", nil)

	_, err := env.dispatch.Dispatch(ctx, &tk, "agent-1", "do it", "", "")
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("expected ErrCapacity when nothing acks, got %v", err)
	}
	// One initial attempt plus the configured re-routes.
	if n := env.link.countSent(ws.TypeTaskAssign); n != env.orchCfg.AssignRetries+1 {
		t.Errorf("expected %d attempts, got %d", env.orchCfg.AssignRetries+1, n)
	}
}

func TestSubmitReviewWithoutWaiter(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedTask(env.store, "t1", "proj-1", nil)

	o, err := env.orch.Create(ctx, &orchestrator.CreateRequest{ProjectID: "proj-1", TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.orch.SubmitReview(ctx, o.ID, true, "", "user-1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for pending orchestrator, got %v", err)
	}
}

func TestOrchestratorShutdownWaitsForWorkers(t *testing.T) {
	env := newTestEnv()
	env.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		_ = env.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
	}
	createStartedOrchestrator(t, env, nil)

	done := make(chan struct{})
	go func() {
		env.orch.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
