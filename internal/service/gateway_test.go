package service

import (
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
)

// The gateway service is the session handler behind the WebSocket
// transport.
var _ ws.SessionHandler = (*GatewayService)(nil)

func TestGatewayRunnerLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()

	r, err := env.gw.RunnerConnected(ctx, &ws.RegisterPayload{
		RegisterRequest: runner.RegisterRequest{
			Name: "runner-a", Hostname: "a.local", MaxConcurrentAgents: 4,
		},
		ClientVersion: "0.4.1",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if r.Status != runner.StatusOnline {
		t.Errorf("expected online after register, got %s", r.Status)
	}

	// A status frame doubles as a heartbeat and can change status.
	if err := env.deliver(r.ID, ws.TypeStatus, ws.StatusPayload{
		Status: runner.StatusBusy, AgentCount: 2,
	}); err != nil {
		t.Fatalf("status frame: %v", err)
	}
	cur, _ := env.registry.Get(ctx, r.ID)
	if cur.Status != runner.StatusBusy || cur.CurrentAgentCount != 2 {
		t.Errorf("expected busy with 2 agents, got %s/%d", cur.Status, cur.CurrentAgentCount)
	}

	env.gw.RunnerDisconnected(ctx, r.ID)
	cur, _ = env.registry.Get(ctx, r.ID)
	if cur.Status != runner.StatusOffline {
		t.Errorf("expected offline after disconnect, got %s", cur.Status)
	}
}

func TestGatewayProjectRegisterRecordsWorkspace(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedRunner(env.store, "runner-a", nil, 4, 0)

	if err := env.deliver("runner-a", ws.TypeProjectRegister, ws.ProjectRegisterPayload{
		ProjectID: "proj-1", WorkspacePath: "/work/proj-1", WorkspaceBranch: "main",
	}); err != nil {
		t.Fatalf("project_register: %v", err)
	}
	warm, err := env.registry.WarmWorkspaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := warm["runner-a/proj-1"]; !ok {
		t.Errorf("expected warm workspace recorded, got %v", warm)
	}
}

func TestGatewayAgentUpdateFoldsProgress(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusInitializing, time.Now().UTC())

	if err := env.deliver("runner-a", ws.TypeAgentUpdate, ws.AgentUpdatePayload{
		AgentID: "a1", Status: agent.StatusWorking,
		ProgressPercent: 40, CurrentActivity: "editing parser",
		TokensUsed: 1200, CostUSD: 0.07,
	}); err != nil {
		t.Fatalf("agent_update: %v", err)
	}
	a, _ := env.store.GetAgent(ctx, "a1")
	if a.Status != agent.StatusWorking || a.ProgressPercent != 40 {
		t.Errorf("update not applied: %s/%d", a.Status, a.ProgressPercent)
	}
	if a.LastHeartbeat.IsZero() {
		t.Error("update must refresh the agent heartbeat")
	}

	// Late updates after a terminal state are dropped.
	a.Status = agent.StatusCompleted
	env.store.mu.Lock()
	env.store.agents["a1"] = *a
	env.store.mu.Unlock()
	if err := env.deliver("runner-a", ws.TypeAgentUpdate, ws.AgentUpdatePayload{
		AgentID: "a1", Status: agent.StatusWorking, ProgressPercent: 50,
	}); err != nil {
		t.Fatalf("late update: %v", err)
	}
	cur, _ := env.store.GetAgent(ctx, "a1")
	if cur.Status != agent.StatusCompleted {
		t.Errorf("terminal agent must ignore late updates, got %s", cur.Status)
	}
}

func TestGatewayErrorFrameCountsAgentErrors(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())

	if err := env.deliver("runner-a", ws.TypeError, ws.ErrorPayload{
		Code: "tool_failure", Message: "shell exited 127", AgentID: "a1",
	}); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	a, _ := env.store.GetAgent(ctx, "a1")
	if a.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", a.ErrorCount)
	}
}

func TestGatewayCheckpointFramePersists(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())

	if err := env.deliver("runner-a", ws.TypeCheckpoint, ws.CheckpointPayload{
		AgentID: "a1", SessionID: "sess-1",
		CurrentStep: "write tests", CompletedSteps: []string{"read code"},
	}); err != nil {
		t.Fatalf("checkpoint frame: %v", err)
	}
	cp, err := env.checkpoints.Latest(ctx, "a1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.SessionID != "sess-1" || !cp.Latest {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}
}

func TestGatewayApprovalFrameCheckpointsSession(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "a1", agent.StatusWorking, time.Now().UTC())

	if err := env.deliver("runner-a", ws.TypeApprovalRequest, ws.ApprovalRequestPayload{
		AgentID:           "a1",
		ActionDescription: "git push --force",
		ProposedChange:    "rewrite history",
		Checkpoint: &ws.CheckpointPayload{
			AgentID:   "a1",
			SessionID: "sess-1",
			ConversationHistory: []agent.Message{
				{Role: "assistant", Content: "about to push", Timestamp: time.Now().UTC()},
			},
			UncommittedChanges: "+rebase\n",
		},
	}); err != nil {
		t.Fatalf("approval frame: %v", err)
	}

	pending, err := env.approvals.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].AgentID != "a1" {
		t.Fatalf("expected one pending approval, got %v", pending)
	}

	// The runner-supplied session state lands in an immediate checkpoint
	// bound to the approval.
	cp, err := env.checkpoints.Latest(ctx, "a1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.SessionID != "sess-1" || cp.PendingApprovalID != pending[0].ID {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}
	if len(cp.ConversationHistory) != 1 {
		t.Errorf("conversation history must survive, got %v", cp.ConversationHistory)
	}

	a, _ := env.agents.Get(ctx, "a1")
	if a.Status != agent.StatusPaused {
		t.Errorf("requesting agent must pause, got %s", a.Status)
	}
}

func TestGatewayUnknownFrameIsTolerated(t *testing.T) {
	env := newTestEnv()
	if err := env.deliver("runner-a", "telemetry_v2", map[string]string{"x": "y"}); err != nil {
		t.Fatalf("unknown frames must not error the session: %v", err)
	}
}

func TestAwaitAckCancelIsIdempotent(t *testing.T) {
	env := newTestEnv()

	ch, cancel := env.gw.AwaitAck("t1")
	env.gw.resolveAck(ws.TaskAckPayload{TaskID: "t1"})
	select {
	case p := <-ch:
		if p.TaskID != "t1" {
			t.Errorf("unexpected ack %+v", p)
		}
	default:
		t.Fatal("ack was not delivered")
	}
	cancel()
	cancel() // safe after delivery

	// An ack with no waiter is dropped, not buffered.
	env.gw.resolveAck(ws.TaskAckPayload{TaskID: "t2"})
}
