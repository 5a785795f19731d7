package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
	"github.com/sibyl-dev/sibyl/internal/domain/principal"
	"github.com/sibyl-dev/sibyl/internal/middleware"
)

func userCtx(userID string) context.Context {
	return middleware.WithPrincipal(context.Background(), &principal.Principal{
		UserID:         userID,
		OrganizationID: testOrg,
		Role:           principal.RoleAdmin,
	})
}

// seedPausableAgent seeds a working agent bound to a connected runner.
func seedPausableAgent(env *testEnv, id string) {
	seedRunner(env.store, "runner-a", nil, 4, 1)
	seedAgent(env.store, id, agent.StatusWorking, time.Now().UTC())
	env.store.mu.Lock()
	a := env.store.agents[id]
	a.RunnerID = "runner-a"
	env.store.agents[id] = a
	env.store.mu.Unlock()
}

func TestRequestPausesAgentAndSecondConflicts(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedPausableAgent(env, "a1")

	ap, err := env.approvals.Request(ctx, &RequestInput{
		AgentID: "a1", ActionDescription: "push --force to main",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ap.Status != approval.StatusPending {
		t.Errorf("expected pending, got %s", ap.Status)
	}
	a, _ := env.agents.Get(ctx, "a1")
	if a.Status != agent.StatusPaused {
		t.Errorf("requesting agent must pause, got %s", a.Status)
	}

	_, err = env.approvals.Request(ctx, &RequestInput{
		AgentID: "a1", ActionDescription: "rm -rf vendor",
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for a second pending approval, got %v", err)
	}
}

func TestRequestTakesImmediateCheckpoint(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedPausableAgent(env, "a1")

	ap, err := env.approvals.Request(ctx, &RequestInput{
		AgentID:           "a1",
		ActionDescription: "push --force to main",
		Snapshot: &SnapshotRequest{
			SessionID:          "sess-1",
			UncommittedChanges: "+force push\n",
		},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	cp, err := env.checkpoints.Latest(ctx, "a1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.PendingApprovalID != ap.ID {
		t.Errorf("checkpoint must reference the pending approval, got %q", cp.PendingApprovalID)
	}
	if cp.SessionID != "sess-1" {
		t.Errorf("checkpoint must keep the runner-supplied session, got %q", cp.SessionID)
	}
	if cp.CurrentStep != "push --force to main" {
		t.Errorf("current step defaults to the action, got %q", cp.CurrentStep)
	}
}

func TestDecideApproveResumesWithDecision(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedPausableAgent(env, "a1")
	ap, err := env.approvals.Request(ctx, &RequestInput{
		AgentID:           "a1",
		ActionDescription: "push --force",
		Snapshot:          &SnapshotRequest{SessionID: "sess-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var resumed ws.AgentResumePayload
	env.link.onResume = func(_ string, p ws.AgentResumePayload) { resumed = p }

	decided, err := env.approvals.Decide(userCtx("user-1"), ap.ID, true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != approval.StatusApproved || decided.DecidedBy != "user-1" {
		t.Errorf("unexpected decision: %+v", decided)
	}
	if env.link.countSent(ws.TypeAgentResume) != 1 {
		t.Error("approval must resume the agent from its checkpoint")
	}
	if resumed.NextInput == "" {
		t.Error("the decision must travel to the session as its next input")
	}
	a, _ := env.agents.Get(ctx, "a1")
	if a.Status != agent.StatusWorking {
		t.Errorf("approved agent must resume working, got %s", a.Status)
	}
}

func TestDecideDenyFailsAgent(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedPausableAgent(env, "a1")
	ap, err := env.approvals.Request(ctx, &RequestInput{AgentID: "a1", ActionDescription: "drop table users"})
	if err != nil {
		t.Fatal(err)
	}

	decided, err := env.approvals.Decide(userCtx("user-1"), ap.ID, false)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != approval.StatusDenied {
		t.Errorf("expected denied, got %s", decided.Status)
	}
	if env.link.countSent(ws.TypeAgentCancel) != 1 {
		t.Error("denial must cancel the waiting agent")
	}
	a, _ := env.agents.Get(ctx, "a1")
	if a.Status != agent.StatusFailed {
		t.Errorf("denied agent must fail, got %s", a.Status)
	}
	if a.ErrorMessage == "" {
		t.Error("denial reason must land on the agent record")
	}

	// A decision is final.
	if _, err := env.approvals.Decide(userCtx("user-2"), ap.ID, true); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict deciding twice, got %v", err)
	}
}

func TestDecideRequiresPrincipal(t *testing.T) {
	env := newTestEnv()
	if _, err := env.approvals.Decide(context.Background(), "ap-1", true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExpireSweepFailsWaitingAgents(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedPausableAgent(env, "a1")
	ap, err := env.approvals.Request(ctx, &RequestInput{AgentID: "a1", ActionDescription: "push --force"})
	if err != nil {
		t.Fatal(err)
	}
	env.store.mu.Lock()
	cur := env.store.approvals[ap.ID]
	cur.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	env.store.approvals[ap.ID] = cur
	env.store.mu.Unlock()

	if err := env.approvals.ExpireSweep(context.Background(), approval.DefaultTimeout); err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	after, _ := env.approvals.Get(ctx, ap.ID)
	if after.Status != approval.StatusExpired {
		t.Errorf("expected expired, got %s", after.Status)
	}
	a, _ := env.agents.Get(ctx, "a1")
	if a.Status != agent.StatusFailed {
		t.Errorf("agent behind an expired approval must fail, got %s", a.Status)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv()
	ctx := testCtx()
	seedAgent(env.store, "done", agent.StatusCompleted, time.Now().UTC())

	cases := []struct {
		name string
		req  RequestInput
	}{
		{"missing agent", RequestInput{ActionDescription: "x"}},
		{"missing description", RequestInput{AgentID: "a1"}},
		{"terminal agent", RequestInput{AgentID: "done", ActionDescription: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.approvals.Request(ctx, &tc.req); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
