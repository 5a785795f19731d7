package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/message"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

const testOrg = "org-test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx() context.Context {
	return scopeFor(context.Background(), testOrg)
}

// memStore is an in-memory database.Store with the same contract as the
// Postgres adapter: org scoping from ctx, optimistic locking on
// orchestrators and metas, ErrNotFound / ErrConflict error shapes.
type memStore struct {
	mu          sync.Mutex
	runners     map[string]runner.Runner
	tokens      map[string]runner.Token
	workspaces  map[string]runner.Project // keyed runnerID/projectID
	tasks       map[string]task.Task
	orchs       map[string]orchestrator.TaskOrchestrator
	metas       map[string]orchestrator.Meta
	agents      map[string]agent.Agent
	checkpoints map[string]agent.Checkpoint
	messages    map[string]message.Message
	approvals   map[string]approval.Approval
}

func newMemStore() *memStore {
	return &memStore{
		runners:     make(map[string]runner.Runner),
		tokens:      make(map[string]runner.Token),
		workspaces:  make(map[string]runner.Project),
		tasks:       make(map[string]task.Task),
		orchs:       make(map[string]orchestrator.TaskOrchestrator),
		metas:       make(map[string]orchestrator.Meta),
		agents:      make(map[string]agent.Agent),
		checkpoints: make(map[string]agent.Checkpoint),
		messages:    make(map[string]message.Message),
		approvals:   make(map[string]approval.Approval),
	}
}

// Runners

func (m *memStore) ListRunners(ctx context.Context) ([]runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runner.Runner
	for _, r := range m.runners {
		if r.OrganizationID == orgID(ctx) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok || r.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get runner %s: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

func (m *memStore) UpsertRunner(ctx context.Context, r *runner.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Idempotent by (organization, name), like the unique index.
	for _, cur := range m.runners {
		if cur.OrganizationID == r.OrganizationID && cur.Name == r.Name {
			r.ID = cur.ID
			r.CreatedAt = cur.CreatedAt
			break
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = time.Now().UTC()
	m.runners[r.ID] = *r
	return nil
}

func (m *memStore) UpdateRunnerStatus(ctx context.Context, id string, status runner.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("update runner %s: %w", id, domain.ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	m.runners[id] = r
	return nil
}

func (m *memStore) UpdateRunnerHeartbeat(ctx context.Context, id string, at time.Time, activeSlots int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("heartbeat runner %s: %w", id, domain.ErrNotFound)
	}
	r.LastHeartbeat = at
	r.CurrentAgentCount = activeSlots
	r.UpdatedAt = time.Now().UTC()
	m.runners[id] = r
	return nil
}

func (m *memStore) AcquireRunnerSlot(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok || r.OrganizationID != orgID(ctx) {
		return false, fmt.Errorf("acquire slot on runner %s: %w", id, domain.ErrNotFound)
	}
	if r.CurrentAgentCount >= r.MaxConcurrentAgents {
		return false, nil
	}
	r.CurrentAgentCount++
	r.UpdatedAt = time.Now().UTC()
	m.runners[id] = r
	return true, nil
}

func (m *memStore) ReleaseRunnerSlot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok || r.OrganizationID != orgID(ctx) {
		return fmt.Errorf("release slot on runner %s: %w", id, domain.ErrNotFound)
	}
	if r.CurrentAgentCount > 0 {
		r.CurrentAgentCount--
	}
	r.UpdatedAt = time.Now().UTC()
	m.runners[id] = r
	return nil
}

func (m *memStore) DeleteRunner(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return fmt.Errorf("delete runner %s: %w", id, domain.ErrNotFound)
	}
	delete(m.runners, id)
	return nil
}

// Runner tokens

func (m *memStore) CreateRunnerToken(ctx context.Context, t *runner.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	m.tokens[t.ID] = *t
	return nil
}

func (m *memStore) GetRunnerTokenByHash(ctx context.Context, hash string) (*runner.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash && t.RevokedAt.IsZero() {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("runner token: %w", domain.ErrNotFound)
}

func (m *memStore) RevokeRunnerToken(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return fmt.Errorf("revoke token %s: %w", id, domain.ErrNotFound)
	}
	t.RevokedAt = at
	m.tokens[id] = t
	return nil
}

// Warm workspaces

func (m *memStore) ListWarmWorkspaces(ctx context.Context) ([]runner.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runner.Project
	for _, p := range m.workspaces {
		if r, ok := m.runners[p.RunnerID]; ok && r.OrganizationID == orgID(ctx) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListRunnerWorkspaces(ctx context.Context, runnerID string) ([]runner.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runner.Project
	for _, p := range m.workspaces {
		if p.RunnerID == runnerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) UpsertWarmWorkspace(ctx context.Context, p *runner.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[p.RunnerID+"/"+p.ProjectID] = *p
	return nil
}

func (m *memStore) DeleteRunnerWorkspaces(ctx context.Context, runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.workspaces {
		if p.RunnerID == runnerID {
			delete(m.workspaces, k)
		}
	}
	return nil
}

// Tasks

func (m *memStore) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = *t
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (m *memStore) ListTasks(ctx context.Context, projectID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.OrganizationID != orgID(ctx) {
			continue
		}
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ListTasksByID(ctx context.Context, ids []string) (map[string]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]task.Task, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.OrganizationID == orgID(ctx) {
			out[id] = t
		}
	}
	return out, nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, domain.ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	m.tasks[id] = t
	return nil
}

// Task orchestrators

func (m *memStore) CreateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	m.orchs[o.ID] = *o
	return nil
}

func (m *memStore) GetOrchestrator(ctx context.Context, id string) (*orchestrator.TaskOrchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orchs[id]
	if !ok || o.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get orchestrator %s: %w", id, domain.ErrNotFound)
	}
	return &o, nil
}

func (m *memStore) ListOrchestrators(ctx context.Context) ([]orchestrator.TaskOrchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orchestrator.TaskOrchestrator
	for _, o := range m.orchs {
		if o.OrganizationID == orgID(ctx) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) UpdateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orchs[o.ID]
	if !ok {
		return fmt.Errorf("update orchestrator %s: %w", o.ID, domain.ErrNotFound)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("update orchestrator %s: %w", o.ID, domain.ErrConflict)
	}
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	m.orchs[o.ID] = *o
	return nil
}

// Meta orchestrators

func (m *memStore) CreateMeta(ctx context.Context, mo *orchestrator.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.metas {
		if cur.OrganizationID == mo.OrganizationID && cur.ProjectID == mo.ProjectID {
			return fmt.Errorf("create meta for project %s: %w", mo.ProjectID, domain.ErrConflict)
		}
	}
	mo.CreatedAt = time.Now().UTC()
	mo.UpdatedAt = mo.CreatedAt
	m.metas[mo.ID] = *mo
	return nil
}

func (m *memStore) GetMeta(ctx context.Context, id string) (*orchestrator.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.metas[id]
	if !ok || mo.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get meta %s: %w", id, domain.ErrNotFound)
	}
	return &mo, nil
}

func (m *memStore) GetMetaByProject(ctx context.Context, projectID string) (*orchestrator.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mo := range m.metas {
		if mo.OrganizationID == orgID(ctx) && mo.ProjectID == projectID {
			return &mo, nil
		}
	}
	return nil, fmt.Errorf("meta for project %s: %w", projectID, domain.ErrNotFound)
}

func (m *memStore) ListMetas(ctx context.Context) ([]orchestrator.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orchestrator.Meta
	for _, mo := range m.metas {
		if mo.OrganizationID == orgID(ctx) {
			out = append(out, mo)
		}
	}
	return out, nil
}

func (m *memStore) UpdateMeta(ctx context.Context, mo *orchestrator.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.metas[mo.ID]
	if !ok {
		return fmt.Errorf("update meta %s: %w", mo.ID, domain.ErrNotFound)
	}
	if cur.Version != mo.Version {
		return fmt.Errorf("update meta %s: %w", mo.ID, domain.ErrConflict)
	}
	mo.Version++
	mo.UpdatedAt = time.Now().UTC()
	m.metas[mo.ID] = *mo
	return nil
}

// Agents

func (m *memStore) CreateAgent(ctx context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	m.agents[a.ID] = *a
	return nil
}

func (m *memStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *memStore) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		if a.OrganizationID == orgID(ctx) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return fmt.Errorf("update agent %s: %w", a.ID, domain.ErrNotFound)
	}
	a.UpdatedAt = time.Now().UTC()
	m.agents[a.ID] = *a
	return nil
}

func (m *memStore) ListStaleWorkingAgents(ctx context.Context, cutoff time.Time) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		switch a.Status {
		case agent.StatusInitializing, agent.StatusWorking:
		default:
			continue
		}
		if a.UpdatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Checkpoints

func (m *memStore) CreateCheckpoint(ctx context.Context, c *agent.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	for id, cur := range m.checkpoints {
		if cur.AgentID == c.AgentID && cur.Latest {
			cur.Latest = false
			m.checkpoints[id] = cur
		}
	}
	c.Latest = true
	m.checkpoints[c.ID] = *c
	return nil
}

func (m *memStore) GetCheckpoint(ctx context.Context, id string) (*agent.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}

func (m *memStore) LatestCheckpoint(ctx context.Context, agentID string) (*agent.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checkpoints {
		if c.AgentID == agentID && c.Latest {
			out := c
			return &out, nil
		}
	}
	return nil, fmt.Errorf("latest checkpoint for agent %s: %w", agentID, domain.ErrNotFound)
}

func (m *memStore) ListCheckpoints(ctx context.Context, agentID string) ([]agent.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Checkpoint
	for _, c := range m.checkpoints {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) PruneCheckpoints(ctx context.Context, agentID string, keep int) (int, error) {
	list, err := m.ListCheckpoints(ctx, agentID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for i := keep; i < len(list); i++ {
		delete(m.checkpoints, list[i].ID)
		pruned++
	}
	return pruned, nil
}

// Messages

func (m *memStore) CreateMessage(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.CreatedAt = time.Now().UTC()
	m.messages[msg.ID] = *msg
	return nil
}

func (m *memStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get message %s: %w", id, domain.ErrNotFound)
	}
	return &msg, nil
}

func (m *memStore) ListInbox(ctx context.Context, agentID string, unreadOnly bool) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.Message
	for _, msg := range m.messages {
		if msg.OrganizationID != orgID(ctx) {
			continue
		}
		if msg.ToAgentID != "" && msg.ToAgentID != agentID {
			continue
		}
		if unreadOnly && !msg.ReadAt.IsZero() {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("mark message %s: %w", id, domain.ErrNotFound)
	}
	msg.ReadAt = at
	m.messages[id] = msg
	return nil
}

func (m *memStore) MarkMessageResponded(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("mark message %s: %w", id, domain.ErrNotFound)
	}
	msg.RespondedAt = at
	m.messages[id] = msg
	return nil
}

// Approvals

func (m *memStore) CreateApproval(ctx context.Context, a *approval.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.approvals {
		if cur.AgentID == a.AgentID && cur.Status == approval.StatusPending {
			return fmt.Errorf("create approval for agent %s: %w", a.AgentID, domain.ErrConflict)
		}
	}
	a.CreatedAt = time.Now().UTC()
	m.approvals[a.ID] = *a
	return nil
}

func (m *memStore) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok || a.OrganizationID != orgID(ctx) {
		return nil, fmt.Errorf("get approval %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *memStore) PendingApprovalForAgent(ctx context.Context, agentID string) (*approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.AgentID == agentID && a.Status == approval.StatusPending {
			out := a
			return &out, nil
		}
	}
	return nil, fmt.Errorf("pending approval for agent %s: %w", agentID, domain.ErrNotFound)
}

func (m *memStore) ListPendingApprovals(ctx context.Context) ([]approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []approval.Approval
	for _, a := range m.approvals {
		if a.OrganizationID == orgID(ctx) && a.Status == approval.StatusPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DecideApproval(ctx context.Context, id string, status approval.Status, decidedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return fmt.Errorf("decide approval %s: %w", id, domain.ErrNotFound)
	}
	if a.Status.Decided() {
		return fmt.Errorf("decide approval %s: already %s: %w", id, a.Status, domain.ErrConflict)
	}
	a.Status = status
	a.DecidedBy = decidedBy
	a.DecidedAt = at
	m.approvals[id] = a
	return nil
}

func (m *memStore) ListExpiredApprovals(ctx context.Context, cutoff time.Time) ([]approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []approval.Approval
	for _, a := range m.approvals {
		if a.Status == approval.StatusPending && a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakeLink is a scripted runnerlink.Link. Handlers run synchronously in
// the sender's goroutine, which is safe because every waiter registers
// its buffered channel before Send is called.
type fakeLink struct {
	mu       sync.Mutex
	sent     []string
	offline  map[string]bool
	onAssign func(runnerID string, p ws.TaskAssignPayload)
	onGates  func(runnerID string, p ws.GateRunPayload)
	onCancel func(runnerID string, p ws.AgentCancelPayload)
	onResume func(runnerID string, p ws.AgentResumePayload)
}

func newFakeLink() *fakeLink {
	return &fakeLink{offline: make(map[string]bool)}
}

func (l *fakeLink) Send(ctx context.Context, runnerID, msgType string, payload any) error {
	l.mu.Lock()
	if l.offline[runnerID] {
		l.mu.Unlock()
		return fmt.Errorf("runner %s is not connected", runnerID)
	}
	l.sent = append(l.sent, msgType)
	onAssign, onGates, onCancel, onResume := l.onAssign, l.onGates, l.onCancel, l.onResume
	l.mu.Unlock()

	switch msgType {
	case ws.TypeTaskAssign:
		if onAssign != nil {
			onAssign(runnerID, payload.(ws.TaskAssignPayload))
		}
	case ws.TypeGateRun:
		if onGates != nil {
			onGates(runnerID, payload.(ws.GateRunPayload))
		}
	case ws.TypeAgentCancel:
		if onCancel != nil {
			onCancel(runnerID, payload.(ws.AgentCancelPayload))
		}
	case ws.TypeAgentResume:
		if onResume != nil {
			onResume(runnerID, payload.(ws.AgentResumePayload))
		}
	}
	return nil
}

func (l *fakeLink) Connected(runnerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.offline[runnerID]
}

func (l *fakeLink) sentTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *fakeLink) countSent(msgType string) int {
	n := 0
	for _, t := range l.sentTypes() {
		if t == msgType {
			n++
		}
	}
	return n
}

// seedRunner inserts an online runner directly into the store.
func seedRunner(m *memStore, id string, caps []string, maxAgents, current int) runner.Runner {
	r := runner.Runner{
		ID:                  id,
		OrganizationID:      testOrg,
		Name:                id,
		Hostname:            id + ".local",
		Capabilities:        caps,
		MaxConcurrentAgents: maxAgents,
		CurrentAgentCount:   current,
		Status:              runner.StatusOnline,
		LastHeartbeat:       time.Now().UTC(),
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	m.mu.Lock()
	m.runners[id] = r
	m.mu.Unlock()
	return r
}

// seedTask inserts a queued task directly into the store.
func seedTask(m *memStore, id, projectID string, caps []string) task.Task {
	t := task.Task{
		ID:                   id,
		OrganizationID:       testOrg,
		ProjectID:            projectID,
		Title:                "task " + id,
		RequiredCapabilities: caps,
		Status:               task.StatusQueued,
		CreatedAt:            time.Now().UTC(),
		UpdatedAt:            time.Now().UTC(),
	}
	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	return t
}

// testEnv wires the full orchestration graph over the in-memory store
// and the scripted link, mirroring the construction order in main.
type testEnv struct {
	store       *memStore
	link        *fakeLink
	registry    *RegistryService
	router      *RouterService
	agents      *AgentService
	checkpoints *CheckpointService
	approvals   *ApprovalService
	gw          *GatewayService
	dispatch    *Dispatcher
	orch        *OrchestratorService
	orchCfg     config.Orchestrator

	finished chan *orchestrator.TaskOrchestrator
}

func newTestEnv() *testEnv {
	log := testLogger()
	store := newMemStore()
	link := newFakeLink()

	orchCfg := config.Orchestrator{
		MaxReworkAttempts: 2,
		MaxConcurrent:     4,
		PerTaskEstimate:   1.0,
		AssignRetries:     1,
		StopGrace:         10 * time.Millisecond,
	}
	gwCfg := config.Gateway{AckTimeout: 200 * time.Millisecond}
	gatesCfg := config.Gates{Timeout: time.Second}

	registry := NewRegistryService(store, nil, nil, nil, nil, log)
	router := NewRouterService(registry, nil, nil, log)
	agents := NewAgentService(store, link, nil, nil, nil, orchCfg, log)
	checkpoints := NewCheckpointService(store, link, nil, nil, config.Checkpoint{KeepCount: 3, DiffCapKB: 1}, log)
	approvals := NewApprovalService(store, agents, checkpoints, nil, nil, log)
	gw := NewGatewayService(registry, agents, checkpoints, approvals, nil, log)
	dispatch := NewDispatcher(router, gw, registry, link, gwCfg, orchCfg, log)
	agents.Bind(dispatch)
	orch := NewOrchestratorService(store, dispatch, gw, link, nil, nil, nil, orchCfg, gatesCfg, log)

	env := &testEnv{
		store:       store,
		link:        link,
		registry:    registry,
		router:      router,
		agents:      agents,
		checkpoints: checkpoints,
		approvals:   approvals,
		gw:          gw,
		dispatch:    dispatch,
		orch:        orch,
		orchCfg:     orchCfg,
		finished:    make(chan *orchestrator.TaskOrchestrator, 8),
	}
	orch.OnFinished(func(_ context.Context, o *orchestrator.TaskOrchestrator) {
		env.finished <- o
	})
	return env
}

// deliver injects a runner frame into the gateway handler, the way the
// gateway session loop would.
func (e *testEnv) deliver(runnerID, msgType string, payload any) error {
	env, err := ws.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	return e.gw.HandleMessage(testCtx(), runnerID, env)
}

// scriptWorker makes every assigned agent ack and then complete with
// the given outcome.
func (e *testEnv) scriptWorker(success bool, costUSD float64) {
	e.link.onAssign = func(runnerID string, p ws.TaskAssignPayload) {
		_ = e.deliver(runnerID, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID})
		_ = e.deliver(runnerID, ws.TypeTaskComplete, ws.TaskCompletePayload{
			TaskID: p.TaskID, AgentID: p.AgentID,
			Success: success, TokensUsed: 100, CostUSD: costUSD,
		})
	}
}

// scriptGates makes every gate run report the given results.
func (e *testEnv) scriptGates(fn func(p ws.GateRunPayload) []gate.Result) {
	e.link.onGates = func(runnerID string, p ws.GateRunPayload) {
		_ = e.deliver(runnerID, ws.TypeGateResult, ws.GateResultPayload{
			TaskID: p.TaskID, AgentID: p.AgentID, Results: fn(p),
		})
	}
}

func (e *testEnv) waitFinished(t *testing.T) *orchestrator.TaskOrchestrator {
	t.Helper()
	select {
	case o := <-e.finished:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish in time")
		return nil
	}
}

// passingGates returns a passed result for every requested kind.
func passingGates(p ws.GateRunPayload) []gate.Result {
	out := make([]gate.Result, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		out = append(out, gate.Result{Kind: k, Passed: true})
	}
	return out
}

// failingGates fails the first requested kind and passes the rest.
func failingGates(p ws.GateRunPayload) []gate.Result {
	out := passingGates(p)
	out[0].Passed = false
	out[0].Reason = "findings reported"
	return out
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
