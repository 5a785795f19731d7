package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/port/agentruntime"
)

// updateThrottle caps agent_update frames per agent.
const updateThrottle = time.Second

// checkpointInterval is how often a working session snapshots itself.
const checkpointInterval = time.Minute

// sender delivers frames to the control plane. Implemented by Client.
type sender interface {
	send(ctx context.Context, msgType string, payload any) error
}

// session is one live agent execution.
type session struct {
	agentID   string
	taskID    string
	projectID string
	cancel    context.CancelFunc
}

// Sessions runs agent sessions on this host, one goroutine per agent,
// bounded by the configured slot count.
type Sessions struct {
	cfg     Config
	runtime agentruntime.Runtime
	spaces  *Workspaces
	out     sender
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]*session
}

// NewSessions creates the session manager.
func NewSessions(cfg Config, runtime agentruntime.Runtime, spaces *Workspaces, out sender, log *slog.Logger) *Sessions {
	return &Sessions{
		cfg:     cfg,
		runtime: runtime,
		spaces:  spaces,
		out:     out,
		log:     log.With("component", "sessions"),
		active:  make(map[string]*session),
	}
}

// Count returns the number of live sessions, reported in heartbeats.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ProjectFor returns the project a live agent is working in.
func (s *Sessions) ProjectFor(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[agentID]
	if !ok {
		return "", false
	}
	return sess.projectID, true
}

// Start accepts a task assignment: ack first, then run the agent in its
// own goroutine. A full runner rejects with an error frame instead of
// acking, so the core re-routes.
func (s *Sessions) Start(ctx context.Context, p ws.TaskAssignPayload) {
	s.mu.Lock()
	if len(s.active) >= s.cfg.MaxConcurrentAgents {
		s.mu.Unlock()
		s.sendError(ctx, p.TaskID, p.AgentID, "capacity", "no free agent slots")
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{agentID: p.AgentID, taskID: p.TaskID, projectID: p.ProjectID, cancel: cancel}
	s.active[p.AgentID] = sess
	s.mu.Unlock()

	dir, branch, err := s.spaces.PrepareBranch(ctx, p.ProjectID, p.TaskID, p.BaseBranch)
	if err != nil {
		s.drop(p.AgentID)
		cancel()
		s.sendError(ctx, p.TaskID, p.AgentID, "workspace", err.Error())
		return
	}

	if err := s.out.send(ctx, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: p.TaskID, AgentID: p.AgentID}); err != nil {
		s.drop(p.AgentID)
		cancel()
		return
	}

	go s.run(runCtx, sess, agentruntime.Session{
		AgentID:   p.AgentID,
		TaskID:    p.TaskID,
		Prompt:    p.Prompt,
		Workspace: dir,
		Branch:    branch,
	})
}

// Resume reconstitutes a checkpointed session.
func (s *Sessions) Resume(ctx context.Context, p ws.AgentResumePayload) {
	var cp agent.Checkpoint
	if err := json.Unmarshal(p.Session, &cp); err != nil {
		s.sendError(ctx, p.TaskID, p.AgentID, "resume", "malformed checkpoint: "+err.Error())
		return
	}

	s.mu.Lock()
	if _, running := s.active[p.AgentID]; running {
		s.mu.Unlock()
		s.log.Warn("resume for already running agent", "agent_id", p.AgentID)
		return
	}
	if len(s.active) >= s.cfg.MaxConcurrentAgents {
		s.mu.Unlock()
		s.sendError(ctx, p.TaskID, p.AgentID, "capacity", "no free agent slots")
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{agentID: p.AgentID, taskID: p.TaskID, projectID: p.ProjectID, cancel: cancel}
	s.active[p.AgentID] = sess
	s.mu.Unlock()

	dir, branch, err := s.spaces.PrepareBranch(ctx, p.ProjectID, p.TaskID, "")
	if err != nil {
		s.drop(p.AgentID)
		cancel()
		s.sendError(ctx, p.TaskID, p.AgentID, "workspace", err.Error())
		return
	}

	prompt := cp.CurrentStep
	if p.NextInput != "" {
		prompt = p.NextInput
	}
	s.log.Info("resuming agent", "agent_id", p.AgentID, "checkpoint_id", p.CheckpointID)
	go s.run(runCtx, sess, agentruntime.Session{
		AgentID:   p.AgentID,
		TaskID:    p.TaskID,
		Prompt:    prompt,
		Workspace: dir,
		Branch:    branch,
		Resume:    p.Session,
	})
}

// Stop cancels a session; the runtime escalates TERM to KILL itself.
func (s *Sessions) Stop(ctx context.Context, agentID, reason string) {
	s.mu.Lock()
	sess := s.active[agentID]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	s.log.Info("stopping agent", "agent_id", agentID, "reason", reason)
	if err := s.runtime.Stop(ctx, agentID); err != nil {
		s.log.Warn("runtime stop", "agent_id", agentID, "error", err)
	}
	sess.cancel()
}

// StopAll cancels every session, used on shutdown.
func (s *Sessions) StopAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.cancel()
	}
}

// run drives one session to completion, streaming throttled progress
// and periodic checkpoints.
func (s *Sessions) run(ctx context.Context, sess *session, in agentruntime.Session) {
	defer s.drop(sess.agentID)

	stopCheckpoints := s.checkpointLoop(ctx, sess)
	defer stopCheckpoints()

	var lastUpdate time.Time
	onEvent := func(ev agentruntime.Event) {
		if ev.Approval != nil {
			// Approval requests bypass the throttle; the agent is
			// suspended until a human answers.
			s.sendApproval(ctx, sess, ev)
			return
		}
		if time.Since(lastUpdate) < updateThrottle {
			return
		}
		lastUpdate = time.Now()
		_ = s.out.send(ctx, ws.TypeAgentUpdate, ws.AgentUpdatePayload{
			AgentID:         ev.AgentID,
			Status:          agent.StatusWorking,
			ProgressPercent: int(ev.Progress * 100),
			CurrentActivity: ev.CurrentStep,
			TokensUsed:      ev.TokensUsed,
			CostUSD:         ev.CostUSD,
		})
	}

	res, err := s.runtime.Run(ctx, in, onEvent)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Info("agent cancelled", "agent_id", sess.agentID)
			return
		}
		res = &agentruntime.Result{AgentID: sess.agentID, Error: err.Error()}
	}

	// Report outside the session context so a cancelled run can still
	// deliver its terminal frame.
	_ = s.out.send(context.Background(), ws.TypeTaskComplete, ws.TaskCompletePayload{
		TaskID:        sess.taskID,
		AgentID:       sess.agentID,
		Success:       res.Success,
		Summary:       res.Summary,
		FilesModified: res.FilesModified,
		TokensUsed:    res.TokensUsed,
		CostUSD:       res.CostUSD,
		Error:         res.Error,
	})
}

// checkpointLoop snapshots the workspace periodically while the
// session runs. Conversation state is the runtime's to persist; the
// runner contributes the git view.
func (s *Sessions) checkpointLoop(ctx context.Context, sess *session) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s.snapshot(ctx, sess)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Sessions) snapshot(ctx context.Context, sess *session) {
	cp, err := s.buildCheckpoint(ctx, sess)
	if err != nil {
		return
	}
	_ = s.out.send(ctx, ws.TypeCheckpoint, cp)
}

// buildCheckpoint merges the runtime's conversational state with the
// workspace's git view into one checkpoint payload.
func (s *Sessions) buildCheckpoint(ctx context.Context, sess *session) (ws.CheckpointPayload, error) {
	diff, err := s.spaces.Diff(ctx, sess.projectID)
	if err != nil {
		s.log.Warn("checkpoint diff", "agent_id", sess.agentID, "error", err)
		return ws.CheckpointPayload{}, err
	}
	files, err := s.spaces.ModifiedFiles(ctx, sess.projectID)
	if err != nil {
		s.log.Warn("checkpoint files", "agent_id", sess.agentID, "error", err)
		return ws.CheckpointPayload{}, err
	}
	cp := ws.CheckpointPayload{
		AgentID:            sess.agentID,
		FilesModified:      files,
		UncommittedChanges: diff,
	}
	if snap, ok := s.runtime.Snapshot(sess.agentID); ok {
		cp.SessionID = snap.SessionID
		cp.ConversationHistory = snap.History
	}
	return cp, nil
}

func (s *Sessions) sendApproval(ctx context.Context, sess *session, ev agentruntime.Event) {
	p := ws.ApprovalRequestPayload{
		AgentID:           sess.agentID,
		ActionDescription: ev.Approval.ActionDescription,
		ProposedChange:    ev.Approval.ProposedChange,
	}
	if cp, err := s.buildCheckpoint(ctx, sess); err == nil {
		p.Checkpoint = &cp
	}
	if err := s.out.send(ctx, ws.TypeApprovalRequest, p); err != nil {
		s.log.Warn("send approval request", "agent_id", sess.agentID, "error", err)
	}
}

func (s *Sessions) drop(agentID string) {
	s.mu.Lock()
	delete(s.active, agentID)
	s.mu.Unlock()
}

func (s *Sessions) sendError(ctx context.Context, taskID, agentID, code, msg string) {
	_ = s.out.send(ctx, ws.TypeError, ws.ErrorPayload{
		Code: code, Message: msg, AgentID: agentID, TaskID: taskID,
	})
	s.log.Warn("session error", "task_id", taskID, "code", code, "message", msg)
}
