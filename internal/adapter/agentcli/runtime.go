// Package agentcli drives a coding agent CLI as a subprocess. The
// contract is line-delimited JSON on stdout: progress events while the
// agent works, one final result event before exit.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/port/agentruntime"
)

// stopGrace is how long a stopped process gets between TERM and KILL.
const stopGrace = 10 * time.Second

// event is one stdout line from the agent CLI.
type event struct {
	Type          string   `json:"type"` // "progress" | "message" | "approval" | "result"
	SessionID     string   `json:"session_id,omitempty"`
	Step          string   `json:"step,omitempty"`
	Progress      float64  `json:"progress,omitempty"`
	TokensUsed    int64    `json:"tokens_used,omitempty"`
	CostUSD       float64  `json:"cost_usd,omitempty"`
	Role          string   `json:"role,omitempty"`
	Content       string   `json:"content,omitempty"`
	Action        string   `json:"action,omitempty"`
	Change        string   `json:"proposed_change,omitempty"`
	Success       bool     `json:"success,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// sessionState is the live conversational view of one agent, fed by
// session_id and message lines and drained into checkpoints.
type sessionState struct {
	mu      sync.Mutex
	id      string
	history []agent.Message
}

func (st *sessionState) fold(ev event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ev.SessionID != "" {
		st.id = ev.SessionID
	}
	if ev.Type == "message" && ev.Content != "" {
		st.history = append(st.history, agent.Message{
			Role: ev.Role, Content: ev.Content, Timestamp: time.Now().UTC(),
		})
	}
}

func (st *sessionState) snapshot() agentruntime.SessionSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := agentruntime.SessionSnapshot{SessionID: st.id}
	out.History = append(out.History, st.history...)
	return out
}

// Runtime runs one agent CLI process per session.
type Runtime struct {
	argv []string
	log  *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	state map[string]*sessionState
}

// New creates the CLI runtime. argv is the agent command; the prompt is
// appended as the final argument.
func New(argv []string, log *slog.Logger) *Runtime {
	return &Runtime{
		argv:  argv,
		log:   log.With("component", "agentcli"),
		procs: make(map[string]*exec.Cmd),
		state: make(map[string]*sessionState),
	}
}

// Name identifies the runtime implementation.
func (r *Runtime) Name() string { return "agent-cli" }

// Run executes the session to completion. The final result line wins;
// a process that exits without one is reported as failed.
func (r *Runtime) Run(ctx context.Context, s agentruntime.Session, onEvent func(agentruntime.Event)) (*agentruntime.Result, error) {
	if len(r.argv) == 0 {
		return nil, fmt.Errorf("agent command not configured")
	}

	args := append(append([]string(nil), r.argv[1:]...), s.Prompt)
	cmd := exec.CommandContext(ctx, r.argv[0], args...) //nolint:gosec // G204: command comes from config, not user input
	cmd.Dir = s.Workspace
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace
	cmd.Env = append(os.Environ(),
		"SIBYL_AGENT_ID="+s.AgentID,
		"SIBYL_TASK_ID="+s.TaskID,
		"SIBYL_BRANCH="+s.Branch,
	)

	if len(s.Resume) > 0 {
		path, err := r.writeResumeFile(s)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		cmd.Env = append(cmd.Env, "SIBYL_RESUME_FILE="+path)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	st := &sessionState{}
	r.mu.Lock()
	r.procs[s.AgentID] = cmd
	r.state[s.AgentID] = st
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.procs, s.AgentID)
		delete(r.state, s.AgentID)
		r.mu.Unlock()
	}()

	res := &agentruntime.Result{AgentID: s.AgentID}
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Plain text goes to the log, not the protocol.
			r.log.Debug("agent output", "agent_id", s.AgentID, "line", scanner.Text())
			continue
		}
		st.fold(ev)
		switch ev.Type {
		case "progress":
			if onEvent != nil {
				onEvent(agentruntime.Event{
					AgentID:     s.AgentID,
					SessionID:   ev.SessionID,
					CurrentStep: ev.Step,
					Progress:    ev.Progress,
					TokensUsed:  ev.TokensUsed,
					CostUSD:     ev.CostUSD,
				})
			}
		case "approval":
			if onEvent != nil && ev.Action != "" {
				onEvent(agentruntime.Event{
					AgentID:   s.AgentID,
					SessionID: ev.SessionID,
					Approval: &agentruntime.ApprovalAsk{
						ActionDescription: ev.Action,
						ProposedChange:    ev.Change,
					},
				})
			}
		case "result":
			sawResult = true
			res.Success = ev.Success
			res.Summary = ev.Summary
			res.FilesModified = ev.FilesModified
			res.TokensUsed = ev.TokensUsed
			res.CostUSD = ev.CostUSD
			res.Error = ev.Error
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !sawResult {
		res.Success = false
		if waitErr != nil {
			res.Error = waitErr.Error()
		} else {
			res.Error = "agent exited without a result"
		}
	}
	return res, nil
}

// Snapshot returns the conversational state of a live session.
func (r *Runtime) Snapshot(agentID string) (agentruntime.SessionSnapshot, bool) {
	r.mu.Lock()
	st := r.state[agentID]
	r.mu.Unlock()
	if st == nil {
		return agentruntime.SessionSnapshot{}, false
	}
	return st.snapshot(), true
}

// Stop signals the agent's process. The TERM-then-KILL escalation is
// handled by the command's cancel path.
func (r *Runtime) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	cmd := r.procs[agentID]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

func (r *Runtime) writeResumeFile(s agentruntime.Session) (string, error) {
	f, err := os.CreateTemp("", "sibyl-resume-"+filepath.Base(s.AgentID)+"-*.json")
	if err != nil {
		return "", fmt.Errorf("write resume file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(s.Resume); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write resume file: %w", err)
	}
	return f.Name(), nil
}
