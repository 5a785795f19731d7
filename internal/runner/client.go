package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/domain/workspace"
	"github.com/sibyl-dev/sibyl/internal/gates"
	"github.com/sibyl-dev/sibyl/internal/git"
	"github.com/sibyl-dev/sibyl/internal/port/agentruntime"
)

// clientVersion is reported in the registration frame.
const clientVersion = "0.4.1"

// dialTimeout bounds one connection attempt.
const dialTimeout = 30 * time.Second

// errShutdown means the core asked this runner to disconnect for good.
var errShutdown = errors.New("shutdown requested by control plane")

// Client is the runner daemon: one persistent gateway connection plus
// the local session, workspace, and gate machinery.
type Client struct {
	cfg      Config
	spaces   *Workspaces
	sessions *Sessions
	gates    *gates.Runner
	log      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates the runner daemon.
func NewClient(cfg Config, runtime agentruntime.Runtime, log *slog.Logger) *Client {
	c := &Client{
		cfg:   cfg,
		gates: gates.NewRunner(cfg.Gates, log),
		log:   log.With("component", "client"),
	}
	pool := git.NewPool(cfg.GitConcurrency)
	c.spaces = NewWorkspaces(cfg.WorkspaceRoot, pool, log)
	c.sessions = NewSessions(cfg, runtime, c.spaces, c, log)
	return c
}

// Run connects and serves until ctx is cancelled or the core orders a
// shutdown. Lost connections are retried with exponential backoff,
// reset after every successful registration.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	attempts := 0
	for {
		registered, err := c.serve(ctx)
		switch {
		case errors.Is(err, errShutdown):
			c.log.Info("shutdown requested, not reconnecting")
			return nil
		case ctx.Err() != nil:
			return nil
		}

		if registered {
			backoff = c.cfg.ReconnectBase
			attempts = 0
		}
		attempts++
		if c.cfg.MaxReconnects > 0 && attempts > c.cfg.MaxReconnects {
			return fmt.Errorf("gave up after %d reconnect attempts: %w", attempts-1, err)
		}

		c.log.Warn("connection lost", "error", err, "retry_in", backoff, "attempt", attempts)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// serve runs one connection: dial, register, declare warm workspaces,
// then pump frames until the connection dies. Returns whether
// registration succeeded, for backoff reset.
func (c *Client) serve(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.cfg.Token}},
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.register(ctx); err != nil {
		return false, err
	}
	c.declareWorkspaces(ctx)
	c.log.Info("connected", "server", c.cfg.ServerURL, "name", c.cfg.Name)

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	go c.statusLoop(statusCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame", "error", err)
			continue
		}
		if err := c.handle(ctx, env); err != nil {
			if errors.Is(err, errShutdown) {
				return true, err
			}
			c.log.Error("handle frame", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) register(ctx context.Context) error {
	return c.send(ctx, ws.TypeRegister, ws.RegisterPayload{
		RegisterRequest: runner.RegisterRequest{
			Name:                c.cfg.Name,
			Hostname:            c.cfg.Hostname,
			Capabilities:        c.spaces.Capabilities(),
			MaxConcurrentAgents: c.cfg.MaxConcurrentAgents,
			IsSandbox:           c.cfg.IsSandbox,
			SandboxID:           c.cfg.SandboxID,
		},
		ClientVersion: clientVersion,
	})
}

// declareWorkspaces announces every local checkout as warm, so the
// router can apply the affinity bonus.
func (c *Client) declareWorkspaces(ctx context.Context) {
	for _, w := range c.spaces.Scan() {
		err := c.send(ctx, ws.TypeProjectRegister, ws.ProjectRegisterPayload{
			ProjectID:       w.ProjectID,
			WorkspacePath:   w.Path,
			WorkspaceBranch: w.Branch,
		})
		if err != nil {
			c.log.Warn("declare workspace", "project_id", w.ProjectID, "error", err)
		}
	}
}

// statusLoop reports status and live agent count periodically; these
// double as application heartbeats on the core side.
func (c *Client) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := runner.StatusOnline
			if c.sessions.Count() >= c.cfg.MaxConcurrentAgents {
				status = runner.StatusBusy
			}
			_ = c.send(ctx, ws.TypeStatus, ws.StatusPayload{
				Status:     status,
				AgentCount: c.sessions.Count(),
			})
		}
	}
}

func (c *Client) handle(ctx context.Context, env ws.Envelope) error {
	switch env.Type {
	case ws.TypeHeartbeat:
		return c.send(ctx, ws.TypeHeartbeatAck, nil)

	case ws.TypeTaskAssign:
		var p ws.TaskAssignPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("task_assign payload: %w", err)
		}
		c.sessions.Start(ctx, p)
		return nil

	case ws.TypeGateRun:
		var p ws.GateRunPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("gate_run payload: %w", err)
		}
		go c.runGates(ctx, p)
		return nil

	case ws.TypeAgentCancel:
		var p ws.AgentCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("agent_cancel payload: %w", err)
		}
		c.sessions.Stop(ctx, p.AgentID, p.Reason)
		return nil

	case ws.TypeAgentResume:
		var p ws.AgentResumePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("agent_resume payload: %w", err)
		}
		c.sessions.Resume(ctx, p)
		return nil

	case ws.TypeShutdown:
		c.sessions.StopAll()
		return errShutdown

	default:
		c.log.Warn("unknown frame type", "type", env.Type)
		return nil
	}
}

// runGates executes the requested gates in the agent's workspace and
// reports structured results, streaming throttled output along the way.
func (c *Client) runGates(ctx context.Context, p ws.GateRunPayload) {
	projectID, ok := c.sessions.ProjectFor(p.AgentID)
	if !ok {
		// The agent already finished; its workspace is still on disk.
		c.log.Warn("gate run for inactive agent", "agent_id", p.AgentID, "task_id", p.TaskID)
	}
	var dir string
	var err error
	if ok {
		dir, err = c.spaces.Path(projectID)
	} else {
		dir, err = c.findWorkspaceForTask(p.TaskID)
	}
	if err != nil {
		c.sendGateFailure(ctx, p, "workspace not found: "+err.Error())
		return
	}

	onOutput := func(stream, line string) {
		_ = c.send(ctx, ws.TypeGateOutput, ws.GateOutputPayload{
			TaskID: p.TaskID, Stream: stream, Line: line,
		})
	}
	results := c.gates.RunAll(ctx, dir, p.Kinds, p.Overrides, onOutput)

	_ = c.send(ctx, ws.TypeGateResult, ws.GateResultPayload{
		TaskID:  p.TaskID,
		AgentID: p.AgentID,
		Results: results,
	})
}

// findWorkspaceForTask locates the checkout whose current branch
// belongs to the task, for gates that run after the agent exited.
func (c *Client) findWorkspaceForTask(taskID string) (string, error) {
	for _, w := range c.spaces.Scan() {
		if w.Branch != "" && w.Branch == workspace.BranchFor(taskID) {
			return w.Path, nil
		}
	}
	return "", fmt.Errorf("no workspace on branch for task %s", taskID)
}

func (c *Client) sendGateFailure(ctx context.Context, p ws.GateRunPayload, reason string) {
	results := make([]gate.Result, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		results = append(results, gate.Result{Kind: k, Passed: false, Reason: reason})
	}
	_ = c.send(ctx, ws.TypeGateResult, ws.GateResultPayload{
		TaskID: p.TaskID, AgentID: p.AgentID, Results: results,
	})
}

// send marshals and writes one frame under the write lock.
func (c *Client) send(ctx context.Context, msgType string, payload any) error {
	env, err := ws.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
