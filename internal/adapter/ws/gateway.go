package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain/principal"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/secrets"
)

// ErrNotConnected is returned when sending to a runner without a channel.
var ErrNotConnected = errors.New("runner is not connected")

// disconnectTimeout bounds the mark-offline write after a channel dies.
const disconnectTimeout = 10 * time.Second

// SessionHandler receives gateway lifecycle and message callbacks.
// Implemented by the gateway service; the adapter stays transport-only.
type SessionHandler interface {
	// RunnerConnected authenticates succeeded; register the runner and
	// return its persistent record.
	RunnerConnected(ctx context.Context, reg *RegisterPayload) (*runner.Runner, error)

	// RunnerDisconnected fires when the channel closes for any reason.
	RunnerDisconnected(ctx context.Context, runnerID string)

	// HandleMessage dispatches one inbound envelope.
	HandleMessage(ctx context.Context, runnerID string, env Envelope) error

	// HeartbeatMissed fires when a probe goes unanswered past the ack
	// timeout.
	HeartbeatMissed(ctx context.Context, runnerID string)
}

// runnerConn is one live runner channel.
type runnerConn struct {
	ws       *websocket.Conn
	orgID    string
	runnerID string
	cancel   context.CancelFunc

	mu         sync.Mutex // guards writes
	ackPending bool
}

// Gateway terminates runner channels: token auth, registration, message
// dispatch, and heartbeat probing. It implements runnerlink.Link.
type Gateway struct {
	cfg     config.Gateway
	store   database.Store
	vault   *secrets.Vault
	handler SessionHandler
	log     *slog.Logger

	mu    sync.RWMutex
	conns map[string]*runnerConn // keyed by runner id
}

// NewGateway creates the runner gateway. The session handler is
// attached separately because it is itself built on services that need
// the gateway as their runner link.
func NewGateway(cfg config.Gateway, store database.Store, vault *secrets.Vault, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:   cfg,
		store: store,
		vault: vault,
		log:   log.With("component", "gateway"),
		conns: make(map[string]*runnerConn),
	}
}

// SetHandler attaches the session handler. Must be called before the
// gateway accepts connections.
func (g *Gateway) SetHandler(h SessionHandler) { g.handler = h }

// HandleWS upgrades a runner connection. The runner authenticates with a
// bearer token and must send a register envelope as its first message.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	tok, err := g.authenticate(r)
	if err != nil {
		http.Error(w, `{"error":"invalid runner token"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		g.log.Error("websocket accept failed", "error", err)
		return
	}

	// Detach from the request context; the channel outlives the upgrade.
	ctx, cancel := context.WithCancel(context.Background())
	ctx = middleware.WithPrincipal(ctx, &principal.Principal{
		OrganizationID: tok.OrganizationID,
		Role:           principal.RoleMember,
	})

	reg, err := g.readRegister(ctx, ws)
	if err != nil {
		cancel()
		_ = ws.Close(websocket.StatusPolicyViolation, "registration required")
		return
	}

	rec, err := g.handler.RunnerConnected(ctx, reg)
	if err != nil {
		cancel()
		g.log.Warn("runner registration rejected", "name", reg.Name, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}

	c := &runnerConn{ws: ws, orgID: tok.OrganizationID, runnerID: rec.ID, cancel: cancel}
	g.addConn(c)
	g.log.Info("runner connected", "runner_id", rec.ID, "name", rec.Name, "remote", r.RemoteAddr)

	go g.readLoop(ctx, c)
	go g.probeLoop(ctx, c)
}

// authenticate resolves the presented token to its issuing organization.
func (g *Gateway) authenticate(r *http.Request) (*runner.Token, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return nil, errors.New("missing token")
	}
	hash, err := g.vault.HashRunnerToken(raw)
	if err != nil {
		return nil, err
	}
	tok, err := g.store.GetRunnerTokenByHash(r.Context(), hash)
	if err != nil {
		return nil, err
	}
	if !g.vault.VerifyRunnerToken(raw, tok.TokenHash) {
		return nil, errors.New("token mismatch")
	}
	return tok, nil
}

func (g *Gateway) readRegister(ctx context.Context, ws *websocket.Conn) (*RegisterPayload, error) {
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.AckTimeout)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeRegister {
		return nil, errors.New("first message must be register")
	}
	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return nil, fmt.Errorf("decode register: %w", err)
	}
	return &reg, nil
}

// readLoop consumes inbound envelopes until the channel closes.
func (g *Gateway) readLoop(ctx context.Context, c *runnerConn) {
	defer func() {
		g.removeConn(c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		// The session context is cancelled by removeConn; the
		// mark-offline write needs a live one.
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		dctx = middleware.WithPrincipal(dctx, &principal.Principal{
			OrganizationID: c.orgID,
			Role:           principal.RoleMember,
		})
		g.handler.RunnerDisconnected(dctx, c.runnerID)
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.log.Warn("malformed gateway message", "runner_id", c.runnerID, "error", err)
			continue
		}
		if env.Type == TypeHeartbeatAck {
			c.mu.Lock()
			c.ackPending = false
			c.mu.Unlock()
		}
		if err := g.handler.HandleMessage(ctx, c.runnerID, env); err != nil {
			g.log.Warn("handle gateway message", "runner_id", c.runnerID, "type", env.Type, "error", err)
		}
	}
}

// probeLoop sends transport pings and application heartbeats. A probe
// left unacknowledged past the ack timeout reports a missed heartbeat.
func (g *Gateway) probeLoop(ctx context.Context, c *runnerConn) {
	ping := time.NewTicker(g.cfg.PingInterval)
	probe := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ping.Stop()
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.cfg.AckTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-probe.C:
			c.mu.Lock()
			c.ackPending = true
			c.mu.Unlock()

			if err := g.send(ctx, c, TypeHeartbeat, nil); err != nil {
				return
			}

			time.AfterFunc(g.cfg.AckTimeout, func() {
				c.mu.Lock()
				missed := c.ackPending
				c.mu.Unlock()
				if missed {
					g.handler.HeartbeatMissed(ctx, c.runnerID)
				}
			})
		}
	}
}

// Send delivers an envelope to the runner. Implements runnerlink.Link.
func (g *Gateway) Send(ctx context.Context, runnerID, msgType string, payload any) error {
	g.mu.RLock()
	c, ok := g.conns[runnerID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to runner %s: %w", msgType, runnerID, ErrNotConnected)
	}
	return g.send(ctx, c, msgType, payload)
}

// Connected reports whether the runner currently holds a channel.
func (g *Gateway) Connected(runnerID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[runnerID]
	return ok
}

// ConnectionCount returns the number of live runner channels.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) send(ctx context.Context, c *runnerConn, msgType string, payload any) error {
	env, err := Marshal(msgType, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s to runner %s: %w", msgType, c.runnerID, err)
	}
	return nil
}

func (g *Gateway) addConn(c *runnerConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// A reconnect replaces any stale channel for the same runner.
	if old, ok := g.conns[c.runnerID]; ok {
		old.cancel()
	}
	g.conns[c.runnerID] = c
}

func (g *Gateway) removeConn(c *runnerConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.conns[c.runnerID]; ok && cur == c {
		c.cancel()
		delete(g.conns, c.runnerID)
		g.log.Info("runner disconnected", "runner_id", c.runnerID)
	}
}
