package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
	"github.com/sibyl-dev/sibyl/internal/port/runnerlink"
)

// Dispatcher places an assignment on a runner and insists on an ack.
// A runner that does not acknowledge within the ack timeout is excluded
// and the task re-routed, up to the configured number of re-routes. A
// slot is claimed before the assign goes out and returned if the runner
// stays silent; the agent's terminal transition releases it otherwise.
type Dispatcher struct {
	router     *RouterService
	gateway    *GatewayService
	registry   *RegistryService
	link       runnerlink.Link
	ackTimeout time.Duration
	retries    int
	log        *slog.Logger
}

// NewDispatcher creates the task dispatcher.
func NewDispatcher(router *RouterService, gateway *GatewayService, registry *RegistryService, link runnerlink.Link, gw config.Gateway, orch config.Orchestrator, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		router:     router,
		gateway:    gateway,
		registry:   registry,
		link:       link,
		ackTimeout: gw.AckTimeout,
		retries:    orch.AssignRetries,
		log:        log.With("component", "dispatcher"),
	}
}

// Dispatch routes the task and delivers a task_assign, returning the id
// of the runner that acknowledged it. Wrapped ErrCapacity means the
// fleet could not take the task at all.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task, agentID, prompt, baseBranch, preferred string) (string, error) {
	var exclude []string
	for attempt := 0; attempt <= d.retries; attempt++ {
		res, err := d.router.Route(ctx, t, preferred, exclude)
		if err != nil {
			return "", err
		}
		runnerID := res.Selected

		// Routing scores are computed from a snapshot; the slot claim is
		// the authoritative capacity check.
		ok, err := d.registry.AcquireSlot(ctx, runnerID)
		if err != nil {
			return "", err
		}
		if !ok {
			d.log.Warn("runner at capacity on slot claim", "task_id", t.ID, "runner_id", runnerID)
			exclude = append(exclude, runnerID)
			continue
		}

		acked, err := d.assign(ctx, t, runnerID, agentID, prompt, baseBranch)
		if err != nil {
			d.releaseSlot(ctx, runnerID)
			return "", err
		}
		if acked {
			return runnerID, nil
		}

		d.releaseSlot(ctx, runnerID)
		d.log.Warn("task_assign unacknowledged", "task_id", t.ID,
			"runner_id", runnerID, "attempt", attempt+1)
		exclude = append(exclude, runnerID)
	}
	return "", fmt.Errorf("dispatch task %s: %s: %w",
		t.ID, orchestrator.CauseRunnerUnavailable, domain.ErrCapacity)
}

func (d *Dispatcher) releaseSlot(ctx context.Context, runnerID string) {
	if err := d.registry.ReleaseSlot(ctx, runnerID); err != nil {
		d.log.Warn("release runner slot", "runner_id", runnerID, "error", err)
	}
}

func (d *Dispatcher) assign(ctx context.Context, t *task.Task, runnerID, agentID, prompt, baseBranch string) (bool, error) {
	ackCh, cancel := d.gateway.AwaitAck(t.ID)
	defer cancel()

	err := d.link.Send(ctx, runnerID, ws.TypeTaskAssign, ws.TaskAssignPayload{
		TaskID:               t.ID,
		ProjectID:            t.ProjectID,
		AgentID:              agentID,
		Prompt:               prompt,
		RequiredCapabilities: t.RequiredCapabilities,
		BaseBranch:           baseBranch,
	})
	if err != nil {
		// Connection races with routing; treat like a missing ack and
		// let the caller re-route.
		d.log.Warn("task_assign send failed", "task_id", t.ID,
			"runner_id", runnerID, "error", err)
		return false, nil
	}

	select {
	case <-ackCh:
		return true, nil
	case <-time.After(d.ackTimeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
