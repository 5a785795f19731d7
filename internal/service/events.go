// Package service implements the Sibyl control-plane business logic on
// top of the port interfaces.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sibyl-dev/sibyl/internal/port/broadcast"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
)

// Events fans control-plane events out to the durable JetStream stream
// and the dashboard hub. Both paths are best-effort; state changes never
// roll back because an event failed to publish.
type Events struct {
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	log   *slog.Logger
}

// NewEvents creates the event fan-out.
func NewEvents(queue messagequeue.Queue, hub broadcast.Broadcaster, log *slog.Logger) *Events {
	return &Events{queue: queue, hub: hub, log: log.With("component", "events")}
}

// Publish writes the event to the durable stream and broadcasts it to
// the organization's dashboards.
func (e *Events) Publish(ctx context.Context, orgID, suffix string, payload any) {
	if e == nil {
		return
	}
	if e.queue != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.log.Error("marshal event", "suffix", suffix, "error", err)
			return
		}
		if err := e.queue.Publish(ctx, messagequeue.Subject(orgID, suffix), data); err != nil {
			e.log.Error("publish event", "suffix", suffix, "error", err)
		}
	}
	if e.hub != nil {
		e.hub.BroadcastEvent(ctx, orgID, suffix, payload)
	}
}

// Broadcast sends a transient event to the dashboards only, bypassing
// the durable stream. Used for high-volume output like gate lines.
func (e *Events) Broadcast(ctx context.Context, orgID, eventType string, payload any) {
	if e == nil || e.hub == nil {
		return
	}
	e.hub.BroadcastEvent(ctx, orgID, eventType, payload)
}
