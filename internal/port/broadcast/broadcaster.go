// Package broadcast defines the port for broadcasting real-time events to connected UI clients.
package broadcast

import "context"

// Broadcaster sends real-time events to connected clients of one organization.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all clients of the organization.
	BroadcastEvent(ctx context.Context, orgID, eventType string, payload any)
}
