// Package runnerlink defines the port for pushing control messages to
// connected runners over their persistent channel.
package runnerlink

import "context"

// Link delivers control-plane messages to runners.
type Link interface {
	// Send delivers an envelope to the runner. Returns an error if the
	// runner is not connected or the write fails.
	Send(ctx context.Context, runnerID string, msgType string, payload any) error

	// Connected reports whether the runner currently holds a channel.
	Connected(runnerID string) bool
}
