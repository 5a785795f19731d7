// Package runner defines the Runner domain entity: a remote execution
// host connected to the control plane over a persistent channel.
package runner

import (
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
)

// Status represents the connection/availability state of a runner.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusOnline   Status = "online"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusBusy, StatusDraining:
		return true
	}
	return false
}

// AcceptsWork reports whether a runner in this status may receive new tasks.
// Draining runners complete existing work but accept nothing new.
func (s Status) AcceptsWork() bool {
	return s == StatusOnline || s == StatusBusy
}

// legal status transitions: offline <-> online <-> busy <-> draining.
var transitions = map[Status][]Status{
	StatusOffline:  {StatusOnline},
	StatusOnline:   {StatusOffline, StatusBusy, StatusDraining},
	StatusBusy:     {StatusOnline, StatusOffline, StatusDraining},
	StatusDraining: {StatusOffline, StatusOnline},
}

// ValidateTransition returns ErrValidation when from -> to is not a legal move.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: runner status %s -> %s", domain.ErrValidation, from, to)
}

// HeartbeatTimeout is how long a runner may go silent before the router
// treats it as unhealthy. Unhealthy is not offline: the channel may still
// be open, but no new work is assigned.
const HeartbeatTimeout = 60 * time.Second

// Runner represents a remote execution host.
type Runner struct {
	ID                  string    `json:"id"`
	OrganizationID      string    `json:"organization_id"`
	Name                string    `json:"name"`
	Hostname            string    `json:"hostname"`
	Capabilities        []string  `json:"capabilities"`
	MaxConcurrentAgents int       `json:"max_concurrent_agents"`
	CurrentAgentCount   int       `json:"current_agent_count"`
	Status              Status    `json:"status"`
	LastHeartbeat       time.Time `json:"last_heartbeat,omitzero"`
	ClientVersion       string    `json:"client_version,omitempty"`
	IsSandbox           bool      `json:"is_sandbox"`
	SandboxID           string    `json:"sandbox_id,omitempty"`
	Version             int       `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Healthy reports whether the runner heartbeated within HeartbeatTimeout of now.
func (r *Runner) Healthy(now time.Time) bool {
	if r.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(r.LastHeartbeat) <= HeartbeatTimeout
}

// AvailableSlots returns how many more agents the runner can host.
func (r *Runner) AvailableSlots() int {
	n := r.MaxConcurrentAgents - r.CurrentAgentCount
	if n < 0 {
		return 0
	}
	return n
}

// HasCapabilities reports whether required is a subset of the runner's
// capability tags, and returns the missing tags otherwise.
func (r *Runner) HasCapabilities(required []string) (bool, []string) {
	have := make(map[string]bool, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return len(missing) == 0, missing
}

// Project is a warm-workspace record: a working copy of a project that
// already exists on a runner. Unique per (runner, project).
type Project struct {
	RunnerID        string    `json:"runner_id"`
	ProjectID       string    `json:"project_id"`
	WorkspacePath   string    `json:"workspace_path"`
	WorkspaceBranch string    `json:"workspace_branch"`
	LastUsedAt      time.Time `json:"last_used_at"`
}

// RegisterRequest is the input to runner registration.
type RegisterRequest struct {
	Name                string   `json:"name"`
	Hostname            string   `json:"hostname"`
	Capabilities        []string `json:"capabilities"`
	MaxConcurrentAgents int      `json:"max_concurrent_agents"`
	IsSandbox           bool     `json:"is_sandbox"`
	SandboxID           string   `json:"sandbox_id,omitempty"`
}

// Validate checks registration invariants.
func (r *RegisterRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if r.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", domain.ErrValidation)
	}
	if r.MaxConcurrentAgents < 1 {
		return fmt.Errorf("%w: max_concurrent_agents must be >= 1", domain.ErrValidation)
	}
	return nil
}
