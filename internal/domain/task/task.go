// Package task defines the Task domain entity. Tasks are external input
// to the control plane and are treated as immutable apart from status.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a unit of work for a coding agent.
type Task struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id"`
	ProjectID            string    `json:"project_id"`
	Title                string    `json:"title"`
	Priority             int       `json:"priority"`
	Complexity           int       `json:"complexity"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	Status               Status    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
