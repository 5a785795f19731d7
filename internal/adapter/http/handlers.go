package http

import (
	"github.com/sibyl-dev/sibyl/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Registry      *service.RegistryService
	Router        *service.RouterService
	Tasks         *service.TaskService
	Agents        *service.AgentService
	Orchestrators *service.OrchestratorService
	Meta          *service.MetaService
	Checkpoints   *service.CheckpointService
	Messages      *service.MessageService
	Approvals     *service.ApprovalService
}
