package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibyl-dev/sibyl/internal/domain/principal"
	"github.com/sibyl-dev/sibyl/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. Callers
// mount the runner gateway and health endpoints separately; everything
// here sits behind the identity middleware. Reads are open to any
// principal, writes require member, fleet credentials require admin.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)

		member := middleware.RequireRole(principal.RoleMember)
		admin := middleware.RequireRole(principal.RoleAdmin)

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.4.1"}`))
		})

		// Runner fleet
		r.Get("/runners", h.ListRunners)
		r.Get("/runners/{id}", h.GetRunner)
		r.With(member).Post("/runners/{id}/drain", h.DrainRunner)
		r.With(admin).Delete("/runners/{id}", h.RemoveRunner)
		r.With(admin).Post("/runners/tokens", h.IssueRunnerToken)
		r.With(admin).Delete("/runners/tokens/{id}", h.RevokeRunnerToken)

		// Tasks (nested under projects + direct access)
		r.With(member).Post("/projects/{id}/tasks", h.CreateTask)
		r.Get("/projects/{id}/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.With(member).Post("/tasks/{id}/cancel", h.CancelTask)
		r.Get("/tasks/{id}/routing", h.PreviewRouting)

		// Standalone agents
		r.With(member).Post("/agents", h.SpawnAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.With(member).Post("/agents/{id}/stop", h.StopAgent)
		r.With(member).Post("/agents/{id}/promote", h.PromoteAgent)
		r.With(member).Post("/agents/{id}/demote", h.DemoteAgent)

		// Checkpoints (nested under agents + direct access)
		r.Get("/agents/{id}/checkpoints", h.ListCheckpoints)
		r.Get("/agents/{id}/checkpoints/latest", h.LatestCheckpoint)
		r.With(member).Post("/agents/{id}/restore", h.RestoreCheckpoint)
		r.Get("/checkpoints/{id}", h.GetCheckpoint)

		// Inter-agent messages
		r.With(member).Post("/messages", h.SendMessage)
		r.Get("/messages/{id}", h.GetMessage)
		r.With(member).Post("/messages/{id}/read", h.MarkMessageRead)
		r.With(member).Post("/messages/{id}/respond", h.RespondMessage)
		r.Get("/agents/{id}/inbox", h.AgentInbox)

		// Human approvals
		r.With(member).Post("/approvals", h.RequestApproval)
		r.Get("/approvals", h.ListPendingApprovals)
		r.Get("/approvals/{id}", h.GetApproval)
		r.With(member).Post("/approvals/{id}/decide", h.DecideApproval)

		// Task orchestrators (Ralph loop)
		r.With(member).Post("/orchestrators", h.CreateOrchestrator)
		r.Get("/orchestrators", h.ListOrchestrators)
		r.Get("/orchestrators/{id}", h.GetOrchestrator)
		r.With(member).Post("/orchestrators/{id}/start", h.StartOrchestrator)
		r.With(member).Post("/orchestrators/{id}/cancel", h.CancelOrchestrator)
		r.With(member).Post("/orchestrators/{id}/review", h.SubmitReview)

		// Meta-orchestrators (nested under projects + direct access)
		r.With(member).Post("/projects/{id}/meta", h.GetOrCreateMeta)
		r.Get("/meta", h.ListMetas)
		r.Get("/meta/{id}", h.GetMeta)
		r.With(member).Post("/meta/{id}/queue", h.QueueMetaTasks)
		r.With(member).Put("/meta/{id}/strategy", h.SetMetaStrategy)
		r.With(member).Put("/meta/{id}/budget", h.SetMetaBudget)
		r.With(member).Post("/meta/{id}/pause", h.PauseMeta)
		r.With(member).Post("/meta/{id}/resume", h.ResumeMeta)
	})
}
