package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/port/cache"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
	"github.com/sibyl-dev/sibyl/internal/secrets"
)

// snapshotTTL bounds how stale the hot runner list may get.
const snapshotTTL = 5 * time.Second

// RegistryService is the authoritative record of the runner fleet.
type RegistryService struct {
	store  database.Store
	cache  cache.Cache
	vault  *secrets.Vault
	events *Events
	sync   *Synchronizer
	log    *slog.Logger
}

// NewRegistryService creates the runner registry.
func NewRegistryService(store database.Store, c cache.Cache, vault *secrets.Vault, events *Events, sync *Synchronizer, log *slog.Logger) *RegistryService {
	return &RegistryService{
		store:  store,
		cache:  c,
		vault:  vault,
		events: events,
		sync:   sync,
		log:    log.With("service", "registry"),
	}
}

// Register creates or refreshes a runner. Registration is idempotent by
// (organization, name): a reconnecting runner keeps its id and persistent
// state. Capabilities and slots are replaced wholesale; current agent
// count resets because the runner starts with no live agents.
func (s *RegistryService) Register(ctx context.Context, req *runner.RegisterRequest, clientVersion string) (*runner.Runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := middleware.PrincipalFromContext(ctx)
	if p == nil {
		return nil, fmt.Errorf("register runner: no organization in context")
	}

	r := &runner.Runner{
		ID:                  uuid.NewString(),
		OrganizationID:      p.OrganizationID,
		Name:                req.Name,
		Hostname:            req.Hostname,
		Capabilities:        req.Capabilities,
		MaxConcurrentAgents: req.MaxConcurrentAgents,
		CurrentAgentCount:   0,
		Status:              runner.StatusOnline,
		LastHeartbeat:       time.Now().UTC(),
		ClientVersion:       clientVersion,
		IsSandbox:           req.IsSandbox,
		SandboxID:           req.SandboxID,
	}
	if err := s.store.UpsertRunner(ctx, r); err != nil {
		return nil, err
	}

	s.invalidateSnapshot(ctx, p.OrganizationID)
	s.sync.MirrorRunner(ctx, r)
	s.events.Publish(ctx, r.OrganizationID, messagequeue.SubjectRunnerOnline, ws.RunnerStatusEvent{
		RunnerID: r.ID, Status: string(r.Status), AgentCount: r.CurrentAgentCount,
	})
	s.log.Info("runner registered", "runner_id", r.ID, "name", r.Name, "slots", r.MaxConcurrentAgents)
	return r, nil
}

// AcquireSlot claims one agent slot on the runner; false means it is at
// capacity. The count is owned by the control plane between heartbeats,
// so concurrent dispatches cannot oversubscribe the runner.
func (s *RegistryService) AcquireSlot(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.AcquireRunnerSlot(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.invalidateSnapshot(ctx, orgID(ctx))
	if r, err := s.store.GetRunner(ctx, id); err == nil {
		s.sync.MirrorRunner(ctx, r)
	}
	return true, nil
}

// ReleaseSlot returns an agent slot when its agent reaches a terminal
// status.
func (s *RegistryService) ReleaseSlot(ctx context.Context, id string) error {
	if err := s.store.ReleaseRunnerSlot(ctx, id); err != nil {
		return err
	}
	s.invalidateSnapshot(ctx, orgID(ctx))
	if r, err := s.store.GetRunner(ctx, id); err == nil {
		s.sync.MirrorRunner(ctx, r)
	}
	return nil
}

// Heartbeat refreshes liveness and the runner's own view of its agent
// count, reconciling any drift in the slot counter. Heartbeating N
// times with the same count is equivalent to once.
func (s *RegistryService) Heartbeat(ctx context.Context, id string, agentCount int) error {
	now := time.Now().UTC()
	if err := s.store.UpdateRunnerHeartbeat(ctx, id, now, agentCount); err != nil {
		return err
	}
	s.invalidateSnapshot(ctx, orgID(ctx))
	if r, err := s.store.GetRunner(ctx, id); err == nil {
		s.sync.MirrorRunner(ctx, r)
	}
	return nil
}

// UpdateStatus applies a validated status transition.
func (s *RegistryService) UpdateStatus(ctx context.Context, id string, to runner.Status) error {
	r, err := s.store.GetRunner(ctx, id)
	if err != nil {
		return err
	}
	if err := runner.ValidateTransition(r.Status, to); err != nil {
		return err
	}
	if err := s.store.UpdateRunnerStatus(ctx, id, to); err != nil {
		return err
	}
	r.Status = to

	s.invalidateSnapshot(ctx, r.OrganizationID)
	s.sync.MirrorRunner(ctx, r)

	suffix := messagequeue.SubjectRunnerOnline
	if to == runner.StatusOffline {
		suffix = messagequeue.SubjectRunnerOffline
	}
	s.events.Publish(ctx, r.OrganizationID, suffix, ws.RunnerStatusEvent{
		RunnerID: id, Status: string(to), AgentCount: r.CurrentAgentCount,
	})
	return nil
}

// Drain moves the runner to draining: existing agents finish, nothing
// new is assigned.
func (s *RegistryService) Drain(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, runner.StatusDraining)
}

// Remove deletes the runner and its warm workspaces. Explicit owner
// action only; disconnects merely mark offline.
func (s *RegistryService) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteRunner(ctx, id); err != nil {
		return err
	}
	s.invalidateSnapshot(ctx, orgID(ctx))
	s.sync.DropRunner(ctx, id)
	return nil
}

// Get returns one runner.
func (s *RegistryService) Get(ctx context.Context, id string) (*runner.Runner, error) {
	return s.store.GetRunner(ctx, id)
}

// List returns all runners of the organization, served from the hot
// snapshot when fresh.
func (s *RegistryService) List(ctx context.Context) ([]runner.Runner, error) {
	key := snapshotKey(orgID(ctx))
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var runners []runner.Runner
			if err := json.Unmarshal(data, &runners); err == nil {
				return runners, nil
			}
		}
	}

	runners, err := s.store.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(runners); err == nil {
			_ = s.cache.Set(ctx, key, data, snapshotTTL)
		}
	}
	return runners, nil
}

// ListAvailable returns runners that may accept new work, excluding the
// given ids.
func (s *RegistryService) ListAvailable(ctx context.Context, exclude []string) ([]runner.Runner, error) {
	runners, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []runner.Runner
	for _, r := range runners {
		if r.Status.AcceptsWork() && !skip[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// RegisterWorkspace records a warm workspace declared by the runner.
func (s *RegistryService) RegisterWorkspace(ctx context.Context, p *runner.Project) error {
	if p.LastUsedAt.IsZero() {
		p.LastUsedAt = time.Now().UTC()
	}
	return s.store.UpsertWarmWorkspace(ctx, p)
}

// WarmWorkspaces returns the org's warm-workspace map keyed by
// "runnerID/projectID", the shape the router consumes.
func (s *RegistryService) WarmWorkspaces(ctx context.Context) (map[string]runner.Project, error) {
	list, err := s.store.ListWarmWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]runner.Project, len(list))
	for _, p := range list {
		out[p.RunnerID+"/"+p.ProjectID] = p
	}
	return out, nil
}

// IssueToken creates a runner credential and returns the plaintext once.
func (s *RegistryService) IssueToken(ctx context.Context, name string) (*runner.Token, string, error) {
	p := middleware.PrincipalFromContext(ctx)
	if p == nil {
		return nil, "", fmt.Errorf("issue runner token: no organization in context")
	}

	plain, err := secrets.GenerateRunnerToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate runner token: %w", err)
	}
	hash, err := s.vault.HashRunnerToken(plain)
	if err != nil {
		return nil, "", err
	}

	tok := &runner.Token{
		ID:             uuid.NewString(),
		OrganizationID: p.OrganizationID,
		Name:           name,
		TokenHash:      hash,
	}
	if err := s.store.CreateRunnerToken(ctx, tok); err != nil {
		return nil, "", err
	}
	return tok, plain, nil
}

// RevokeToken invalidates a runner credential.
func (s *RegistryService) RevokeToken(ctx context.Context, id string) error {
	return s.store.RevokeRunnerToken(ctx, id, time.Now().UTC())
}

func (s *RegistryService) invalidateSnapshot(ctx context.Context, org string) {
	if s.cache != nil && org != "" {
		_ = s.cache.Delete(ctx, snapshotKey(org))
	}
}

func snapshotKey(org string) string {
	return "runners/" + org
}

// orgID is a convenience for services that only need the scope id.
func orgID(ctx context.Context) string {
	if p := middleware.PrincipalFromContext(ctx); p != nil {
		return p.OrganizationID
	}
	return ""
}
