package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/agent"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
	"github.com/sibyl-dev/sibyl/internal/port/database"
	"github.com/sibyl-dev/sibyl/internal/port/messagequeue"
	"github.com/sibyl-dev/sibyl/internal/port/runnerlink"
)

// reviewDecision is a human verdict delivered to a waiting worker.
type reviewDecision struct {
	approved   bool
	feedback   string
	reviewerID string
}

// orchWorker is the in-process state of one running phase machine.
type orchWorker struct {
	cancel context.CancelFunc
	review chan reviewDecision
}

// OrchestratorService drives tasks through the implement, gates,
// review, rework loop. Each started orchestrator runs as one worker
// goroutine; all durable state lives in the store so a crashed worker
// leaves a record the startup sweep can fail cleanly.
type OrchestratorService struct {
	store    database.Store
	dispatch *Dispatcher
	gateway  *GatewayService
	link     runnerlink.Link
	events   *Events
	sync     *Synchronizer
	metrics  *otel.Metrics
	cfg      config.Orchestrator
	gates    config.Gates
	log      *slog.Logger

	// finished is the meta orchestrator's completion hook.
	finished func(ctx context.Context, o *orchestrator.TaskOrchestrator)

	mu      sync.Mutex
	workers map[string]*orchWorker
	wg      sync.WaitGroup
}

// NewOrchestratorService creates the task orchestrator service.
func NewOrchestratorService(store database.Store, dispatch *Dispatcher, gateway *GatewayService, link runnerlink.Link, events *Events, sync *Synchronizer, metrics *otel.Metrics, cfg config.Orchestrator, gates config.Gates, log *slog.Logger) *OrchestratorService {
	return &OrchestratorService{
		store:    store,
		dispatch: dispatch,
		gateway:  gateway,
		link:     link,
		events:   events,
		sync:     sync,
		metrics:  metrics,
		cfg:      cfg,
		gates:    gates,
		log:      log.With("service", "orchestrator"),
		workers:  make(map[string]*orchWorker),
	}
}

// OnFinished registers the completion hook invoked when an orchestrator
// reaches a terminal status.
func (s *OrchestratorService) OnFinished(fn func(ctx context.Context, o *orchestrator.TaskOrchestrator)) {
	s.finished = fn
}

// Create records a pending orchestrator for a queued task.
func (s *OrchestratorService) Create(ctx context.Context, req *orchestrator.CreateRequest) (*orchestrator.TaskOrchestrator, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusQueued {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrConflict, t.ID, t.Status)
	}

	o := &orchestrator.TaskOrchestrator{
		ID:                uuid.NewString(),
		OrganizationID:    t.OrganizationID,
		ProjectID:         req.ProjectID,
		TaskID:            req.TaskID,
		Phase:             orchestrator.PhaseImplement,
		Status:            orchestrator.StatusPending,
		GateConfig:        req.GateConfig,
		MaxReworkAttempts: req.MaxReworkAttempts,
	}
	if err := s.store.CreateOrchestrator(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns one orchestrator.
func (s *OrchestratorService) Get(ctx context.Context, id string) (*orchestrator.TaskOrchestrator, error) {
	return s.store.GetOrchestrator(ctx, id)
}

// List returns all orchestrators of the organization.
func (s *OrchestratorService) List(ctx context.Context) ([]orchestrator.TaskOrchestrator, error) {
	return s.store.ListOrchestrators(ctx)
}

// Start launches the phase machine for a pending orchestrator.
func (s *OrchestratorService) Start(ctx context.Context, id string) error {
	o, err := s.store.GetOrchestrator(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != orchestrator.StatusPending {
		return fmt.Errorf("%w: orchestrator %s is %s", domain.ErrConflict, id, o.Status)
	}

	o.Status = orchestrator.StatusRunning
	o.StartedAt = time.Now().UTC()
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		return err
	}
	if err := s.store.UpdateTaskStatus(ctx, o.TaskID, task.StatusRunning); err != nil {
		s.log.Error("mark task running", "task_id", o.TaskID, "error", err)
	}

	wctx, cancel := context.WithCancel(scopeFor(context.Background(), o.OrganizationID))
	w := &orchWorker{cancel: cancel, review: make(chan reviewDecision, 1)}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.workers, id)
			s.mu.Unlock()
		}()
		s.run(wctx, id, w)
	}()

	s.publishPhase(ctx, o)
	s.log.Info("orchestrator started", "orchestrator_id", id, "task_id", o.TaskID)
	return nil
}

// Cancel stops a running orchestrator and its current agent.
func (s *OrchestratorService) Cancel(ctx context.Context, id string) error {
	o, err := s.store.GetOrchestrator(ctx, id)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: orchestrator %s is %s", domain.ErrConflict, id, o.Status)
	}

	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w != nil {
		w.cancel()
	}

	if o.CurrentWorkerID != "" {
		if err := s.stopAgent(ctx, o.CurrentWorkerID, "orchestrator cancelled"); err != nil {
			s.log.Warn("stop worker agent", "agent_id", o.CurrentWorkerID, "error", err)
		}
	}

	o.Phase = orchestrator.PhaseCancelled
	o.Status = orchestrator.StatusCancelled
	o.FailureCause = orchestrator.CauseCancelled
	o.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		return err
	}
	if err := s.store.UpdateTaskStatus(ctx, o.TaskID, task.StatusCancelled); err != nil {
		s.log.Error("mark task cancelled", "task_id", o.TaskID, "error", err)
	}

	s.sync.DropOrchestrator(ctx, id)
	s.publishPhase(ctx, o)
	s.notifyFinished(ctx, o)
	s.log.Info("orchestrator cancelled", "orchestrator_id", id)
	return nil
}

// SubmitReview delivers a human verdict to an orchestrator waiting in
// the review phase.
func (s *OrchestratorService) SubmitReview(ctx context.Context, id string, approved bool, feedback, reviewerID string) error {
	o, err := s.store.GetOrchestrator(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != orchestrator.StatusWaitingReview {
		return fmt.Errorf("%w: orchestrator %s is not waiting for review", domain.ErrConflict, id)
	}
	if !approved && feedback == "" {
		return fmt.Errorf("%w: rejection requires feedback", domain.ErrValidation)
	}

	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: orchestrator %s has no active worker", domain.ErrConflict, id)
	}

	select {
	case w.review <- reviewDecision{approved: approved, feedback: feedback, reviewerID: reviewerID}:
		return nil
	default:
		return fmt.Errorf("%w: review already submitted for %s", domain.ErrConflict, id)
	}
}

// Shutdown waits for all workers to exit. Callers cancel them first.
func (s *OrchestratorService) Shutdown() {
	s.mu.Lock()
	for _, w := range s.workers {
		w.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run is the phase machine. It owns the orchestrator record until a
// terminal phase; every transition is persisted before the next step.
func (s *OrchestratorService) run(ctx context.Context, id string, w *orchWorker) {
	o, err := s.store.GetOrchestrator(ctx, id)
	if err != nil {
		s.log.Error("load orchestrator", "orchestrator_id", id, "error", err)
		return
	}
	t, err := s.store.GetTask(ctx, o.TaskID)
	if err != nil {
		s.fail(ctx, o, orchestrator.CauseAgentError, err.Error())
		return
	}

	feedback := ""
	for {
		if ctx.Err() != nil {
			return
		}

		// implement: one managed agent works the task to completion.
		done, err := s.implement(ctx, o, t, feedback)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			cause := orchestrator.CauseAgentError
			if errors.Is(err, domain.ErrCapacity) {
				cause = orchestrator.CauseRunnerUnavailable
			}
			s.fail(ctx, o, cause, err.Error())
			return
		}
		o.TokensUsed += done.TokensUsed
		o.CostUSD += done.CostUSD
		if !done.Success {
			s.fail(ctx, o, orchestrator.CauseAgentError, "agent reported failure: "+done.Error)
			return
		}

		// gates: automated checks run in the workspace on the runner.
		results, err := s.runGates(ctx, o)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.fail(ctx, o, orchestrator.CauseGateTimeout, err.Error())
			return
		}
		o.GateResults = results
		if !gate.AllPassed(results) {
			if !s.rework(ctx, o, &feedback, gateFeedback(results)) {
				return
			}
			continue
		}

		// review: optional human verdict.
		if o.WantsReview() {
			dec, err := s.awaitReview(ctx, o, w)
			if err != nil {
				return
			}
			o.ReviewerID = dec.reviewerID
			o.ReviewFeedback = dec.feedback
			if !dec.approved {
				if !s.rework(ctx, o, &feedback, "review rejected: "+dec.feedback) {
					return
				}
				continue
			}
		}

		s.complete(ctx, o)
		return
	}
}

// implement spawns the cycle's worker agent and waits for its outcome.
func (s *OrchestratorService) implement(ctx context.Context, o *orchestrator.TaskOrchestrator, t *task.Task, feedback string) (*ws.TaskCompletePayload, error) {
	if err := s.setPhase(ctx, o, orchestrator.PhaseImplement, orchestrator.StatusRunning); err != nil {
		return nil, err
	}

	a := &agent.Agent{
		ID:             uuid.NewString(),
		OrganizationID: o.OrganizationID,
		ProjectID:      o.ProjectID,
		TaskID:         o.TaskID,
		OrchestratorID: o.ID,
		Status:         agent.StatusInitializing,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	o.CurrentWorkerID = a.ID
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		return nil, err
	}

	doneCh, cancelWait := s.gateway.AwaitCompletion(o.TaskID)
	defer cancelWait()

	prompt := buildPrompt(t, feedback)
	runnerID, err := s.dispatch.Dispatch(ctx, t, a.ID, prompt, "", "")
	if err != nil {
		return nil, err
	}
	a.RunnerID = runnerID
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AgentsSpawned.Add(ctx, 1)
	}
	s.sync.MirrorAgent(ctx, a)

	select {
	case done := <-doneCh:
		return &done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runGates dispatches the automated gates to the worker's runner and
// waits for results. No automated gates is a trivial pass.
func (s *OrchestratorService) runGates(ctx context.Context, o *orchestrator.TaskOrchestrator) ([]gate.Result, error) {
	kinds := o.AutomatedGates()
	if len(kinds) == 0 {
		return nil, nil
	}
	if err := s.setPhase(ctx, o, orchestrator.PhaseGates, orchestrator.StatusRunning); err != nil {
		return nil, err
	}

	a, err := s.store.GetAgent(ctx, o.CurrentWorkerID)
	if err != nil {
		return nil, err
	}

	resCh, cancelWait := s.gateway.AwaitGates(o.TaskID)
	defer cancelWait()

	if err := s.link.Send(ctx, a.RunnerID, ws.TypeGateRun, ws.GateRunPayload{
		TaskID:  o.TaskID,
		AgentID: a.ID,
		Kinds:   kinds,
	}); err != nil {
		return nil, fmt.Errorf("dispatch gates for task %s: %w", o.TaskID, err)
	}
	if s.metrics != nil {
		s.metrics.GateRuns.Add(ctx, int64(len(kinds)))
	}

	// The runner enforces the per-gate timeout; the slack covers
	// transport and result delivery.
	deadline := s.gates.Timeout*time.Duration(len(kinds)) + 30*time.Second
	select {
	case res := <-resCh:
		if s.metrics != nil {
			for i := range res.Results {
				if !res.Results[i].Passed {
					s.metrics.GateFailures.Add(ctx, 1)
				}
			}
		}
		return res.Results, nil
	case <-time.After(deadline):
		return nil, fmt.Errorf("gates for task %s produced no result within %s", o.TaskID, deadline)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitReview parks the orchestrator in waiting-review until a verdict
// arrives.
func (s *OrchestratorService) awaitReview(ctx context.Context, o *orchestrator.TaskOrchestrator, w *orchWorker) (*reviewDecision, error) {
	if err := s.setPhase(ctx, o, orchestrator.PhaseReview, orchestrator.StatusWaitingReview); err != nil {
		return nil, err
	}
	select {
	case dec := <-w.review:
		o.Status = orchestrator.StatusRunning
		return &dec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// rework re-enters the loop if the Ralph bound allows it; otherwise it
// fails the orchestrator. Returns whether the loop continues.
func (s *OrchestratorService) rework(ctx context.Context, o *orchestrator.TaskOrchestrator, feedback *string, reason string) bool {
	if !o.ReworkAllowed() {
		s.fail(ctx, o, orchestrator.CauseReworkLimit,
			fmt.Sprintf("rework limit reached after %d attempts: %s", o.ReworkCount, reason))
		return false
	}
	if err := s.setPhase(ctx, o, orchestrator.PhaseRework, orchestrator.StatusRunning); err != nil {
		s.fail(ctx, o, orchestrator.CauseAgentError, err.Error())
		return false
	}
	o.ReworkCount++
	*feedback = reason
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		s.log.Error("persist rework count", "orchestrator_id", o.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.ReworkCycles.Add(ctx, 1)
	}
	s.log.Info("rework cycle", "orchestrator_id", o.ID, "attempt", o.ReworkCount, "reason", reason)
	return true
}

func (s *OrchestratorService) complete(ctx context.Context, o *orchestrator.TaskOrchestrator) {
	o.Phase = orchestrator.PhaseComplete
	o.Status = orchestrator.StatusComplete
	o.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		s.log.Error("persist completion", "orchestrator_id", o.ID, "error", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, o.TaskID, task.StatusCompleted); err != nil {
		s.log.Error("mark task completed", "task_id", o.TaskID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.TaskCost.Record(ctx, o.CostUSD)
	}
	s.sync.DropOrchestrator(ctx, o.ID)
	s.publishPhase(ctx, o)
	s.events.Publish(ctx, o.OrganizationID, messagequeue.SubjectOrchComplete, ws.OrchPhaseEvent{
		OrchestratorID: o.ID, TaskID: o.TaskID,
		Phase: string(o.Phase), Status: string(o.Status), ReworkCount: o.ReworkCount,
	})
	s.notifyFinished(ctx, o)
	s.log.Info("orchestrator complete", "orchestrator_id", o.ID, "task_id", o.TaskID,
		"rework_count", o.ReworkCount, "cost_usd", o.CostUSD)
}

func (s *OrchestratorService) fail(ctx context.Context, o *orchestrator.TaskOrchestrator, cause orchestrator.FailureCause, msg string) {
	o.Phase = orchestrator.PhaseFailed
	o.Status = orchestrator.StatusFailed
	o.FailureCause = cause
	o.ErrorMessage = msg
	o.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		s.log.Error("persist failure", "orchestrator_id", o.ID, "error", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, o.TaskID, task.StatusFailed); err != nil {
		s.log.Error("mark task failed", "task_id", o.TaskID, "error", err)
	}
	if o.CurrentWorkerID != "" {
		if err := s.stopAgent(ctx, o.CurrentWorkerID, string(cause)); err != nil {
			s.log.Warn("stop worker agent", "agent_id", o.CurrentWorkerID, "error", err)
		}
	}
	s.sync.DropOrchestrator(ctx, o.ID)
	s.publishPhase(ctx, o)
	s.events.Publish(ctx, o.OrganizationID, messagequeue.SubjectOrchFailed, ws.OrchPhaseEvent{
		OrchestratorID: o.ID, TaskID: o.TaskID,
		Phase: string(o.Phase), Status: string(o.Status), ReworkCount: o.ReworkCount,
	})
	s.notifyFinished(ctx, o)
	s.log.Warn("orchestrator failed", "orchestrator_id", o.ID, "cause", cause, "error", msg)
}

// setPhase validates and persists a phase transition, then broadcasts it.
func (s *OrchestratorService) setPhase(ctx context.Context, o *orchestrator.TaskOrchestrator, phase orchestrator.Phase, status orchestrator.Status) error {
	if o.Phase != phase {
		if err := orchestrator.ValidatePhaseTransition(o.Phase, phase); err != nil {
			return err
		}
	}
	o.Phase = phase
	o.Status = status
	if err := s.store.UpdateOrchestrator(ctx, o); err != nil {
		return err
	}
	s.sync.MirrorOrchestrator(ctx, o)
	s.publishPhase(ctx, o)
	return nil
}

func (s *OrchestratorService) publishPhase(ctx context.Context, o *orchestrator.TaskOrchestrator) {
	s.events.Publish(ctx, o.OrganizationID, messagequeue.SubjectOrchPhase, ws.OrchPhaseEvent{
		OrchestratorID: o.ID, TaskID: o.TaskID,
		Phase: string(o.Phase), Status: string(o.Status), ReworkCount: o.ReworkCount,
	})
}

func (s *OrchestratorService) notifyFinished(ctx context.Context, o *orchestrator.TaskOrchestrator) {
	if s.finished != nil {
		s.finished(ctx, o)
	}
}

// stopAgent cancels the worker agent directly; the full AgentService
// stop path is not needed for agents the orchestrator owns.
func (s *OrchestratorService) stopAgent(ctx context.Context, agentID, reason string) error {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	if a.RunnerID != "" && s.link.Connected(a.RunnerID) {
		if err := s.link.Send(ctx, a.RunnerID, ws.TypeAgentCancel, ws.AgentCancelPayload{
			AgentID: agentID, Reason: reason,
		}); err != nil {
			s.log.Warn("send agent cancel", "agent_id", agentID, "error", err)
		}
	}
	a.Status = agent.StatusTerminated
	a.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.sync.DropAgent(ctx, agentID)
	return nil
}

// buildPrompt is the worker agent's instruction. Rework cycles append
// the previous cycle's feedback so the next attempt addresses it.
func buildPrompt(t *task.Task, feedback string) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if feedback != "" {
		b.WriteString("\n\nPrevious attempt feedback:\n")
		b.WriteString(feedback)
	}
	return b.String()
}

// gateFeedback summarizes failed gates for the rework prompt.
func gateFeedback(results []gate.Result) string {
	var b strings.Builder
	b.WriteString("quality gates failed:")
	for i := range results {
		r := &results[i]
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n- %s", r.Kind)
		if r.Reason != "" {
			fmt.Fprintf(&b, ": %s", r.Reason)
		}
		for _, f := range r.Errors {
			if f.File != "" {
				fmt.Fprintf(&b, "\n  %s:%d %s", f.File, f.Line, f.Message)
			} else {
				fmt.Fprintf(&b, "\n  %s", f.Message)
			}
		}
	}
	return b.String()
}
