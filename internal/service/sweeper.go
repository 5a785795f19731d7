package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain/approval"
	"github.com/sibyl-dev/sibyl/internal/port/database"
)

// Sweeper runs the periodic background passes: the reaper fails agents
// whose runner vanished, and the expiry pass resolves approvals nobody
// decided. Checkpoint retention is enforced at write time, not here.
type Sweeper struct {
	store     database.Store
	approvals *ApprovalService
	cfg       config.Sweep
	log       *slog.Logger
}

// NewSweeper creates the background sweeper.
func NewSweeper(store database.Store, approvals *ApprovalService, cfg config.Sweep, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		approvals: approvals,
		cfg:       cfg,
		log:       log.With("component", "sweeper"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	reaper := time.NewTicker(s.cfg.ReaperInterval)
	defer reaper.Stop()
	expiry := time.NewTicker(s.cfg.GCInterval)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reaper.C:
			if err := ReapStaleAgents(ctx, s.store, s.cfg.StaleAfter, s.log); err != nil {
				s.log.Error("reaper pass", "error", err)
			}
		case <-expiry.C:
			if err := s.approvals.ExpireSweep(ctx, approval.DefaultTimeout); err != nil {
				s.log.Error("approval expiry pass", "error", err)
			}
		}
	}
}
