package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/orchestrator"
)

const orchCols = `id, organization_id, project_id, task_id, phase, status, gate_config,
	gate_results, rework_count, max_rework_attempts, current_worker_id, review_feedback,
	reviewer_id, tokens_used, cost_usd, failure_cause, error_message, started_at,
	completed_at, version, created_at, updated_at`

func scanOrchestrator(row scannable) (orchestrator.TaskOrchestrator, error) {
	var o orchestrator.TaskOrchestrator
	var gateConfig, gateResults []byte
	var workerID, reviewerID, cause *string
	var startedAt, completedAt *time.Time
	err := row.Scan(&o.ID, &o.OrganizationID, &o.ProjectID, &o.TaskID, &o.Phase, &o.Status,
		&gateConfig, &gateResults, &o.ReworkCount, &o.MaxReworkAttempts, &workerID,
		&o.ReviewFeedback, &reviewerID, &o.TokensUsed, &o.CostUSD, &cause,
		&o.ErrorMessage, &startedAt, &completedAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return orchestrator.TaskOrchestrator{}, err
	}

	if err := json.Unmarshal(gateConfig, &o.GateConfig); err != nil {
		return orchestrator.TaskOrchestrator{}, fmt.Errorf("unmarshal gate_config: %w", err)
	}
	if len(gateResults) > 0 {
		if err := json.Unmarshal(gateResults, &o.GateResults); err != nil {
			return orchestrator.TaskOrchestrator{}, fmt.Errorf("unmarshal gate_results: %w", err)
		}
	}
	o.CurrentWorkerID = deref(workerID)
	o.ReviewerID = deref(reviewerID)
	o.FailureCause = orchestrator.FailureCause(deref(cause))
	if startedAt != nil {
		o.StartedAt = *startedAt
	}
	if completedAt != nil {
		o.CompletedAt = *completedAt
	}
	return o, nil
}

func marshalGates(config []gate.Kind, results []gate.Result) ([]byte, []byte, error) {
	if config == nil {
		config = []gate.Kind{}
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal gate_config: %w", err)
	}
	var res []byte
	if results != nil {
		if res, err = json.Marshal(results); err != nil {
			return nil, nil, fmt.Errorf("marshal gate_results: %w", err)
		}
	}
	return cfg, res, nil
}

func (s *Store) CreateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error {
	cfg, res, err := marshalGates(o.GateConfig, o.GateResults)
	if err != nil {
		return err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO orchestrators (id, organization_id, project_id, task_id, phase, status,
		   gate_config, gate_results, rework_count, max_rework_attempts, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+orchCols,
		o.ID, o.OrganizationID, o.ProjectID, o.TaskID, o.Phase, o.Status,
		cfg, res, o.ReworkCount, o.MaxReworkAttempts, nullTime(o.StartedAt))

	stored, err := scanOrchestrator(row)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	*o = stored
	return nil
}

func (s *Store) GetOrchestrator(ctx context.Context, id string) (*orchestrator.TaskOrchestrator, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orchCols+` FROM orchestrators WHERE id = $1 AND organization_id = $2`,
		id, orgFromCtx(ctx))

	o, err := scanOrchestrator(row)
	if err != nil {
		return nil, notFoundWrap(err, "get orchestrator %s", id)
	}
	return &o, nil
}

func (s *Store) ListOrchestrators(ctx context.Context) ([]orchestrator.TaskOrchestrator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orchCols+` FROM orchestrators
		 WHERE organization_id = $1 ORDER BY created_at DESC`, orgFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list orchestrators: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.TaskOrchestrator
	for rows.Next() {
		o, err := scanOrchestrator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orchestrator: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrchestrator persists o under optimistic concurrency: the write
// succeeds only if the stored version still matches o.Version.
func (s *Store) UpdateOrchestrator(ctx context.Context, o *orchestrator.TaskOrchestrator) error {
	cfg, res, err := marshalGates(o.GateConfig, o.GateResults)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE orchestrators SET phase = $3, status = $4, gate_config = $5, gate_results = $6,
		   rework_count = $7, max_rework_attempts = $8, current_worker_id = $9,
		   review_feedback = $10, reviewer_id = $11, tokens_used = $12, cost_usd = $13,
		   failure_cause = $14, error_message = $15, started_at = $16, completed_at = $17,
		   version = version + 1, updated_at = now()
		 WHERE id = $1 AND organization_id = $2 AND version = $18`,
		o.ID, orgFromCtx(ctx), o.Phase, o.Status, cfg, res,
		o.ReworkCount, o.MaxReworkAttempts, nullIfEmpty(o.CurrentWorkerID),
		o.ReviewFeedback, nullIfEmpty(o.ReviewerID), o.TokensUsed, o.CostUSD,
		nullIfEmpty(string(o.FailureCause)), o.ErrorMessage,
		nullTime(o.StartedAt), nullTime(o.CompletedAt), o.Version)
	if err != nil {
		return fmt.Errorf("update orchestrator %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update orchestrator %s: %w", o.ID, domain.ErrConflict)
	}
	o.Version++
	return nil
}
