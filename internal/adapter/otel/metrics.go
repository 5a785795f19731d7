package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sibyl"

// Metrics holds all Sibyl metric instruments.
type Metrics struct {
	TasksRouted       metric.Int64Counter
	RoutingFailures   metric.Int64Counter
	GateRuns          metric.Int64Counter
	GateFailures      metric.Int64Counter
	ReworkCycles      metric.Int64Counter
	AgentsSpawned     metric.Int64Counter
	CheckpointWrites  metric.Int64Counter
	ApprovalDecisions metric.Int64Counter
	GateDuration      metric.Float64Histogram
	TaskCost          metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksRouted, err = meter.Int64Counter("sibyl.tasks.routed",
		metric.WithDescription("Number of tasks routed to a runner"))
	if err != nil {
		return nil, err
	}

	m.RoutingFailures, err = meter.Int64Counter("sibyl.tasks.unroutable",
		metric.WithDescription("Number of routing attempts with no eligible runner"))
	if err != nil {
		return nil, err
	}

	m.GateRuns, err = meter.Int64Counter("sibyl.gates.runs",
		metric.WithDescription("Number of quality gate executions"))
	if err != nil {
		return nil, err
	}

	m.GateFailures, err = meter.Int64Counter("sibyl.gates.failures",
		metric.WithDescription("Number of failed quality gate executions"))
	if err != nil {
		return nil, err
	}

	m.ReworkCycles, err = meter.Int64Counter("sibyl.orchestrator.rework_cycles",
		metric.WithDescription("Number of rework cycles entered"))
	if err != nil {
		return nil, err
	}

	m.AgentsSpawned, err = meter.Int64Counter("sibyl.agents.spawned",
		metric.WithDescription("Number of agents spawned"))
	if err != nil {
		return nil, err
	}

	m.CheckpointWrites, err = meter.Int64Counter("sibyl.checkpoints.writes",
		metric.WithDescription("Number of checkpoints persisted"))
	if err != nil {
		return nil, err
	}

	m.ApprovalDecisions, err = meter.Int64Counter("sibyl.approvals.decisions",
		metric.WithDescription("Number of approval decisions (including expiry)"))
	if err != nil {
		return nil, err
	}

	m.GateDuration, err = meter.Float64Histogram("sibyl.gate.duration_seconds",
		metric.WithDescription("Gate execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TaskCost, err = meter.Float64Histogram("sibyl.task.cost_usd",
		metric.WithDescription("Per-task model spend in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
