// Package routing scores runners for a task. Route is a pure function:
// identical inputs produce identical outputs, so routing decisions can
// be replayed and explained after the fact.
package routing

import (
	"sort"
	"time"

	"github.com/sibyl-dev/sibyl/internal/domain/runner"
	"github.com/sibyl-dev/sibyl/internal/domain/task"
)

// Score weights. Calibrated so capability rejection is a strong negative
// that no combination of bonuses can recover from.
const (
	AffinityBonus      = 50.0
	CapabilityBonus    = 30.0
	CapabilityPenalty  = -100.0
	LoadWeight         = 20.0
	SaturationPenalty  = -50.0
	UnhealthyPenalty   = -100.0
	PreferenceBonus    = 25.0
	HeartbeatThreshold = runner.HeartbeatTimeout
)

// FailureReason explains why routing produced no selection.
type FailureReason string

const (
	ReasonNoRunners           FailureReason = "no_runners"
	ReasonNoEligible          FailureReason = "no_eligible_runner"
	ReasonMissingCapabilities FailureReason = "missing_capabilities"
	ReasonAtCapacity          FailureReason = "at_capacity"
	ReasonUnhealthy           FailureReason = "unhealthy"
)

// Score is the per-runner breakdown produced by Route.
type Score struct {
	RunnerID         string   `json:"runner_id"`
	Total            float64  `json:"total"`
	Affinity         float64  `json:"affinity"`
	Capability       float64  `json:"capability"`
	Load             float64  `json:"load"`
	Health           float64  `json:"health"`
	Preference       float64  `json:"preference"`
	AvailableSlots   int      `json:"available_slots"`
	HasWarmWorkspace bool     `json:"has_warm_workspace"`
	MissingCaps      []string `json:"missing_capabilities,omitempty"`

	currentLoad int
}

// Rejection explains why one candidate was not selectable.
type Rejection struct {
	RunnerID string        `json:"runner_id"`
	Reason   FailureReason `json:"reason"`
	Missing  []string      `json:"missing,omitempty"`
}

// Result is the full ranked routing outcome.
type Result struct {
	Selected   string        `json:"selected,omitempty"`
	Scores     []Score       `json:"scores"`
	Failure    FailureReason `json:"failure,omitempty"`
	Rejections []Rejection   `json:"rejections,omitempty"`
}

// Selected reports whether a runner qualified.
func (r *Result) Succeeded() bool { return r.Selected != "" }

// Route scores every candidate for the task and picks the best one with a
// non-negative total. Warm workspaces are passed as a runnerID -> record map.
// Ties break on lower current load, then lexicographic runner id.
func Route(t *task.Task, candidates []runner.Runner, warm map[string]runner.Project, preferredID string, now time.Time) Result {
	if len(candidates) == 0 {
		return Result{Failure: ReasonNoRunners}
	}

	scores := make([]Score, 0, len(candidates))
	for i := range candidates {
		scores = append(scores, scoreRunner(t, &candidates[i], warm, preferredID, now))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		if scores[i].currentLoad != scores[j].currentLoad {
			return scores[i].currentLoad < scores[j].currentLoad
		}
		return scores[i].RunnerID < scores[j].RunnerID
	})

	res := Result{Scores: scores}
	if scores[0].Total >= 0 {
		res.Selected = scores[0].RunnerID
		return res
	}

	// Nothing qualified: explain each rejection.
	res.Failure = ReasonNoEligible
	for i := range scores {
		s := &scores[i]
		rej := Rejection{RunnerID: s.RunnerID}
		switch {
		case len(s.MissingCaps) > 0:
			rej.Reason = ReasonMissingCapabilities
			rej.Missing = s.MissingCaps
		case s.Health < 0:
			rej.Reason = ReasonUnhealthy
		case s.AvailableSlots == 0:
			rej.Reason = ReasonAtCapacity
		default:
			rej.Reason = ReasonNoEligible
		}
		res.Rejections = append(res.Rejections, rej)
	}
	return res
}

func scoreRunner(t *task.Task, r *runner.Runner, warm map[string]runner.Project, preferredID string, now time.Time) Score {
	s := Score{
		RunnerID:       r.ID,
		AvailableSlots: r.AvailableSlots(),
		currentLoad:    r.CurrentAgentCount,
	}

	if _, ok := warm[r.ID]; ok {
		s.HasWarmWorkspace = true
		s.Affinity = AffinityBonus
	}

	if ok, missing := r.HasCapabilities(t.RequiredCapabilities); ok {
		s.Capability = CapabilityBonus
	} else {
		s.Capability = CapabilityPenalty
		s.MissingCaps = missing
	}

	if s.AvailableSlots == 0 {
		s.Load = SaturationPenalty
	} else if r.MaxConcurrentAgents > 0 {
		s.Load = LoadWeight * float64(s.AvailableSlots) / float64(r.MaxConcurrentAgents)
	}

	if !r.Healthy(now) {
		s.Health = UnhealthyPenalty
	}

	if preferredID != "" && r.ID == preferredID {
		s.Preference = PreferenceBonus
	}

	s.Total = s.Affinity + s.Capability + s.Load + s.Health + s.Preference
	return s
}
