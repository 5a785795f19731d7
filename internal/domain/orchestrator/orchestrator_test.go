package orchestrator

import (
	"errors"
	"testing"

	"github.com/sibyl-dev/sibyl/internal/domain"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
)

func TestValidatePhaseTransition(t *testing.T) {
	legal := []struct{ from, to Phase }{
		{PhaseImplement, PhaseGates},
		{PhaseImplement, PhaseFailed},
		{PhaseImplement, PhaseCancelled},
		{PhaseGates, PhaseReview},
		{PhaseGates, PhaseRework},
		{PhaseGates, PhaseComplete},
		{PhaseReview, PhaseComplete},
		{PhaseReview, PhaseRework},
		{PhaseRework, PhaseImplement},
		{PhaseRework, PhaseFailed},
	}
	for _, tt := range legal {
		if err := ValidatePhaseTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s -> %s should be legal: %v", tt.from, tt.to, err)
		}
	}

	illegal := []struct{ from, to Phase }{
		{PhaseImplement, PhaseReview},
		{PhaseImplement, PhaseRework},
		{PhaseImplement, PhaseComplete},
		{PhaseGates, PhaseImplement},
		{PhaseReview, PhaseGates},
		{PhaseRework, PhaseGates},
		{PhaseComplete, PhaseImplement},
		{PhaseFailed, PhaseImplement},
		{PhaseCancelled, PhaseImplement},
	}
	for _, tt := range illegal {
		err := ValidatePhaseTransition(tt.from, tt.to)
		if err == nil {
			t.Errorf("%s -> %s should be illegal", tt.from, tt.to)
			continue
		}
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s -> %s: expected ErrValidation, got %v", tt.from, tt.to, err)
		}
	}
}

func TestReworkAllowed(t *testing.T) {
	o := TaskOrchestrator{MaxReworkAttempts: 2}
	if !o.ReworkAllowed() {
		t.Error("rework 0/2 should be allowed")
	}
	o.ReworkCount = 1
	if !o.ReworkAllowed() {
		t.Error("rework 1/2 should be allowed")
	}
	o.ReworkCount = 2
	if o.ReworkAllowed() {
		t.Error("rework 2/2 should be exhausted")
	}
}

func TestWantsReviewAndAutomatedGates(t *testing.T) {
	o := TaskOrchestrator{GateConfig: []gate.Kind{gate.KindLint, gate.KindTest}}
	if o.WantsReview() {
		t.Error("no human_review gate configured")
	}
	if got := o.AutomatedGates(); len(got) != 2 {
		t.Errorf("expected 2 automated gates, got %v", got)
	}

	o.GateConfig = append(o.GateConfig, gate.KindHumanReview)
	if !o.WantsReview() {
		t.Error("human_review gate should trigger review phase")
	}
	if got := o.AutomatedGates(); len(got) != 2 {
		t.Errorf("human_review must not reach the gate runner, got %v", got)
	}
}

func TestCreateRequestValidate(t *testing.T) {
	req := CreateRequest{ProjectID: "p1", TaskID: "t1", GateConfig: []gate.Kind{gate.KindTest}}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxReworkAttempts != DefaultMaxReworkAttempts {
		t.Errorf("expected default %d, got %d", DefaultMaxReworkAttempts, req.MaxReworkAttempts)
	}

	req = CreateRequest{TaskID: "t1"}
	if err := req.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for missing project, got %v", err)
	}

	req = CreateRequest{ProjectID: "p1", TaskID: "t1", MaxReworkAttempts: -1}
	if err := req.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for negative rework limit, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusComplete, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusWaitingReview} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
