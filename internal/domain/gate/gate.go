// Package gate defines quality gate kinds, results, and findings.
package gate

import (
	"fmt"

	"github.com/sibyl-dev/sibyl/internal/domain"
)

// Kind identifies one quality check.
type Kind string

const (
	KindLint        Kind = "lint"
	KindTypecheck   Kind = "typecheck"
	KindTest        Kind = "test"
	KindSecurity    Kind = "security"
	KindHumanReview Kind = "human_review"
)

// Valid reports whether k is a known gate kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLint, KindTypecheck, KindTest, KindSecurity, KindHumanReview:
		return true
	}
	return false
}

// Automated reports whether the gate runner executes this kind.
// Human review is driven by the orchestrator's review phase instead.
func (k Kind) Automated() bool {
	return k != KindHumanReview
}

// ValidateConfig rejects unknown gate kinds at the boundary.
func ValidateConfig(kinds []Kind) error {
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown gate kind %q", domain.ErrValidation, k)
		}
	}
	return nil
}

// Finding is one parsed issue from gate output.
type Finding struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is the structured outcome of one gate execution.
type Result struct {
	Kind       Kind               `json:"kind"`
	Passed     bool               `json:"passed"`
	Errors     []Finding          `json:"errors,omitempty"`
	Warnings   []Finding          `json:"warnings,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	Output     string             `json:"output,omitempty"`
	Skipped    bool               `json:"skipped,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// AllPassed reports whether every automated gate result passed.
func AllPassed(results []Result) bool {
	for i := range results {
		if !results[i].Passed {
			return false
		}
	}
	return true
}
