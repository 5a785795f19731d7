// Package gates executes quality gate commands in agent workspaces and
// parses their output into structured results.
package gates

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
	"github.com/sibyl-dev/sibyl/internal/domain/workspace"
)

// OutputFunc receives throttled output lines while a gate runs.
// stream is "stdout" or "stderr".
type OutputFunc func(stream, line string)

// defaultCommands resolves a gate kind to its command per ecosystem.
// Per-project overrides take precedence; a kind with no command at all
// trivially passes.
var defaultCommands = map[string]map[gate.Kind][]string{
	"python": {
		gate.KindLint:      {"ruff", "check", "."},
		gate.KindTypecheck: {"mypy", "."},
		gate.KindTest:      {"pytest", "-q"},
		gate.KindSecurity:  {"bandit", "-r", "."},
	},
	"node": {
		gate.KindLint:      {"npx", "eslint", "."},
		gate.KindTypecheck: {"npx", "tsc", "--noEmit"},
		gate.KindTest:      {"npm", "test", "--silent"},
	},
	"go": {
		gate.KindLint:     {"go", "vet", "./..."},
		gate.KindTest:     {"go", "test", "./..."},
		gate.KindSecurity: {"govulncheck", "./..."},
	},
	"rust": {
		gate.KindLint:      {"cargo", "clippy", "--quiet"},
		gate.KindTypecheck: {"cargo", "check", "--quiet"},
		gate.KindTest:      {"cargo", "test", "--quiet"},
	},
}

// Runner executes gates as subprocesses with a wall-clock budget.
type Runner struct {
	cfg config.Gates
	log *slog.Logger
}

// NewRunner creates a gate runner.
func NewRunner(cfg config.Gates, log *slog.Logger) *Runner {
	return &Runner{cfg: cfg, log: log.With("component", "gates")}
}

// ResolveCommand returns the command for the gate, with per-project
// overrides winning over ecosystem defaults. An empty result means no
// command is configured.
func ResolveCommand(dir string, kind gate.Kind, overrides map[gate.Kind][]string) []string {
	if cmd, ok := overrides[kind]; ok && len(cmd) > 0 {
		return cmd
	}
	eco := workspace.Ecosystem(dir)
	if eco == "" {
		return nil
	}
	return defaultCommands[eco][kind]
}

// Run executes one gate in dir and returns its structured result.
// Human review is never executed here; callers route it through the
// orchestrator's review phase.
func (r *Runner) Run(ctx context.Context, dir string, kind gate.Kind, overrides map[gate.Kind][]string, onOutput OutputFunc) gate.Result {
	if !kind.Automated() {
		return gate.Result{Kind: kind, Passed: true, Skipped: true, Reason: "human review is handled by the review phase"}
	}

	argv := ResolveCommand(dir, kind, overrides)
	if len(argv) == 0 {
		return gate.Result{Kind: kind, Passed: true, Skipped: true, Reason: "no command configured for this workspace"}
	}

	start := time.Now()
	output, exitCode, timedOut, err := r.execute(ctx, dir, argv, onOutput)
	result := parseOutput(kind, workspace.Ecosystem(dir), output, exitCode)
	result.DurationMS = time.Since(start).Milliseconds()

	if timedOut {
		result.Passed = false
		result.Reason = fmt.Sprintf("gate timed out after %s", r.cfg.Timeout)
		return result
	}
	if err != nil && exitCode < 0 {
		result.Passed = false
		result.Reason = fmt.Sprintf("gate failed to run: %v", err)
		return result
	}

	r.log.Info("gate finished", "kind", kind, "passed", result.Passed,
		"exit_code", exitCode, "duration_ms", result.DurationMS)
	return result
}

// RunAll executes the automated gates in order and stops early only on
// context cancellation.
func (r *Runner) RunAll(ctx context.Context, dir string, kinds []gate.Kind, overrides map[gate.Kind][]string, onOutput OutputFunc) []gate.Result {
	results := make([]gate.Result, 0, len(kinds))
	for _, k := range kinds {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.Run(ctx, dir, k, overrides, onOutput))
	}
	return results
}

// execute runs argv in dir, streaming throttled output and retaining the
// last N lines. Returns the retained output, the exit code (-1 when the
// process never ran), and whether the wall-clock budget expired.
func (r *Runner) execute(parent context.Context, dir string, argv []string, onOutput OutputFunc) (string, int, bool, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // G204: command comes from config, not user input
	cmd.Dir = dir
	// TERM first, KILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", -1, false, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", -1, false, err
	}

	if err := cmd.Start(); err != nil {
		return "", -1, false, err
	}

	tail := newTailBuffer(r.cfg.RetainedLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go r.drainStream(&wg, "stdout", stdout, tail, onOutput)
	go r.drainStream(&wg, "stderr", stderr, tail, onOutput)
	wg.Wait()

	err = cmd.Wait()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return tail.String(), exitCode, timedOut, err
}

// drainStream reads lines into the shared tail buffer, invoking onOutput
// at most once per second per stream.
func (r *Runner) drainStream(wg *sync.WaitGroup, name string, src io.Reader, tail *tailBuffer, onOutput OutputFunc) {
	defer wg.Done()
	var lastEmit time.Time
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Append(line)
		if onOutput != nil && time.Since(lastEmit) >= time.Second {
			onOutput(name, line)
			lastEmit = time.Now()
		}
	}
}

// tailBuffer retains the last capacity lines across both streams.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &tailBuffer{cap: capacity}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.cap {
		b.lines = b.lines[len(b.lines)-b.cap:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf bytes.Buffer
	for i, l := range b.lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(l)
	}
	return buf.String()
}
