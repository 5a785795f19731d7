package gates

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain/gate"
)

func testRunner(timeout time.Duration) *Runner {
	return NewRunner(config.Gates{
		Timeout:       timeout,
		KillGrace:     time.Second,
		RetainedLines: 200,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunNoCommandPasses(t *testing.T) {
	// An empty workspace has no ecosystem markers and therefore no
	// default command. That is a skip, never a failure.
	r := testRunner(time.Minute)
	res := r.Run(context.Background(), t.TempDir(), gate.KindLint, nil, nil)
	if !res.Passed || !res.Skipped {
		t.Fatalf("expected skipped pass, got %+v", res)
	}
	if res.Reason == "" {
		t.Error("skip must explain itself")
	}
}

func TestRunHumanReviewNeverExecutes(t *testing.T) {
	r := testRunner(time.Minute)
	res := r.Run(context.Background(), t.TempDir(), gate.KindHumanReview, map[gate.Kind][]string{
		gate.KindHumanReview: {"false"},
	}, nil)
	if !res.Passed || !res.Skipped {
		t.Fatalf("human review must be skipped here, got %+v", res)
	}
}

func TestRunOverrideCommand(t *testing.T) {
	r := testRunner(time.Minute)
	dir := t.TempDir()

	pass := r.Run(context.Background(), dir, gate.KindTest, map[gate.Kind][]string{
		gate.KindTest: {"sh", "-c", "echo all good"},
	}, nil)
	if !pass.Passed {
		t.Errorf("exit 0 must pass, got %+v", pass)
	}

	fail := r.Run(context.Background(), dir, gate.KindTest, map[gate.Kind][]string{
		gate.KindTest: {"sh", "-c", "echo broken; exit 1"},
	}, nil)
	if fail.Passed {
		t.Errorf("exit 1 must fail, got %+v", fail)
	}
	if fail.DurationMS < 0 {
		t.Error("duration must be recorded")
	}
}

func TestRunTimeout(t *testing.T) {
	r := testRunner(200 * time.Millisecond)
	res := r.Run(context.Background(), t.TempDir(), gate.KindTest, map[gate.Kind][]string{
		gate.KindTest: {"sleep", "30"},
	}, nil)
	if res.Passed {
		t.Fatal("timed-out gate must fail")
	}
	if res.Reason == "" {
		t.Error("timeout must be stated in the reason")
	}
}

func TestRunRetainsOutputTail(t *testing.T) {
	r := NewRunner(config.Gates{
		Timeout: time.Minute, KillGrace: time.Second, RetainedLines: 3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := r.Run(context.Background(), t.TempDir(), gate.KindTest, map[gate.Kind][]string{
		gate.KindTest: {"sh", "-c", "for i in 1 2 3 4 5 6 7 8 9 10; do echo line-$i; done"},
	}, nil)
	if len(res.Output) == 0 {
		t.Fatal("expected retained output")
	}
	if want := "line-10"; res.Output[len(res.Output)-len(want):] != want {
		t.Errorf("tail must keep the last lines, got %q", res.Output)
	}
	if len(res.Output) > len("line-8\nline-9\nline-10") {
		t.Errorf("tail exceeds the retained line budget: %q", res.Output)
	}
}

func TestRunStreamsOutput(t *testing.T) {
	r := testRunner(time.Minute)

	var mu sync.Mutex
	var streamed []string
	res := r.Run(context.Background(), t.TempDir(), gate.KindTest, map[gate.Kind][]string{
		gate.KindTest: {"sh", "-c", "echo progress"},
	}, func(stream, line string) {
		mu.Lock()
		streamed = append(streamed, stream+": "+line)
		mu.Unlock()
	})
	if !res.Passed {
		t.Fatalf("unexpected failure: %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(streamed) == 0 {
		t.Error("expected at least one streamed line")
	}
}

func TestResolveCommandOverrideWinsOverEcosystem(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := ResolveCommand(dir, gate.KindLint, map[gate.Kind][]string{
		gate.KindLint: {"golangci-lint", "run"},
	})
	if len(got) == 0 || got[0] != "golangci-lint" {
		t.Errorf("override must win, got %v", got)
	}

	def := ResolveCommand(dir, gate.KindLint, nil)
	if len(def) == 0 || def[0] != "go" {
		t.Errorf("expected the go ecosystem default, got %v", def)
	}
}

func TestRunAllStopsOnCancelledContext(t *testing.T) {
	r := testRunner(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := r.RunAll(ctx, t.TempDir(), []gate.Kind{gate.KindLint, gate.KindTest}, nil, nil)
	if len(results) != 0 {
		t.Errorf("cancelled context must not run gates, got %d results", len(results))
	}
}
