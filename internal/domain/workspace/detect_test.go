package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBranchFor(t *testing.T) {
	if got := BranchFor("abcd1234-5678-90ef"); got != "sibyl/agent-abcd1234" {
		t.Errorf("expected truncated branch, got %s", got)
	}
	if got := BranchFor("short"); got != "sibyl/agent-short" {
		t.Errorf("expected full short id, got %s", got)
	}
}

func TestDetectCapabilities(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"go.mod", "package.json", "Dockerfile"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := DetectCapabilities(dir)
	want := []string{"docker", "go", "node"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted %v, got %v", want, got)
		}
	}
}

func TestDetectCapabilitiesMissingDir(t *testing.T) {
	if got := DetectCapabilities("/nonexistent/path"); got != nil {
		t.Errorf("expected nil for missing dir, got %v", got)
	}
}

func TestEcosystemOrder(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"go.mod", "package.json"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// node precedes go in detection order.
	if got := Ecosystem(dir); got != "node" {
		t.Errorf("expected node, got %s", got)
	}

	if got := Ecosystem(t.TempDir()); got != "" {
		t.Errorf("expected empty ecosystem, got %s", got)
	}
}
