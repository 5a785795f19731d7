package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sibyl-runner.yaml")
	yaml := `
server_url: wss://sibyl.example.com/api/v1/gateway
token: srt_filevalue
name: ci-runner-1
max_concurrent_agents: 8
agent_command: ["claude", "-p", "--verbose"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SIBYL_RUNNER_TOKEN", "srt_envwins")
	t.Setenv("SIBYL_RUNNER_HEARTBEAT_INTERVAL", "15s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "wss://sibyl.example.com/api/v1/gateway" {
		t.Errorf("yaml server_url not applied, got %s", cfg.ServerURL)
	}
	if cfg.Token != "srt_envwins" {
		t.Errorf("env token must beat yaml, got %s", cfg.Token)
	}
	if cfg.MaxConcurrentAgents != 8 {
		t.Errorf("expected 8 slots, got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected 15s heartbeat, got %s", cfg.HeartbeatInterval)
	}
	if len(cfg.AgentCommand) != 3 {
		t.Errorf("yaml agent_command not applied, got %v", cfg.AgentCommand)
	}
	// Untouched fields keep defaults.
	if cfg.GitConcurrency != 4 {
		t.Errorf("expected default git concurrency 4, got %d", cfg.GitConcurrency)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error without a token")
	}
}

func TestValidateBackoffWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Token = "srt_x"
	cfg.ReconnectMax = time.Second
	cfg.ReconnectBase = time.Minute
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for inverted backoff window")
	}
}

func TestAgentCommandFromEnvSplitsFields(t *testing.T) {
	t.Setenv("SIBYL_RUNNER_TOKEN", "srt_x")
	t.Setenv("SIBYL_RUNNER_AGENT_COMMAND", "aider --yes --no-git")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"aider", "--yes", "--no-git"}
	if len(cfg.AgentCommand) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.AgentCommand)
	}
	for i := range want {
		if cfg.AgentCommand[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.AgentCommand)
		}
	}
}
