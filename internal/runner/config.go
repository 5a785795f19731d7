// Package runner implements the Sibyl runner daemon: the gateway
// client, workspace management, agent sessions, and gate execution on
// a remote host.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sibyl-dev/sibyl/internal/config"
)

// DefaultConfigFile is the runner daemon's config file name.
const DefaultConfigFile = "sibyl-runner.yaml"

// Config holds all runner daemon configuration.
// Precedence: defaults < YAML file < environment variables.
type Config struct {
	ServerURL           string         `yaml:"server_url"`
	Token               string         `yaml:"token"`
	Name                string         `yaml:"name"`
	Hostname            string         `yaml:"hostname"`
	MaxConcurrentAgents int            `yaml:"max_concurrent_agents"`
	WorkspaceRoot       string         `yaml:"workspace_root"`
	AgentCommand        []string       `yaml:"agent_command"`
	GitConcurrency      int            `yaml:"git_concurrency"`
	HeartbeatInterval   time.Duration  `yaml:"heartbeat_interval"`
	ReconnectBase       time.Duration  `yaml:"reconnect_base"`
	ReconnectMax        time.Duration  `yaml:"reconnect_max"`
	MaxReconnects       int            `yaml:"max_reconnects"` // 0 = unlimited
	IsSandbox           bool           `yaml:"is_sandbox"`
	SandboxID           string         `yaml:"sandbox_id"`
	Gates               config.Gates   `yaml:"gates"`
	Logging             config.Logging `yaml:"logging"`
}

// Defaults returns a runner Config with sensible local defaults.
func Defaults() Config {
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	return Config{
		ServerURL:           "ws://localhost:8080/api/v1/gateway",
		Name:                host,
		Hostname:            host,
		MaxConcurrentAgents: 2,
		WorkspaceRoot:       filepath.Join(home, "sibyl-workspaces"),
		AgentCommand:        []string{"claude", "-p"},
		GitConcurrency:      4,
		HeartbeatInterval:   30 * time.Second,
		ReconnectBase:       5 * time.Second,
		ReconnectMax:        5 * time.Minute,
		MaxReconnects:       0,
		Gates: config.Gates{
			Timeout:       time.Hour,
			KillGrace:     10 * time.Second,
			RetainedLines: 200,
		},
		Logging: config.Logging{
			Level:   "info",
			Service: "sibyl-runner",
		},
	}
}

// Load builds the runner configuration from defaults, the YAML file,
// and the environment, then validates it.
func Load() (Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom is Load with an explicit config file path.
func LoadFrom(path string) (Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return Config{}, err
	}
	loadEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString(&cfg.ServerURL, "SIBYL_RUNNER_SERVER_URL")
	setString(&cfg.Token, "SIBYL_RUNNER_TOKEN")
	setString(&cfg.Name, "SIBYL_RUNNER_NAME")
	setString(&cfg.Hostname, "SIBYL_RUNNER_HOSTNAME")
	setInt(&cfg.MaxConcurrentAgents, "SIBYL_RUNNER_MAX_AGENTS")
	setString(&cfg.WorkspaceRoot, "SIBYL_RUNNER_WORKSPACE_ROOT")
	setStringList(&cfg.AgentCommand, "SIBYL_RUNNER_AGENT_COMMAND")
	setInt(&cfg.GitConcurrency, "SIBYL_RUNNER_GIT_CONCURRENCY")
	setDuration(&cfg.HeartbeatInterval, "SIBYL_RUNNER_HEARTBEAT_INTERVAL")
	setDuration(&cfg.ReconnectBase, "SIBYL_RUNNER_RECONNECT_BASE")
	setDuration(&cfg.ReconnectMax, "SIBYL_RUNNER_RECONNECT_MAX")
	setInt(&cfg.MaxReconnects, "SIBYL_RUNNER_MAX_RECONNECTS")
	setBool(&cfg.IsSandbox, "SIBYL_RUNNER_SANDBOX")
	setString(&cfg.SandboxID, "SIBYL_RUNNER_SANDBOX_ID")
	setString(&cfg.Logging.Level, "SIBYL_RUNNER_LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required (SIBYL_RUNNER_TOKEN)")
	}
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("config: max_concurrent_agents must be >= 1")
	}
	if len(c.AgentCommand) == 0 {
		return fmt.Errorf("config: agent_command is required")
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("config: reconnect backoff window is invalid")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Fields(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
