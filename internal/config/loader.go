package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sibyl-dev/sibyl/internal/domain/rollout"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "sibyl.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SIBYL_PORT")
	setString(&cfg.Server.CORSOrigin, "SIBYL_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SIBYL_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SIBYL_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SIBYL_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SIBYL_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SIBYL_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "SIBYL_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SIBYL_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SIBYL_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SIBYL_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SIBYL_BREAKER_TIMEOUT")

	setDuration(&cfg.Gateway.PingInterval, "SIBYL_GW_PING_INTERVAL")
	setDuration(&cfg.Gateway.HeartbeatInterval, "SIBYL_GW_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Gateway.AckTimeout, "SIBYL_GW_ACK_TIMEOUT")
	setDuration(&cfg.Gateway.ReconnectBase, "SIBYL_GW_RECONNECT_BASE")
	setDuration(&cfg.Gateway.ReconnectMax, "SIBYL_GW_RECONNECT_MAX")
	setInt(&cfg.Gateway.MaxReconnects, "SIBYL_GW_MAX_RECONNECTS")

	setInt(&cfg.Orchestrator.MaxReworkAttempts, "SIBYL_ORCH_MAX_REWORK")
	setInt(&cfg.Orchestrator.MaxConcurrent, "SIBYL_ORCH_MAX_CONCURRENT")
	setFloat64(&cfg.Orchestrator.PerTaskEstimate, "SIBYL_ORCH_TASK_ESTIMATE")
	setInt(&cfg.Orchestrator.AssignRetries, "SIBYL_ORCH_ASSIGN_RETRIES")
	setDuration(&cfg.Orchestrator.StopGrace, "SIBYL_ORCH_STOP_GRACE")

	setInt(&cfg.Checkpoint.KeepCount, "SIBYL_CHECKPOINT_KEEP")
	setInt(&cfg.Checkpoint.DiffCapKB, "SIBYL_CHECKPOINT_DIFF_CAP_KB")

	setDuration(&cfg.Gates.Timeout, "SIBYL_GATE_TIMEOUT")
	setDuration(&cfg.Gates.KillGrace, "SIBYL_GATE_KILL_GRACE")
	setInt(&cfg.Gates.RetainedLines, "SIBYL_GATE_RETAINED_LINES")

	setRolloutMode(&cfg.Rollout.GlobalMode, "SIBYL_ROLLOUT_MODE")
	setInt(&cfg.Rollout.Percent, "SIBYL_ROLLOUT_PERCENT")
	setStringList(&cfg.Rollout.Allowlist, "SIBYL_ROLLOUT_ALLOWLIST")
	setBool(&cfg.Rollout.Canary, "SIBYL_ROLLOUT_CANARY")

	setDuration(&cfg.Sweep.ReaperInterval, "SIBYL_SWEEP_REAPER_INTERVAL")
	setDuration(&cfg.Sweep.StaleAfter, "SIBYL_SWEEP_STALE_AFTER")
	setDuration(&cfg.Sweep.GCInterval, "SIBYL_SWEEP_GC_INTERVAL")

	setInt64(&cfg.Cache.L1MaxSizeMB, "SIBYL_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SIBYL_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SIBYL_CACHE_L2_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.MaxConcurrent < 1 {
		return errors.New("orchestrator.max_concurrent must be >= 1")
	}
	if cfg.Checkpoint.KeepCount < 1 {
		return errors.New("checkpoint.keep_count must be >= 1")
	}
	if cfg.Rollout.Percent < 0 || cfg.Rollout.Percent > 100 {
		return errors.New("rollout.percent must be within 0..100")
	}
	switch cfg.Rollout.GlobalMode {
	case rollout.ModeOff, rollout.ModeShadow, rollout.ModeEnforced:
	default:
		return fmt.Errorf("rollout.global_mode %q is unknown", cfg.Rollout.GlobalMode)
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
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setRolloutMode(dst *rollout.Mode, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = rollout.Mode(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
