// Package rollout resolves the effective execution mode for a tenant.
// Resolve is a pure function; bucket membership is stable across restarts.
package rollout

import "hash/fnv"

// Mode is an execution mode for the rollout gate.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeShadow   Mode = "shadow"
	ModeEnforced Mode = "enforced"
)

// Config is the rollout policy applied to all organizations.
type Config struct {
	GlobalMode Mode     `json:"global_mode" yaml:"global_mode"`
	Percent    int      `json:"percent" yaml:"percent"`
	Allowlist  []string `json:"allowlist" yaml:"allowlist"`
	Canary     bool     `json:"canary" yaml:"canary"`
}

// Resolve maps (config, organization id) to the effective mode.
// Rules apply in order: global off wins; allowlisted orgs get the global
// mode (shadow under canary); then the percent gate, bucketed by a
// stable hash of the org id.
func Resolve(cfg Config, orgID string) Mode {
	if cfg.GlobalMode == ModeOff {
		return ModeOff
	}

	for _, id := range cfg.Allowlist {
		if id == orgID {
			return canaried(cfg)
		}
	}

	if cfg.Percent >= 100 {
		return cfg.GlobalMode
	}
	if cfg.Percent <= 0 {
		return ModeOff
	}

	if bucket(orgID) < cfg.Percent {
		return canaried(cfg)
	}
	return ModeOff
}

func canaried(cfg Config) Mode {
	if cfg.Canary {
		return ModeShadow
	}
	return cfg.GlobalMode
}

// bucket maps an org id to a stable 0..99 bucket. FNV-1a is
// non-cryptographic and identical across processes and restarts.
func bucket(orgID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orgID))
	return int(h.Sum32() % 100)
}
