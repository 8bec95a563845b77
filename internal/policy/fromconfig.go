package policy

import (
	"fmt"

	"github.com/agentguard/mcp-gateway/internal/config"
)

// BuildConfig converts the raw, mapstructure-decoded policy section into
// the engine's immutable Config, parsing each arg_allowlist entry into an
// ArgRule exactly once at startup (§3, §9 design notes).
func BuildConfig(raw config.PolicyConfig) (*Config, error) {
	cfg := &Config{
		DefaultDeny:     raw.DefaultDeny,
		AllowTools:      toSet(raw.AllowTools),
		DenyTools:       toSet(raw.DenyTools),
		PerTool:         make(map[string]*PerTool, len(raw.PerTool)),
		GlobalTimeoutMs: raw.GlobalTimeoutMs,
		GlobalMaxBytes:  raw.GlobalMaxBytes,
	}

	for name, rawPT := range raw.PerTool {
		pt := &PerTool{}

		if rawPT.Allow != nil {
			if *rawPT.Allow {
				pt.Allow = AllowTrue
			} else {
				pt.Allow = AllowFalse
			}
		}
		if rawPT.TimeoutMs > 0 {
			pt.TimeoutMs = rawPT.TimeoutMs
			pt.HasTimeoutMs = true
		}
		if rawPT.MaxBytes > 0 {
			pt.MaxBytes = rawPT.MaxBytes
			pt.HasMaxBytes = true
		}
		if len(rawPT.ArgAllowlist) > 0 {
			pt.ArgAllowlist = make(map[string]*ArgRule, len(rawPT.ArgAllowlist))
			for key, rawRule := range rawPT.ArgAllowlist {
				rule, err := NewArgRule(rawRule)
				if err != nil {
					return nil, fmt.Errorf("per_tool[%s].arg_allowlist[%s]: %w", name, key, err)
				}
				pt.ArgAllowlist[key] = rule
			}
		}

		cfg.PerTool[name] = pt
	}

	return cfg, nil
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
