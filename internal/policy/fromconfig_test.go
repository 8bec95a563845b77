package policy

import (
	"testing"

	"github.com/agentguard/mcp-gateway/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildConfigConvertsPerToolSettings(t *testing.T) {
	raw := config.PolicyConfig{
		DefaultDeny: true,
		AllowTools:  []string{"fs.readFile"},
		DenyTools:   []string{"db.query"},
		PerTool: map[string]config.PerToolConfig{
			"web.fetch": {
				Allow:        boolPtr(true),
				TimeoutMs:    2000,
				MaxBytes:     4096,
				ArgAllowlist: map[string]any{"url": []any{"https://example.com"}},
			},
		},
		GlobalTimeoutMs: 5000,
		GlobalMaxBytes:  1 << 20,
	}

	cfg, err := BuildConfig(raw)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	if !cfg.DefaultDeny {
		t.Fatalf("DefaultDeny should be true")
	}
	if !cfg.AllowTools["fs.readFile"] {
		t.Fatalf("AllowTools should contain fs.readFile")
	}
	if !cfg.DenyTools["db.query"] {
		t.Fatalf("DenyTools should contain db.query")
	}

	pt, ok := cfg.PerTool["web.fetch"]
	if !ok {
		t.Fatalf("expected per_tool entry for web.fetch")
	}
	if pt.Allow != AllowTrue {
		t.Fatalf("Allow = %v, want AllowTrue", pt.Allow)
	}
	if !pt.HasTimeoutMs || pt.TimeoutMs != 2000 {
		t.Fatalf("TimeoutMs not converted correctly: %+v", pt)
	}
	if !pt.HasMaxBytes || pt.MaxBytes != 4096 {
		t.Fatalf("MaxBytes not converted correctly: %+v", pt)
	}
	if len(pt.ArgAllowlist) != 1 {
		t.Fatalf("expected 1 arg_allowlist entry, got %d", len(pt.ArgAllowlist))
	}
}

func TestBuildConfigAllowFalse(t *testing.T) {
	raw := config.PolicyConfig{
		PerTool: map[string]config.PerToolConfig{
			"db.query": {Allow: boolPtr(false)},
		},
	}
	cfg, err := BuildConfig(raw)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	if cfg.PerTool["db.query"].Allow != AllowFalse {
		t.Fatalf("Allow should convert to AllowFalse")
	}
}

func TestBuildConfigRejectsInvalidArgAllowlistRegex(t *testing.T) {
	raw := config.PolicyConfig{
		PerTool: map[string]config.PerToolConfig{
			"web.fetch": {
				ArgAllowlist: map[string]any{"url": "regex:("},
			},
		},
	}
	_, err := BuildConfig(raw)
	if err == nil {
		t.Fatalf("expected error for invalid regex in arg_allowlist")
	}
}
