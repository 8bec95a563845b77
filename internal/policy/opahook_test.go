package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/pkg/opa"
)

func TestSecondaryHookNotReadyWithNilEngine(t *testing.T) {
	h := NewSecondaryHook(nil)
	if h.Ready() {
		t.Fatalf("a hook wrapping a nil engine should not be ready")
	}
}

func TestSecondaryHookCheckSecondaryNoOpWhenNotReady(t *testing.T) {
	h := NewSecondaryHook(opa.NewEngine())
	if err := h.CheckSecondary(context.Background(), "db.query", "alice", nil); err != nil {
		t.Fatalf("CheckSecondary should be a no-op allow when the engine has no policy loaded: %v", err)
	}
}

func loadedEngine(t *testing.T, policy string) *opa.Engine {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.rego")
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e := opa.NewEngine()
	if err := e.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	return e
}

func TestSecondaryHookAllowsWhenPolicyAllows(t *testing.T) {
	e := loadedEngine(t, `
package mcpgateway

default allow = false

allow {
	input.tool == "fs.readFile"
}
`)
	h := NewSecondaryHook(e)
	if !h.Ready() {
		t.Fatalf("hook should be ready once the engine has a loaded policy")
	}
	if err := h.CheckSecondary(context.Background(), "fs.readFile", "alice", nil); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestSecondaryHookDeniesWhenPolicyDenies(t *testing.T) {
	e := loadedEngine(t, `
package mcpgateway

default allow = false
`)
	h := NewSecondaryHook(e)
	err := h.CheckSecondary(context.Background(), "db.query", "alice", nil)
	if err == nil {
		t.Fatalf("expected denial when the secondary policy's default is false")
	}
	ge := gatewayerr.As(err)
	if ge.Code != gatewayerr.PolicyDenied {
		t.Fatalf("Code = %v, want PolicyDenied", ge.Code)
	}
}
