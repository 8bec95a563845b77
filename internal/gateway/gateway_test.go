package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentguard/mcp-gateway/internal/audit"
	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/policy"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

func echoTool(name string) *registry.Tool {
	return &registry.Tool{
		Name:        name,
		Description: "test tool",
		InputSchema: schema.New().Field("value", &schema.Field{Kind: schema.KindString}, schema.Optional),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["value"]}, nil
		},
	}
}

func newTestGateway(t *testing.T, cfg *policy.Config, tools ...*registry.Tool) (*Gateway, *recordingMetrics) {
	t.Helper()
	reg := registry.New()
	if err := reg.RegisterMany(tools); err != nil {
		t.Fatalf("RegisterMany: %v", err)
	}
	auditLogger, err := audit.New(audit.Config{Enabled: false})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	metrics := &recordingMetrics{}
	return New(reg, policy.NewEngine(cfg), nil, auditLogger, "test-actor", metrics), metrics
}

type recordingMetrics struct {
	calls int
}

func (m *recordingMetrics) RecordInvocation(ctx context.Context, tool string, decision audit.Decision, errorCode gatewayerr.Code, durationMs int64, resultBytes int) {
	m.calls++
}

func TestInvokeToolNotFound(t *testing.T) {
	gw, metrics := newTestGateway(t, &policy.Config{DefaultDeny: true, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20})

	res := gw.Invoke(context.Background(), "nonexistent", nil)
	if res.Success {
		t.Fatalf("expected failure for unregistered tool")
	}
	if res.Code != gatewayerr.ToolNotFound {
		t.Fatalf("Code = %v, want ToolNotFound", res.Code)
	}
	if res.RequestID == "" {
		t.Fatalf("RequestID must always be set")
	}
	if metrics.calls != 1 {
		t.Fatalf("expected exactly one metrics record, got %d", metrics.calls)
	}
}

func TestInvokeValidationFailure(t *testing.T) {
	tool := &registry.Tool{
		Name:        "strict.tool",
		InputSchema: schema.New().Field("path", &schema.Field{Kind: schema.KindString}),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	}
	gw, _ := newTestGateway(t, &policy.Config{DefaultDeny: false, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, tool)

	res := gw.Invoke(context.Background(), "strict.tool", map[string]any{})
	if res.Success {
		t.Fatalf("expected validation failure for missing required field")
	}
	if res.Code != gatewayerr.ValidationError {
		t.Fatalf("Code = %v, want ValidationError", res.Code)
	}
}

func TestInvokePolicyDeniedUnknownTool(t *testing.T) {
	gw, _ := newTestGateway(t, &policy.Config{DefaultDeny: true, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, echoTool("fs.readFile"))

	res := gw.Invoke(context.Background(), "fs.readFile", map[string]any{"value": "hi"})
	if res.Success {
		t.Fatalf("expected deny under default_deny with no allow_tools entry")
	}
	if res.Code != gatewayerr.PolicyDenied {
		t.Fatalf("Code = %v, want PolicyDenied", res.Code)
	}
}

func TestInvokeAllowedSucceeds(t *testing.T) {
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"fs.readFile": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  1 << 20,
	}
	gw, metrics := newTestGateway(t, cfg, echoTool("fs.readFile"))

	res := gw.Invoke(context.Background(), "fs.readFile", map[string]any{"value": "hi"})
	if !res.Success {
		t.Fatalf("expected success, got code=%v message=%v", res.Code, res.Message)
	}
	m, ok := res.Value.(map[string]any)
	if !ok || m["echo"] != "hi" {
		t.Fatalf("unexpected result value: %v", res.Value)
	}
	if metrics.calls != 1 {
		t.Fatalf("expected exactly one metrics record for a successful call, got %d", metrics.calls)
	}
}

func TestInvokeTimeoutFires(t *testing.T) {
	slowTool := &registry.Tool{
		Name:        "slow.tool",
		InputSchema: schema.New(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"slow.tool": true},
		GlobalTimeoutMs: 10,
		GlobalMaxBytes:  1 << 20,
	}
	gw, _ := newTestGateway(t, cfg, slowTool)

	res := gw.Invoke(context.Background(), "slow.tool", nil)
	if res.Success {
		t.Fatalf("expected timeout failure")
	}
	if res.Code != gatewayerr.Timeout {
		t.Fatalf("Code = %v, want Timeout", res.Code)
	}
}

func TestInvokeMaxBytesExceeded(t *testing.T) {
	bigTool := &registry.Tool{
		Name:        "big.tool",
		InputSchema: schema.New(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"data": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}, nil
		},
	}
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"big.tool": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  5,
	}
	gw, _ := newTestGateway(t, cfg, bigTool)

	res := gw.Invoke(context.Background(), "big.tool", nil)
	if res.Success {
		t.Fatalf("expected max_bytes_exceeded failure")
	}
	if res.Code != gatewayerr.MaxBytesExceeded {
		t.Fatalf("Code = %v, want MaxBytesExceeded", res.Code)
	}
}

func TestInvokeHandlerPanicBecomesInternalError(t *testing.T) {
	panicTool := &registry.Tool{
		Name:        "panic.tool",
		InputSchema: schema.New(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		},
	}
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"panic.tool": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  1 << 20,
	}
	gw, _ := newTestGateway(t, cfg, panicTool)

	res := gw.Invoke(context.Background(), "panic.tool", nil)
	if res.Success {
		t.Fatalf("expected failure when handler panics")
	}
	if res.Code != gatewayerr.InternalError {
		t.Fatalf("Code = %v, want InternalError", res.Code)
	}
}

func TestInvokeHandlerErrorPassesThroughTypedCode(t *testing.T) {
	failTool := &registry.Tool{
		Name:        "fail.tool",
		InputSchema: schema.New(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, gatewayerr.New(gatewayerr.SecurityError, "path escapes allowlist")
		},
	}
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"fail.tool": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  1 << 20,
	}
	gw, _ := newTestGateway(t, cfg, failTool)

	res := gw.Invoke(context.Background(), "fail.tool", nil)
	if res.Code != gatewayerr.SecurityError {
		t.Fatalf("Code = %v, want SecurityError passed through unchanged", res.Code)
	}
}

func TestInvokeUntypedHandlerErrorBecomesInternalError(t *testing.T) {
	failTool := &registry.Tool{
		Name:        "fail2.tool",
		InputSchema: schema.New(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"fail2.tool": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  1 << 20,
	}
	gw, _ := newTestGateway(t, cfg, failTool)

	res := gw.Invoke(context.Background(), "fail2.tool", nil)
	if res.Code != gatewayerr.InternalError {
		t.Fatalf("Code = %v, want InternalError for an untyped handler error", res.Code)
	}
}

func TestInvokeRequestIDsAreUnique(t *testing.T) {
	cfg := &policy.Config{
		AllowTools:      map[string]bool{"fs.readFile": true},
		GlobalTimeoutMs: 1000,
		GlobalMaxBytes:  1 << 20,
	}
	gw, _ := newTestGateway(t, cfg, echoTool("fs.readFile"))

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res := gw.Invoke(context.Background(), "fs.readFile", map[string]any{"value": "hi"})
		if seen[res.RequestID] {
			t.Fatalf("duplicate request id %q", res.RequestID)
		}
		seen[res.RequestID] = true
	}
}

func TestListToolsReturnsRegisteredMetadata(t *testing.T) {
	gw, _ := newTestGateway(t, &policy.Config{}, echoTool("fs.readFile"), echoTool("web.fetch"))

	meta := gw.ListTools()
	if len(meta) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(meta))
	}
	if meta[0].Name != "fs.readFile" || meta[1].Name != "web.fetch" {
		t.Fatalf("expected registration order to be preserved, got %+v", meta)
	}
}
