package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentguard/mcp-gateway/internal/audit"
	"github.com/agentguard/mcp-gateway/internal/gateway"
	"github.com/agentguard/mcp-gateway/internal/policy"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func echoTool(name string) *registry.Tool {
	return &registry.Tool{
		Name:        name,
		Description: "echoes its input",
		InputSchema: schema.New().Field("value", &schema.Field{Kind: schema.KindString}, schema.Optional),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["value"]}, nil
		},
	}
}

func newTestHandlers(t *testing.T, cfg *policy.Config, tools ...*registry.Tool) *Handlers {
	t.Helper()
	reg := registry.New()
	if err := reg.RegisterMany(tools); err != nil {
		t.Fatalf("RegisterMany: %v", err)
	}
	auditLogger, err := audit.New(audit.Config{Enabled: false})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	gw := gateway.New(reg, policy.NewEngine(cfg), nil, auditLogger, "test-actor", nil)
	return NewHandlers(gw)
}

func TestListToolsReturnsRegisteredTools(t *testing.T) {
	h := newTestHandlers(t, &policy.Config{DefaultDeny: false, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, echoTool("echo.test"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/tools", nil)

	h.ListTools(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Tools []registry.Metadata `json:"tools"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "echo.test" {
		t.Fatalf("unexpected tools payload: %+v", body.Tools)
	}
}

func TestInvokeToolSuccessReturns200(t *testing.T) {
	h := newTestHandlers(t, &policy.Config{DefaultDeny: false, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, echoTool("echo.test"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"value": "hi"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/tools/echo.test", body)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "name", Value: "echo.test"}}

	h.InvokeTool(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatalf("expected a non-empty request_id")
	}
}

func TestInvokeToolNotFoundReturns404(t *testing.T) {
	h := newTestHandlers(t, &policy.Config{DefaultDeny: false, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/tools/missing", nil)
	c.Params = gin.Params{{Key: "name", Value: "missing"}}

	h.InvokeTool(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestInvokeToolDeniedReturns403(t *testing.T) {
	h := newTestHandlers(t, &policy.Config{DefaultDeny: true, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, echoTool("echo.test"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/tools/echo.test", nil)
	c.Params = gin.Params{{Key: "name", Value: "echo.test"}}

	h.InvokeTool(c)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 under default_deny with no allow rule", w.Code)
	}
}

func TestInvokeToolInvalidJSONBodyReturns400(t *testing.T) {
	h := newTestHandlers(t, &policy.Config{DefaultDeny: false, GlobalTimeoutMs: 1000, GlobalMaxBytes: 1 << 20}, echoTool("echo.test"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/tools/echo.test", bytes.NewBufferString("{not json"))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "name", Value: "echo.test"}}

	h.InvokeTool(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed JSON body", w.Code)
	}
}
