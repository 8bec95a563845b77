package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentguard/mcp-gateway/internal/gateway"
)

// Handlers holds the HTTP façade's handlers over the invocation API (§6).
type Handlers struct {
	Gateway *gateway.Gateway

	// DatabaseReady and SecondaryPolicyReady back the /ready sub-checks; both
	// may be nil when the corresponding feature is not configured.
	DatabaseReady        func() bool
	SecondaryPolicyReady func() bool
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gw *gateway.Gateway) *Handlers {
	return &Handlers{Gateway: gw}
}

// ListTools implements GET /tools.
func (h *Handlers) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.Gateway.ListTools()})
}

// InvokeTool implements POST /tools/:name: 200 on success, the taxonomy's
// suggested HTTP status otherwise (§6).
func (h *Handlers) InvokeTool(c *gin.Context) {
	name := c.Param("name")

	var args map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
	}

	result := h.Gateway.Invoke(c.Request.Context(), name, args)
	if result.Success {
		c.JSON(http.StatusOK, gin.H{
			"result":     result.Value,
			"request_id": result.RequestID,
		})
		return
	}

	c.JSON(result.Code.HTTPStatus(), gin.H{
		"error":      result.Message,
		"code":       result.Code,
		"request_id": result.RequestID,
	})
}

// Events implements the optional server-sent-event stream: a single
// "connected" event with the tool list, then the connection is held open
// until the client disconnects (§6).
func (h *Handlers) Events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("connected", gin.H{"tools": h.Gateway.ListTools()})
	c.Writer.Flush()

	<-c.Request.Context().Done()
}
