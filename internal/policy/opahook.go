package policy

import (
	"context"
	"fmt"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/pkg/opa"
)

// SecondaryHook wraps an optional OPA engine. When not configured (Engine is
// nil or not Ready), CheckSecondary is a no-op allow — the static engine's
// decision is the only mandatory gate.
type SecondaryHook struct {
	Engine *opa.Engine
}

// NewSecondaryHook wraps engine; engine may be nil.
func NewSecondaryHook(engine *opa.Engine) *SecondaryHook {
	return &SecondaryHook{Engine: engine}
}

// Ready reports whether a secondary policy is loaded and will be consulted.
func (h *SecondaryHook) Ready() bool {
	return h != nil && h.Engine != nil && h.Engine.Ready()
}

// CheckSecondary evaluates the optional Rego policy after the static engine
// has already allowed the call. A deny here denies the invocation with the
// policy_denied code, same as a static-engine deny.
func (h *SecondaryHook) CheckSecondary(ctx context.Context, tool, actor string, args map[string]any) error {
	if !h.Ready() {
		return nil
	}

	decision, err := h.Engine.Evaluate(ctx, &opa.Input{Tool: tool, Args: args, Actor: actor})
	if err != nil {
		// A misconfigured or failing secondary policy must not silently open
		// the gate; fail closed and surface as policy_denied.
		return gatewayerr.Wrap(gatewayerr.PolicyDenied, "secondary policy evaluation failed", err)
	}
	if !decision.Allow {
		reason := "secondary policy denied"
		if len(decision.Reasons) > 0 {
			reason = fmt.Sprintf("secondary policy denied: %v", decision.Reasons)
		}
		return gatewayerr.New(gatewayerr.PolicyDenied, reason)
	}
	return nil
}
