// Package gateway implements the bounded execution harness: schema
// validation -> policy enforce -> bounded execute -> size check -> audit
// (§4.3). It is the composition point the rest of the spec is organized
// around.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentguard/mcp-gateway/internal/audit"
	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/policy"
	"github.com/agentguard/mcp-gateway/internal/registry"
)

// Result is the tagged success/failure value returned to the caller.
// Exactly one of Value or (Code, Message) is meaningful; RequestID is
// always present (§3 Invocation result).
type Result struct {
	Success   bool
	Value     any
	Code      gatewayerr.Code
	Message   string
	RequestID string
}

// Metrics is the optional observability hook invoked after every
// invocation completes; it must never block or fail the invocation. It
// exists so internal/telemetry can record spans/counters without the
// harness importing OTel directly (§ Design notes — no cyclic ownership).
type Metrics interface {
	RecordInvocation(ctx context.Context, tool string, decision audit.Decision, errorCode gatewayerr.Code, durationMs int64, resultBytes int)
}

// Gateway wires the registry, policy engine, optional secondary policy
// hook, audit logger, and actor identity into the single invoke() entry
// point the transports consume (§6).
type Gateway struct {
	Registry  *registry.Registry
	Policy    *policy.Engine
	Secondary *policy.SecondaryHook // optional; nil disables the OPA layer
	Audit     *audit.Logger
	Actor     string
	Metrics   Metrics // optional; nil disables telemetry recording
}

// New builds a Gateway. secondary and metrics may be nil.
func New(reg *registry.Registry, eng *policy.Engine, secondary *policy.SecondaryHook, auditLogger *audit.Logger, actor string, metrics Metrics) *Gateway {
	return &Gateway{
		Registry:  reg,
		Policy:    eng,
		Secondary: secondary,
		Audit:     auditLogger,
		Actor:     actor,
		Metrics:   metrics,
	}
}

// ListTools returns {name, description, json_schema} for every registered
// tool, in registration order (§6).
func (g *Gateway) ListTools() []registry.Metadata {
	return g.Registry.Metadata()
}

// Invoke runs the full pipeline for one tool call. It always produces
// exactly one audit event and always returns a Result carrying a request
// id, whether the call succeeded, was denied, or errored.
func (g *Gateway) Invoke(ctx context.Context, toolName string, rawArgs map[string]any) Result {
	auditCtx := g.Audit.CreateContext(toolName, g.Actor, rawArgs)

	// Step 1 (tool lookup).
	tool, ok := g.Registry.Lookup(toolName)
	if !ok {
		ev := g.Audit.LogDenied(auditCtx, "tool_not_found")
		g.record(ctx, ev)
		return Result{Code: gatewayerr.ToolNotFound, Message: fmt.Sprintf("no tool registered for %q", toolName), RequestID: auditCtx.RequestID}
	}

	// Step 2 (schema validation).
	parsedArgs, schemaErr := tool.InputSchema.Parse(rawArgs)
	if schemaErr != nil {
		reason := fmt.Sprintf("validation_failed: %s", schemaErr.Error())
		ev := g.Audit.LogDenied(auditCtx, reason)
		g.record(ctx, ev)
		return Result{Code: gatewayerr.ValidationError, Message: schemaErr.Error(), RequestID: auditCtx.RequestID}
	}

	// Step 3 (policy enforce: static engine first, then optional secondary).
	envelope, err := g.Policy.Enforce(toolName, parsedArgs)
	if err != nil {
		ge := gatewayerr.As(err)
		ev := g.Audit.LogDenied(auditCtx, ge.Message)
		g.record(ctx, ev)
		return Result{Code: ge.Code, Message: ge.Message, RequestID: auditCtx.RequestID}
	}
	if g.Secondary != nil {
		if err := g.Secondary.CheckSecondary(ctx, toolName, g.Actor, parsedArgs); err != nil {
			ge := gatewayerr.As(err)
			ev := g.Audit.LogDenied(auditCtx, ge.Message)
			g.record(ctx, ev)
			return Result{Code: ge.Code, Message: ge.Message, RequestID: auditCtx.RequestID}
		}
	}

	// Step 4 (bounded execute).
	value, execErr := g.boundedExecute(ctx, tool.Handler, parsedArgs, envelope.TimeoutMs)
	if execErr != nil {
		ge := gatewayerr.As(execErr)
		ev := g.Audit.LogError(auditCtx, fmt.Sprintf("error: %s", ge.Code), ge.Code)
		g.record(ctx, ev)
		return Result{Code: ge.Code, Message: ge.Message, RequestID: auditCtx.RequestID}
	}

	// Step 5 (size check).
	size, sizeErr := jsonSize(value)
	if sizeErr != nil {
		ge := gatewayerr.Wrap(gatewayerr.InternalError, "failed to serialize result", sizeErr)
		ev := g.Audit.LogError(auditCtx, fmt.Sprintf("error: %s", ge.Code), ge.Code)
		g.record(ctx, ev)
		return Result{Code: ge.Code, Message: ge.Message, RequestID: auditCtx.RequestID}
	}
	if int64(size) > envelope.MaxBytes {
		ev := g.Audit.LogError(auditCtx, "error: max_bytes_exceeded", gatewayerr.MaxBytesExceeded)
		g.record(ctx, ev)
		return Result{Code: gatewayerr.MaxBytesExceeded, Message: "result exceeds max_bytes", RequestID: auditCtx.RequestID}
	}

	ev := g.Audit.LogSuccess(auditCtx, value)
	g.record(ctx, ev)
	return Result{Success: true, Value: value, RequestID: auditCtx.RequestID}
}

// boundedExecute invokes handler with a deadline of timeoutMs from now,
// racing handler completion against the deadline. If the handler returns
// after the deadline fires, its result is discarded (§5 Cancellation).
func (g *Gateway) boundedExecute(ctx context.Context, handler registry.Handler, args map[string]any, timeoutMs int64) (result any, err error) {
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: gatewayerr.New(gatewayerr.InternalError, fmt.Sprintf("handler panic: %v", r))}
			}
		}()
		v, herr := handler(execCtx, args)
		done <- outcome{value: v, err: herr}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, classifyHandlerError(o.err)
		}
		return o.value, nil
	case <-execCtx.Done():
		return nil, gatewayerr.New(gatewayerr.Timeout, "handler deadline exceeded")
	}
}

// classifyHandlerError passes typed gateway errors through unchanged and
// wraps everything else as internal_error, per §7 propagation policy.
func classifyHandlerError(err error) error {
	if ge, ok := err.(*gatewayerr.Error); ok {
		return ge
	}
	return gatewayerr.Wrap(gatewayerr.InternalError, "unclassified handler error", err)
}

func jsonSize(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (g *Gateway) record(ctx context.Context, ev audit.Event) {
	if g.Metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("gateway: metrics recording panicked, ignoring")
		}
	}()
	g.Metrics.RecordInvocation(ctx, ev.Tool, ev.Decision, ev.ErrorCode, ev.DurationMs, ev.ResultBytes)
}
