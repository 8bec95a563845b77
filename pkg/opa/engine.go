// Package opa provides an optional, policy-as-code secondary decision layer
// on top of the gateway's static policy engine. When a Rego bundle is
// configured, every tool the static engine allows is additionally evaluated
// here; a deny from either layer denies the call. The static engine's
// reason and envelope remain authoritative for audit purposes since it is
// mandatory and this layer is opt-in (SPEC_FULL.md, DOMAIN STACK).
package opa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
)

// maxInputSize guards against memory exhaustion from oversized tool
// arguments reaching the Rego evaluator.
const maxInputSize = 1 << 20 // 1 MB

// Engine evaluates tool-invocation input against a loaded Rego policy.
type Engine struct {
	mu          sync.RWMutex
	query       *rego.PreparedEvalQuery
	store       storage.Store
	initialized bool
}

// NewEngine creates an Engine with no policy loaded; Ready() is false until
// LoadPolicies or LoadBundle succeeds.
func NewEngine() *Engine {
	return &Engine{store: inmem.New()}
}

// Ready reports whether a policy has been loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// LoadPolicies loads Rego source files from disk, under the
// data.mcpgateway package.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := rego.New(
		rego.Query("data.mcpgateway.allow"),
		rego.Store(e.store),
		rego.Load(paths, nil),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("preparing policy for eval: %w", err)
	}
	e.query = &pq
	e.initialized = true
	return nil
}

// LoadBundle loads a policy bundle (tar.gz) from disk.
func (e *Engine) LoadBundle(ctx context.Context, bundlePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := rego.New(
		rego.Query("data.mcpgateway.allow"),
		rego.Store(e.store),
		rego.LoadBundle(bundlePath),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("loading policy bundle: %w", err)
	}
	e.query = &pq
	e.initialized = true
	return nil
}

// UpdateData writes to the engine's in-memory data document at path, for
// policies that key off externally supplied data (e.g. per-actor quotas).
func (e *Engine) UpdateData(ctx context.Context, path string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("starting storage transaction: %w", err)
	}
	storagePath, ok := storage.ParsePath("/" + path)
	if !ok {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("invalid storage path: %s", path)
	}
	if err := e.store.Write(ctx, txn, storage.AddOp, storagePath, data); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("writing to storage path %s: %w", path, err)
	}
	if err := e.store.Commit(ctx, txn); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("committing storage transaction: %w", err)
	}
	return nil
}

// Input is the evaluation input for a single tool invocation.
type Input struct {
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
	Actor string         `json:"actor"`
}

// Decision is the result of a secondary policy evaluation.
type Decision struct {
	Allow      bool     `json:"allow"`
	Reasons    []string `json:"reasons,omitempty"`
	EvalTimeUs int64    `json:"eval_time_us"`
}

// Evaluate runs the loaded policy against a single tool invocation. If no
// policy has been loaded, Evaluate returns an error — callers should check
// Ready() first and skip the secondary layer entirely when it is not
// configured, rather than fail invocations closed on an engine nobody asked
// for.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.query == nil {
		return nil, fmt.Errorf("no policy loaded")
	}

	start := time.Now()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("serializing opa input: %w", err)
	}
	if len(inputJSON) > maxInputSize {
		return nil, fmt.Errorf("opa input exceeds maximum size of %d bytes", maxInputSize)
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	decision := &Decision{EvalTimeUs: time.Since(start).Microseconds()}

	if len(results) > 0 && len(results[0].Expressions) > 0 {
		switch v := results[0].Expressions[0].Value.(type) {
		case bool:
			decision.Allow = v
		case map[string]any:
			if allow, ok := v["allow"].(bool); ok {
				decision.Allow = allow
			}
			if reasons, ok := v["reasons"].([]any); ok {
				for _, r := range reasons {
					if s, ok := r.(string); ok {
						decision.Reasons = append(decision.Reasons, s)
					}
				}
			}
		default:
			log.Warn().Msg("opa: unrecognized result shape, treating as deny")
		}
	}

	return decision, nil
}

// BasePolicy is a starting-point Rego policy for tool-access control,
// restricting tools by actor capability list.
const BasePolicy = `
package mcpgateway

default allow = false

allow {
    some cap
    data.capabilities[input.actor][_] == input.tool
}
`
