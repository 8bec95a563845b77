// Package policy implements the decision engine: given a tool name and
// arguments, it produces an allow/deny verdict plus an effective resource
// envelope (§4.2).
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
)

// Tristate represents an unset/true/false per-tool allow override.
type Tristate int

const (
	Unset Tristate = iota
	AllowTrue
	AllowFalse
)

// ArgRule is one arg_allowlist entry's evaluation rule, matching the four
// shapes in §3: "any value", a literal-value set, a regex, or a single
// literal equality check.
type ArgRule struct {
	AllowAny bool
	Literals []any   // membership-check values, used whenever IsList is set (any length)
	Regex    *regexp.Regexp
	// Exact holds the single literal for the simple equality case, kept
	// distinct from Literals so the reason string can report it cleanly.
	Exact    any
	IsExact  bool
	IsList   bool
}

// Matches reports whether value satisfies the rule, and a human-readable
// description of the expected shape for denial reasons.
func (r *ArgRule) Matches(value any) (bool, string) {
	if r.AllowAny {
		return true, "any value"
	}
	if r.Regex != nil {
		s, ok := value.(string)
		if !ok {
			return false, fmt.Sprintf("value matching %s", r.Regex.String())
		}
		return r.Regex.MatchString(s), fmt.Sprintf("value matching %s", r.Regex.String())
	}
	if r.IsList {
		for _, lit := range r.Literals {
			if lit == value {
				return true, fmt.Sprintf("one of %v", r.Literals)
			}
		}
		return false, fmt.Sprintf("one of %v", r.Literals)
	}
	return r.Exact == value, fmt.Sprintf("%v", r.Exact)
}

// NewArgRule builds an ArgRule from the raw config value per the §3 shapes:
// true, a list of literals, a "regex:" prefixed string, or any other literal.
func NewArgRule(raw any) (*ArgRule, error) {
	switch v := raw.(type) {
	case bool:
		if v {
			return &ArgRule{AllowAny: true}, nil
		}
		return &ArgRule{IsExact: true, Exact: false}, nil
	case []any:
		return &ArgRule{IsList: true, Literals: v}, nil
	case string:
		if strings.HasPrefix(v, "regex:") {
			pattern := strings.TrimPrefix(v, "regex:")
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid regex in arg_allowlist: %w", err)
			}
			return &ArgRule{Regex: re}, nil
		}
		return &ArgRule{IsExact: true, Exact: v}, nil
	default:
		return &ArgRule{IsExact: true, Exact: v}, nil
	}
}

// PerTool holds the per-tool policy override record (§3).
type PerTool struct {
	Allow        Tristate
	TimeoutMs    int64
	MaxBytes     int64
	HasTimeoutMs bool
	HasMaxBytes  bool
	ArgAllowlist map[string]*ArgRule
}

// Config is the static policy configuration consumed by the engine.
type Config struct {
	DefaultDeny     bool
	AllowTools      map[string]bool
	DenyTools       map[string]bool
	PerTool         map[string]*PerTool
	GlobalTimeoutMs int64
	GlobalMaxBytes  int64
}

// Envelope is the resolved resource envelope for one tool: the timeout and
// byte cap that bound a single invocation.
type Envelope struct {
	TimeoutMs int64
	MaxBytes  int64
}

// Decision is the outcome of Decide: allow/deny plus the reason and the
// unconditionally-computed envelope.
type Decision struct {
	Allowed  bool
	Reason   string
	Envelope Envelope
}

// Engine evaluates Decide/Enforce against an immutable Config.
type Engine struct {
	cfg *Config
}

// NewEngine builds an Engine over an immutable policy Config.
func NewEngine(cfg *Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decide evaluates the decision order from §4.2, stopping at the first
// match that determines the outcome. The envelope is always computed,
// even on deny, so the audit layer can record intended limits.
func (e *Engine) Decide(tool string, args map[string]any) Decision {
	envelope := e.envelopeFor(tool)

	// 1. deny_tools always wins.
	if e.cfg.DenyTools[tool] {
		return Decision{Allowed: false, Reason: fmt.Sprintf("deny_tools: %s", tool), Envelope: envelope}
	}

	// 2. per_tool entry.
	if pt, ok := e.cfg.PerTool[tool]; ok {
		if pt.Allow == AllowFalse {
			return Decision{Allowed: false, Reason: "per_tool denied", Envelope: envelope}
		}
		if pt.ArgAllowlist != nil {
			if reason, denied := evaluateArgAllowlist(pt.ArgAllowlist, args); denied {
				return Decision{Allowed: false, Reason: reason, Envelope: envelope}
			}
		}
		if pt.Allow == AllowTrue {
			return Decision{Allowed: true, Reason: "per_tool allow", Envelope: envelope}
		}
	}

	// 3. allow_tools.
	if e.cfg.AllowTools[tool] {
		return Decision{Allowed: true, Reason: fmt.Sprintf("allow_tools: %s", tool), Envelope: envelope}
	}

	// 4. default_deny safety net.
	if e.cfg.DefaultDeny {
		return Decision{Allowed: false, Reason: "default_deny", Envelope: envelope}
	}

	// 5. otherwise allow.
	return Decision{Allowed: true, Reason: "default allow", Envelope: envelope}
}

// Enforce calls Decide and raises policy_denied on a deny.
func (e *Engine) Enforce(tool string, args map[string]any) (Envelope, error) {
	d := e.Decide(tool, args)
	if !d.Allowed {
		return d.Envelope, gatewayerr.New(gatewayerr.PolicyDenied, d.Reason)
	}
	return d.Envelope, nil
}

func (e *Engine) envelopeFor(tool string) Envelope {
	env := Envelope{TimeoutMs: e.cfg.GlobalTimeoutMs, MaxBytes: e.cfg.GlobalMaxBytes}
	if pt, ok := e.cfg.PerTool[tool]; ok {
		if pt.HasTimeoutMs {
			env.TimeoutMs = pt.TimeoutMs
		}
		if pt.HasMaxBytes {
			env.MaxBytes = pt.MaxBytes
		}
	}
	return env
}

// evaluateArgAllowlist checks each provided argument against the allowlist.
// An unrecognized key denies; a value mismatch denies naming the key and the
// expected shape. Keys present in the allowlist but absent from args are not
// required — the allowlist restricts, it does not impose a schema.
func evaluateArgAllowlist(allowlist map[string]*ArgRule, args map[string]any) (string, bool) {
	// Deterministic iteration for a stable denial reason across identical calls.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := args[key]
		rule, ok := allowlist[key]
		if !ok {
			return fmt.Sprintf("arg_allowlist: unrecognized key %q", key), true
		}
		if matched, expected := rule.Matches(value); !matched {
			return fmt.Sprintf("arg_allowlist: key %q expected %s", key, expected), true
		}
	}
	return "", false
}
