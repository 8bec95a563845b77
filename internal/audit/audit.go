// Package audit implements the privacy-preserving audit log: one structured
// event per invocation, with hashed arguments, stable identifiers, timing,
// and size (§3, §4.4).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
)

// Decision is the audit-event decision axis: deny means the gateway refused
// the request outright; allow means the invocation was accepted (it may
// still have failed during execution, tracked separately via ErrorCode).
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Event is one audit record, emitted exactly once per invoke() call.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"request_id"`
	Tool        string         `json:"tool"`
	Actor       string         `json:"actor"`
	ArgsSHA256  string         `json:"args_sha256"`
	Decision    Decision       `json:"decision"`
	Reason      string         `json:"reason"`
	DurationMs  int64          `json:"duration_ms"`
	ResultBytes int            `json:"result_bytes"`
	ErrorCode   gatewayerr.Code `json:"error_code,omitempty"`
}

// MarshalJSON renders Timestamp as ISO-8601 UTC with millisecond precision,
// per the wire-shape contract (§3).
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		alias
	}{
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		alias:     alias(e),
	})
}

// Context is the per-invocation audit state created at the start of
// invoke() and finalized by exactly one Log call.
type Context struct {
	RequestID  string
	Tool       string
	Actor      string
	ArgsSHA256 string
	start      time.Time
}

// Logger is the audit sink. A disabled logger still mints request ids via
// CreateContext so callers retain correlation, but skips all sink writes.
type Logger struct {
	enabled  bool
	sink     io.Writer
	fileMu   sync.Mutex
	file     *os.File
	fileSink zerolog.Logger
}

// Config configures the audit logger's sinks.
type Config struct {
	Enabled  bool
	FilePath string // optional; parent directories are created if needed
}

// New constructs a Logger writing raw "[audit] {...}"-prefixed JSON lines to
// the process log stream, and optionally appending unprefixed JSON lines to
// FilePath.
func New(cfg Config) (*Logger, error) {
	l := &Logger{
		enabled: cfg.Enabled,
		sink:    os.Stdout,
	}
	if !cfg.Enabled || cfg.FilePath == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		log.Warn().Err(err).Str("path", cfg.FilePath).Msg("audit: failed to create log directory, file sink disabled")
		return l, nil
	}
	f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.FilePath).Msg("audit: failed to open log file, file sink disabled")
		return l, nil
	}
	l.file = f
	l.fileSink = zerolog.New(f).With().Logger()
	return l, nil
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// CreateContext mints a fresh request id and canonicalizes args for hashing.
// This always runs, even when the logger is disabled, because callers rely
// on the request id for correlation.
func (l *Logger) CreateContext(tool, actor string, args map[string]any) *Context {
	return &Context{
		RequestID:  uuid.NewString(),
		Tool:       tool,
		Actor:      actor,
		ArgsSHA256: hashArgs(args),
		start:      time.Now(),
	}
}

// Log emits the single audit event for this invocation. result may be nil.
func (l *Logger) Log(ctx *Context, decision Decision, reason string, result any, errorCode gatewayerr.Code) Event {
	duration := time.Since(ctx.start).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	ev := Event{
		Timestamp:   time.Now(),
		RequestID:   ctx.RequestID,
		Tool:        ctx.Tool,
		Actor:       ctx.Actor,
		ArgsSHA256:  ctx.ArgsSHA256,
		Decision:    decision,
		Reason:      reason,
		DurationMs:  duration,
		ResultBytes: resultBytes(decision, errorCode, result),
		ErrorCode:   errorCode,
	}

	if !l.enabled {
		return ev
	}

	// The spec's wire-shape contract is a literal "[audit] " text prefix
	// followed by the raw JSON object on one line, not a zerolog envelope —
	// write it directly rather than through a structured log call.
	if _, err := fmt.Fprintln(l.sink, "[audit] "+marshalAuditLine(ev)); err != nil {
		log.Error().Err(err).Msg("audit: failed to write primary sink line")
	}
	l.appendToFile(ev)
	return ev
}

// LogSuccess is a thin wrapper for the execution_success path.
func (l *Logger) LogSuccess(ctx *Context, result any) Event {
	return l.Log(ctx, DecisionAllow, "execution_success", result, "")
}

// LogDenied is a thin wrapper for policy/validation/lookup denials.
func (l *Logger) LogDenied(ctx *Context, reason string) Event {
	return l.Log(ctx, DecisionDeny, reason, nil, "")
}

// LogError is a thin wrapper for execution-phase failures (timeout,
// security_error, connector_error, max_bytes_exceeded, internal_error).
func (l *Logger) LogError(ctx *Context, reason string, code gatewayerr.Code) Event {
	return l.Log(ctx, DecisionAllow, reason, nil, code)
}

func (l *Logger) appendToFile(ev Event) {
	if l.file == nil {
		return
	}
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to marshal event for file sink")
		return
	}
	b = append(b, '\n')
	if _, err := l.file.Write(b); err != nil {
		// File sink failures must never fail the invocation; report and swallow.
		log.Error().Err(err).Msg("audit: failed to append event to file sink")
	}
}

func marshalAuditLine(ev Event) string {
	b, err := json.Marshal(ev)
	if err != nil {
		return `{"error":"failed to marshal audit event"}`
	}
	return string(b)
}

func resultBytes(decision Decision, errorCode gatewayerr.Code, result any) int {
	if decision == DecisionDeny || errorCode != "" || result == nil {
		return 0
	}
	b, err := json.Marshal(result)
	if err != nil {
		return 0
	}
	return len(b)
}

// hashArgs computes SHA-256 over the canonical JSON encoding of args: object
// keys sorted lexicographically, undefined elided, nil args encoded as null.
func hashArgs(args map[string]any) string {
	var canon []byte
	if args == nil {
		canon = []byte("null")
	} else {
		canon = canonicalize(args)
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}

// canonicalize produces a deterministic JSON encoding: maps are walked with
// sorted keys so that two calls with the same logical arguments always hash
// identically regardless of map iteration order.
func canonicalize(v any) []byte {
	return canonicalValue(v)
}

func canonicalValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return []byte("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalValue(val[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte("[")
		for i, elem := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalValue(elem)...)
		}
		out = append(out, ']')
		return out
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return []byte("null")
		}
		return b
	}
}
