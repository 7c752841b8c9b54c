package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Tool responses above this size are truncated before logging; truncation is
// flagged in metadata rather than dropped silently.
const maxLoggedResponseBytes = 4096

// Identity is the per-process telemetry identity stamped on every record.
type Identity struct {
	SessionID      string
	User           string
	Integration    string
	ServerName     string
	ProjectID      string
	OrganizationID string
}

// Logger is the leveled facade in front of the pipeline. Every accepted call
// is mirrored as one line to the local diagnostic sink (stderr; the JSON-RPC
// wire on stdout must stay clean) and, when shipping is enabled, forwarded to
// the batcher as a full record.
//
// Minimum level and the shipping toggle are atomics so the config watcher can
// flip them at runtime.
type Logger struct {
	diag    *slog.Logger
	batcher *Batcher
	id      Identity
	nowFn   func() time.Time

	min      atomic.Int32
	shipping atomic.Bool
}

func NewLogger(diag *slog.Logger, batcher *Batcher, id Identity, min Level, shipping bool) *Logger {
	if diag == nil {
		diag = slog.Default()
	}
	l := &Logger{
		diag:    diag,
		batcher: batcher,
		id:      id,
		nowFn:   time.Now,
	}
	l.SetMinLevel(min)
	l.SetShippingEnabled(shipping && batcher != nil)
	return l
}

func (l *Logger) SetMinLevel(min Level) {
	rank, ok := levelRank(min)
	if !ok {
		rank, _ = levelRank(LevelInfo)
	}
	l.min.Store(int32(rank))
}

func (l *Logger) SetShippingEnabled(enabled bool) {
	l.shipping.Store(enabled && l.batcher != nil)
}

func (l *Logger) log(level Level, component Component, action, message string, metadata map[string]any) {
	rank, ok := levelRank(level)
	if !ok {
		return
	}
	if rank < int(l.min.Load()) {
		return
	}

	attrs := []any{
		slog.String("component", string(normalizeComponent(component))),
		slog.String("action", action),
	}
	for k, v := range metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	switch level {
	case LevelDebug:
		l.diag.Debug(message, attrs...)
	case LevelInfo:
		l.diag.Info(message, attrs...)
	case LevelWarn:
		l.diag.Warn(message, attrs...)
	case LevelError:
		l.diag.Error(message, attrs...)
	case LevelFatal:
		l.diag.Error(message, append(attrs, slog.Bool("fatal", true))...)
	}

	if !l.shipping.Load() {
		return
	}
	l.batcher.Add(Record{
		Timestamp:      l.nowFn(),
		Level:          level,
		SessionID:      l.id.SessionID,
		User:           l.id.User,
		Integration:    l.id.Integration,
		Component:      component,
		Action:         action,
		Message:        message,
		ServerName:     l.id.ServerName,
		ProjectID:      l.id.ProjectID,
		OrganizationID: l.id.OrganizationID,
		Metadata:       metadata,
	})
}

func (l *Logger) Debug(component Component, action, message string, metadata map[string]any) {
	l.log(LevelDebug, component, action, message, metadata)
}

func (l *Logger) Info(component Component, action, message string, metadata map[string]any) {
	l.log(LevelInfo, component, action, message, metadata)
}

func (l *Logger) Warn(component Component, action, message string, metadata map[string]any) {
	l.log(LevelWarn, component, action, message, metadata)
}

func (l *Logger) Error(component Component, action, message string, metadata map[string]any) {
	l.log(LevelError, component, action, message, metadata)
}

func (l *Logger) Fatal(component Component, action, message string, metadata map[string]any) {
	l.log(LevelFatal, component, action, message, metadata)
}

func (l *Logger) HTTPRequest(method, url string) {
	l.log(LevelDebug, ComponentHTTP, "http_request", fmt.Sprintf("%s %s", method, url), nil)
}

func (l *Logger) HTTPResponse(method, url string, status int, duration time.Duration) {
	level := LevelDebug
	if status >= 400 {
		level = LevelWarn
	}
	l.log(level, ComponentHTTP, "http_response", fmt.Sprintf("%s %s -> %d", method, url, status), map[string]any{
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
}

func (l *Logger) HTTPError(method, url string, err error) {
	l.log(LevelError, ComponentHTTP, "http_error", fmt.Sprintf("%s %s failed", method, url), map[string]any{
		"error": err.Error(),
	})
}

func (l *Logger) ToolStart(tool, operationID string) {
	l.log(LevelInfo, ComponentTool, "tool_start", "tool call started: "+tool, map[string]any{
		"operation_id": operationID,
	})
}

// ToolSuccess logs a completed tool call. Oversized responses are truncated
// and flagged.
func (l *Logger) ToolSuccess(tool string, duration time.Duration, response string) {
	metadata := map[string]any{
		"duration_ms":   duration.Milliseconds(),
		"response_size": len(response),
	}
	if len(response) > maxLoggedResponseBytes {
		response = response[:maxLoggedResponseBytes]
		metadata["response_truncated"] = true
	}
	metadata["response"] = response
	l.log(LevelInfo, ComponentTool, "tool_success", "tool call succeeded: "+tool, metadata)
}

func (l *Logger) ToolError(tool string, err error, duration time.Duration) {
	l.log(LevelError, ComponentTool, "tool_error", "tool call failed: "+tool, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"error":       err.Error(),
	})
}

func (l *Logger) AuthEvent(action string, success bool, detail string) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	l.log(level, ComponentAuth, action, detail, map[string]any{"success": success})
}

func (l *Logger) RateLimited(endpoint string, retryAfter time.Duration) {
	l.log(LevelWarn, ComponentRateLimit, "rate_limited", "rate limited by "+endpoint, map[string]any{
		"retry_after_ms": retryAfter.Milliseconds(),
	})
}

// Shutdown delegates to the batcher.
func (l *Logger) Shutdown(ctx context.Context) {
	if l.batcher != nil {
		l.batcher.Shutdown(ctx)
	}
}
