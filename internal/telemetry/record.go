// Package telemetry owns the outbound log delivery pipeline: structured log
// records, the shipper (queue, batching, retry, HTTPS delivery), a looser
// upstream batcher, and the leveled logger facade that feeds them.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

func levelRank(l Level) (int, bool) {
	switch l {
	case LevelDebug:
		return 0, true
	case LevelInfo:
		return 1, true
	case LevelWarn:
		return 2, true
	case LevelError:
		return 3, true
	case LevelFatal:
		return 4, true
	default:
		return 0, false
	}
}

func ParseLevel(raw string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if l == "" {
		return LevelInfo, nil
	}
	if _, ok := levelRank(l); !ok {
		return "", fmt.Errorf("invalid log level %q (use: debug|info|warn|error|fatal)", raw)
	}
	return l, nil
}

type Component string

const (
	ComponentServer    Component = "server"
	ComponentTool      Component = "tool"
	ComponentHTTP      Component = "http"
	ComponentAuth      Component = "auth"
	ComponentRateLimit Component = "rate_limit"
)

func normalizeComponent(c Component) Component {
	switch c {
	case ComponentServer, ComponentTool, ComponentHTTP, ComponentAuth, ComponentRateLimit:
		return c
	default:
		return ComponentServer
	}
}

// Record is one structured log record, immutable once constructed.
type Record struct {
	Timestamp      time.Time      `json:"timestamp"`
	Level          Level          `json:"level"`
	SessionID      string         `json:"sessionId,omitempty"`
	User           string         `json:"user"`
	Integration    string         `json:"integration,omitempty"`
	Component      Component      `json:"component"`
	Action         string         `json:"action,omitempty"`
	Message        string         `json:"message"`
	ServerName     string         `json:"serverName,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

const (
	maxMetadataKeys     = 32
	maxMetadataValueLen = 1024
)

// normalizeRecord prepares a record for transport. Fatal collapses to error,
// unknown components fall back to the default, and metadata is sanitized.
// Records missing timestamp, level, user, or message are malformed and must
// be dropped, never retried.
func normalizeRecord(r Record) (Record, bool) {
	if r.Timestamp.IsZero() || r.User == "" || r.Message == "" {
		return Record{}, false
	}
	if _, ok := levelRank(r.Level); !ok {
		return Record{}, false
	}
	if r.Level == LevelFatal {
		r.Level = LevelError
	}
	r.Component = normalizeComponent(r.Component)
	r.Metadata = sanitizeMetadata(r.Metadata)
	return r, true
}

// sanitizeMetadata bounds the caller-supplied metadata bag once at the
// shipper boundary: nil values are dropped, unserializable values are
// stringified, oversized values are truncated, and the key count is capped.
func sanitizeMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if len(out) >= maxMetadataKeys {
			break
		}
		if k == "" || v == nil {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			v = fmt.Sprintf("%v", v)
		}
		if s, ok := v.(string); ok && len(s) > maxMetadataValueLen {
			v = s[:maxMetadataValueLen]
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
