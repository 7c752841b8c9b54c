package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/toolhorn/internal/secrets"
	"github.com/nuetzliches/toolhorn/internal/telemetry"
)

// Environment variable names. The optional --config file carries the same
// keys; hot-reloadable ones are applied by the watcher.
const (
	envTelemetryEnabled       = "TOOLHORN_TELEMETRY_ENABLED"
	envTelemetryEndpoint      = "TOOLHORN_TELEMETRY_ENDPOINT"
	envTelemetryAPIKeyRef     = "TOOLHORN_TELEMETRY_API_KEY_REF"
	envTelemetryRequireAPIKey = "TOOLHORN_TELEMETRY_REQUIRE_API_KEY"
	envTelemetryBatchSize     = "TOOLHORN_TELEMETRY_BATCH_SIZE"
	envTelemetryFlushInterval = "TOOLHORN_TELEMETRY_FLUSH_INTERVAL"
	envTelemetryMaxRetries    = "TOOLHORN_TELEMETRY_MAX_RETRIES"
	envTelemetryMinLevel      = "TOOLHORN_TELEMETRY_MIN_LEVEL"

	envSessionID      = "TOOLHORN_SESSION_ID"
	envUser           = "TOOLHORN_USER"
	envIntegration    = "TOOLHORN_INTEGRATION"
	envServerName     = "TOOLHORN_SERVER_NAME"
	envProjectID      = "TOOLHORN_PROJECT_ID"
	envOrganizationID = "TOOLHORN_ORGANIZATION_ID"

	envContentBaseURL  = "TOOLHORN_CONTENT_BASE_URL"
	envContentTokenRef = "TOOLHORN_CONTENT_TOKEN_REF"

	envTracingEnabled   = "TOOLHORN_TRACING_ENABLED"
	envTracingCollector = "TOOLHORN_TRACING_COLLECTOR"
	envTracingInsecure  = "TOOLHORN_TRACING_INSECURE"

	envSweepInterval = "TOOLHORN_SWEEP_INTERVAL"
	envStaleMaxAge   = "TOOLHORN_STALE_MAX_AGE"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleMaxAge   = 5 * time.Minute
)

type Config struct {
	Telemetry telemetry.Config
	MinLevel  telemetry.Level
	Identity  telemetry.Identity

	ContentBaseURL string
	ContentToken   string

	TracingEnabled   bool
	TracingCollector string
	TracingInsecure  bool

	SweepInterval time.Duration
	StaleMaxAge   time.Duration
}

// loadConfig reads configuration from the environment. Secret values are
// indirected through secret references (env:NAME, file:/path, raw:value).
// Invalid configuration prevents startup.
func loadConfig() (Config, error) {
	var cfg Config
	var err error

	cfg.Telemetry.Enabled, err = envBool(envTelemetryEnabled, false)
	if err != nil {
		return Config{}, err
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(os.Getenv(envTelemetryEndpoint))
	cfg.Telemetry.RequireAPIKey, err = envBool(envTelemetryRequireAPIKey, false)
	if err != nil {
		return Config{}, err
	}
	if ref := strings.TrimSpace(os.Getenv(envTelemetryAPIKeyRef)); ref != "" {
		key, err := secrets.LoadRef(ref)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envTelemetryAPIKeyRef, err)
		}
		cfg.Telemetry.APIKey = key
	}
	cfg.Telemetry.BatchSize, err = envInt(envTelemetryBatchSize, 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Telemetry.FlushInterval, err = envDuration(envTelemetryFlushInterval, 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Telemetry.MaxRetries, err = envInt(envTelemetryMaxRetries, 0)
	if err != nil {
		return Config{}, err
	}

	cfg.MinLevel, err = telemetry.ParseLevel(os.Getenv(envTelemetryMinLevel))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envTelemetryMinLevel, err)
	}

	cfg.Identity = telemetry.Identity{
		SessionID:      strings.TrimSpace(os.Getenv(envSessionID)),
		User:           strings.TrimSpace(os.Getenv(envUser)),
		Integration:    strings.TrimSpace(os.Getenv(envIntegration)),
		ServerName:     strings.TrimSpace(os.Getenv(envServerName)),
		ProjectID:      strings.TrimSpace(os.Getenv(envProjectID)),
		OrganizationID: strings.TrimSpace(os.Getenv(envOrganizationID)),
	}
	if cfg.Identity.SessionID == "" {
		cfg.Identity.SessionID = newSessionID()
	}
	if cfg.Identity.User == "" {
		cfg.Identity.User = "unknown"
	}
	if cfg.Identity.ServerName == "" {
		cfg.Identity.ServerName = "toolhorn"
	}

	cfg.ContentBaseURL = strings.TrimSpace(os.Getenv(envContentBaseURL))
	if ref := strings.TrimSpace(os.Getenv(envContentTokenRef)); ref != "" {
		token, err := secrets.LoadRef(ref)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envContentTokenRef, err)
		}
		cfg.ContentToken = token
	}

	cfg.TracingEnabled, err = envBool(envTracingEnabled, false)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingCollector = strings.TrimSpace(os.Getenv(envTracingCollector))
	cfg.TracingInsecure, err = envBool(envTracingInsecure, false)
	if err != nil {
		return Config{}, err
	}

	cfg.SweepInterval, err = envDuration(envSweepInterval, defaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StaleMaxAge, err = envDuration(envStaleMaxAge, defaultStaleMaxAge)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "sess_0"
	}
	return "sess_" + hex.EncodeToString(b)
}

func envBool(name string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q", name, raw)
	}
	return v, nil
}

func envInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, raw)
	}
	return v, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, raw)
	}
	return v, nil
}
