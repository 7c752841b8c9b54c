package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchSize     = 25
	defaultFlushInterval = 30 * time.Second
	defaultMaxRetries    = 3

	retryBaseDelay     = 500 * time.Millisecond
	retryBaseDelay429  = 1000 * time.Millisecond
	maxErrorBodyBytes  = 4096
	healthyFlushFactor = 3
)

// Config is validated once at shipper construction. Invalid configuration
// prevents startup entirely.
type Config struct {
	Enabled       bool
	Endpoint      string
	APIKey        string
	RequireAPIKey bool
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

func (c *Config) validate() error {
	if !c.Enabled {
		return nil
	}
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return errors.New("telemetry endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("telemetry endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("telemetry endpoint %q must use https", endpoint)
	}
	if c.RequireAPIKey && strings.TrimSpace(c.APIKey) == "" {
		return errors.New("telemetry api key is required but not configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

// DeliveryError carries the HTTP status of a failed delivery attempt.
// Permanent errors (4xx other than 429) are never retried.
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Body       string
	Hint       string
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("telemetry delivery failed: status %d", e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

type ShipperOption func(*Shipper)

func WithHTTPClient(client *http.Client) ShipperOption {
	return func(s *Shipper) {
		if client != nil {
			s.client = client
		}
	}
}

func WithShipperNowFunc(now func() time.Time) ShipperOption {
	return func(s *Shipper) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSleepFunc(sleep func(time.Duration)) ShipperOption {
	return func(s *Shipper) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Shipper owns best-effort, at-least-once delivery of record batches to the
// remote HTTPS ingestion endpoint. The queue is trimmed only by successful
// delivery or process exit; a failed batch goes back to the head so FIFO
// order holds across retries.
type Shipper struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	nowFn  func() time.Time
	sleep  func(time.Duration)

	mu           sync.Mutex
	queue        []Record
	lastFlush    time.Time
	shuttingDown bool
	timerStop    chan struct{}

	// flushMu serializes delivery so at most one batch is outstanding.
	flushMu sync.Mutex

	batchesShipped atomic.Int64
	recordsShipped atomic.Int64
	batchesFailed  atomic.Int64
	recordsDropped atomic.Int64
	retriesTotal   atomic.Int64
}

// HealthStatus is a point-in-time report for external operators; internal
// logic never consults it.
type HealthStatus struct {
	Healthy        bool          `json:"healthy"`
	Enabled        bool          `json:"enabled"`
	LastFlush      time.Time     `json:"lastFlush,omitzero"`
	QueueSize      int           `json:"queueSize"`
	Endpoint       string        `json:"endpoint"`
	BatchSize      int           `json:"batchSize"`
	FlushInterval  time.Duration `json:"flushInterval"`
	BatchesShipped int64         `json:"batchesShipped"`
	RecordsShipped int64         `json:"recordsShipped"`
	BatchesFailed  int64         `json:"batchesFailed"`
	RecordsDropped int64         `json:"recordsDropped"`
	RetriesTotal   int64         `json:"retriesTotal"`
}

// NewShipper validates the configuration and, when shipping is enabled,
// starts the periodic flush timer.
func NewShipper(cfg Config, logger *slog.Logger, opts ...ShipperOption) (*Shipper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Shipper{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		nowFn:  time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Enabled {
		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.Warn("telemetry_api_key_missing",
				slog.String("endpoint", cfg.Endpoint),
			)
		}
		s.startTimer()
	}
	return s, nil
}

// startTimer starts the periodic flush loop, stopping any previous one first
// so two delivery loops never run at once.
func (s *Shipper) startTimer() {
	s.mu.Lock()
	if s.timerStop != nil {
		close(s.timerStop)
	}
	stop := make(chan struct{})
	s.timerStop = stop
	interval := s.cfg.FlushInterval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.Flush(context.Background()); err != nil {
					s.logger.Warn("telemetry_scheduled_flush_failed", slog.Any("err", err))
				}
			}
		}
	}()
}

func (s *Shipper) stopTimer() {
	s.mu.Lock()
	if s.timerStop != nil {
		close(s.timerStop)
		s.timerStop = nil
	}
	s.mu.Unlock()
}

// Add appends a record to the queue tail. When the queue reaches the batch
// size an immediate flush is triggered fire-and-forget; its errors are logged
// and never reach the caller.
func (s *Shipper) Add(rec Record) {
	s.mu.Lock()
	if !s.cfg.Enabled || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, rec)
	trigger := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if trigger {
		go func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("telemetry_triggered_flush_failed", slog.Any("err", err))
			}
		}()
	}
}

// Flush removes up to one batch from the head of the queue and attempts
// delivery. On failure the whole attempted batch is re-inserted at the head,
// ahead of anything added since, and the error is returned to the caller.
func (s *Shipper) Flush(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	n := len(s.queue)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]Record, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	s.mu.Unlock()

	transport := make([]Record, 0, len(batch))
	for _, rec := range batch {
		norm, ok := normalizeRecord(rec)
		if !ok {
			s.recordsDropped.Add(1)
			s.logger.Debug("telemetry_record_dropped_malformed",
				slog.String("action", rec.Action),
				slog.String("message", rec.Message),
			)
			continue
		}
		transport = append(transport, norm)
	}
	if len(transport) == 0 {
		return nil
	}

	if err := s.deliver(ctx, transport); err != nil {
		s.batchesFailed.Add(1)
		s.mu.Lock()
		requeued := make([]Record, 0, len(transport)+len(s.queue))
		requeued = append(requeued, transport...)
		requeued = append(requeued, s.queue...)
		s.queue = requeued
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.lastFlush = s.nowFn()
	s.mu.Unlock()
	s.batchesShipped.Add(1)
	s.recordsShipped.Add(int64(len(transport)))
	s.logger.Debug("telemetry_batch_shipped", slog.Int("records", len(transport)))
	return nil
}

// deliver attempts up to MaxRetries HTTPS posts. Non-retryable rejections
// (4xx other than 429) surface immediately; retryable failures back off
// exponentially, 429 from a higher base.
func (s *Shipper) deliver(ctx context.Context, records []Record) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err := s.post(ctx, records)
		if err == nil {
			return nil
		}
		lastErr = err

		var de *DeliveryError
		if errors.As(err, &de) && de.Permanent {
			return err
		}
		if attempt == s.cfg.MaxRetries {
			return err
		}

		base := retryBaseDelay
		if errors.As(err, &de) && de.StatusCode == http.StatusTooManyRequests {
			base = retryBaseDelay429
		}
		delay := base << (attempt - 1)
		s.retriesTotal.Add(1)
		s.logger.Debug("telemetry_delivery_retry",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("err", err),
		)
		s.sleep(delay)
	}
	return lastErr
}

func (s *Shipper) post(ctx context.Context, records []Record) error {
	body, err := json.Marshal(map[string]any{"logs": records})
	if err != nil {
		return fmt.Errorf("encode telemetry batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	de := &DeliveryError{StatusCode: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		de.Permanent = true
	}
	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		de.Body = strings.TrimSpace(string(raw))
	}
	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
		strings.TrimSpace(s.cfg.APIKey) == "" {
		de.Hint = "the endpoint rejected unauthenticated requests: configure an API key via TOOLHORN_TELEMETRY_API_KEY_REF"
	}
	return de
}

// HealthStatus reports shipping health: healthy while enabled and the last
// successful flush is within three flush intervals (or none happened yet).
func (s *Shipper) HealthStatus() HealthStatus {
	s.mu.Lock()
	lastFlush := s.lastFlush
	queueSize := len(s.queue)
	s.mu.Unlock()

	healthy := s.cfg.Enabled &&
		(lastFlush.IsZero() || s.nowFn().Sub(lastFlush) < healthyFlushFactor*s.cfg.FlushInterval)

	return HealthStatus{
		Healthy:        healthy,
		Enabled:        s.cfg.Enabled,
		LastFlush:      lastFlush,
		QueueSize:      queueSize,
		Endpoint:       s.cfg.Endpoint,
		BatchSize:      s.cfg.BatchSize,
		FlushInterval:  s.cfg.FlushInterval,
		BatchesShipped: s.batchesShipped.Load(),
		RecordsShipped: s.recordsShipped.Load(),
		BatchesFailed:  s.batchesFailed.Load(),
		RecordsDropped: s.recordsDropped.Load(),
		RetriesTotal:   s.retriesTotal.Load(),
	}
}

// Shutdown stops the timer and flushes batch by batch until the queue is
// empty or a delivery fails. Intake is already closed, so each pass shrinks
// the queue. Failures are logged, not returned, so shutdown always completes.
func (s *Shipper) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.mu.Unlock()

	s.stopTimer()
	for {
		s.mu.Lock()
		remaining := len(s.queue)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("telemetry_final_flush_failed",
				slog.Int("queued", remaining),
				slog.Any("err", err),
			)
			return
		}
	}
}
