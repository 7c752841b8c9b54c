// Package progress turns raw progress updates into rate-limited, strictly
// increasing notifications. Updates for operations that are no longer active
// are silently discarded: progress consumers assume forward-only, bounded
// frequency streams, and a retried or re-entrant source must not be able to
// flood the notification channel or move progress backwards.
package progress

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/toolhorn/internal/track"
)

// Minimum interval between accepted updates on one progress token.
const defaultMinInterval = 100 * time.Millisecond

// Update is one raw progress report. Total is meaningful only when HasTotal
// is set; reaching it completes the token's progress state.
type Update struct {
	Progress float64
	Total    float64
	HasTotal bool
	Message  string
}

// Notifier is the external notification sink. Failures are caught and logged
// by the reporter; they never propagate to the reporting caller.
type Notifier interface {
	NotifyProgress(token string, u Update) error
}

type tokenState struct {
	lastProgress float64
	lastUpdate   time.Time
	updateCount  int
}

type Option func(*Reporter)

func WithNowFunc(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.nowFn = now
		}
	}
}

func WithMinInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.minInterval = d
		}
	}
}

type Reporter struct {
	mu          sync.Mutex
	nowFn       func() time.Time
	logger      *slog.Logger
	tracker     *track.Tracker
	notifier    Notifier
	minInterval time.Duration
	states      map[string]*tokenState

	emittedTotal atomic.Uint64
	droppedTotal atomic.Uint64
}

func NewReporter(tracker *track.Tracker, notifier Notifier, logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		nowFn:       time.Now,
		logger:      logger,
		tracker:     tracker,
		notifier:    notifier,
		minInterval: defaultMinInterval,
		states:      make(map[string]*tokenState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report validates and emits one progress update for the given token.
// Updates are dropped when the backing operation is not active, when progress
// does not strictly increase, or when they arrive faster than the minimum
// interval. Emission failures are logged and absorbed.
func (r *Reporter) Report(token string, u Update) {
	if token == "" {
		return
	}
	if !r.tracker.IsProgressTokenActive(token) {
		r.droppedTotal.Add(1)
		r.logger.Debug("progress_dropped_inactive", slog.String("progress_token", token))
		return
	}

	r.mu.Lock()
	now := r.nowFn()
	st, known := r.states[token]
	if known {
		if u.Progress <= st.lastProgress {
			r.mu.Unlock()
			r.droppedTotal.Add(1)
			r.logger.Warn("progress_dropped_non_monotonic",
				slog.String("progress_token", token),
				slog.Float64("progress", u.Progress),
				slog.Float64("last_progress", st.lastProgress),
			)
			return
		}
		if now.Sub(st.lastUpdate) < r.minInterval {
			r.mu.Unlock()
			r.droppedTotal.Add(1)
			r.logger.Debug("progress_dropped_rate_limited", slog.String("progress_token", token))
			return
		}
	} else {
		st = &tokenState{}
		r.states[token] = st
	}
	st.lastProgress = u.Progress
	st.lastUpdate = now
	st.updateCount++
	completed := u.HasTotal && u.Progress >= u.Total
	if completed {
		delete(r.states, token)
	}
	r.mu.Unlock()

	r.emittedTotal.Add(1)
	if err := r.notifier.NotifyProgress(token, u); err != nil {
		r.logger.Warn("progress_notify_failed",
			slog.String("progress_token", token),
			slog.Any("err", err),
		)
	}
}

// ReportPercentage reports progress on a 0-100 scale. Values outside the
// range are rejected and logged, nothing is emitted.
func (r *Reporter) ReportPercentage(token string, pct float64, message string) {
	if pct < 0 || pct > 100 {
		r.logger.Warn("progress_percentage_out_of_range",
			slog.String("progress_token", token),
			slog.Float64("percentage", pct),
		)
		return
	}
	r.Report(token, Update{Progress: pct, Total: 100, HasTotal: true, Message: message})
}

// ReportStep reports progress as step current of totalSteps.
func (r *Reporter) ReportStep(token string, current, totalSteps int, message string) {
	r.Report(token, Update{
		Progress: float64(current),
		Total:    float64(totalSteps),
		HasTotal: true,
		Message:  message,
	})
}

// ReportBatch reports item-level progress with a rounded percentage embedded
// in the message text.
func (r *Reporter) ReportBatch(token string, processed, total int, itemType string) {
	if itemType == "" {
		itemType = "items"
	}
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(processed) / float64(total) * 100)
	}
	msg := fmt.Sprintf("processed %d/%d %s (%.0f%%)", processed, total, itemType, pct)
	r.Report(token, Update{
		Progress: float64(processed),
		Total:    float64(total),
		HasTotal: true,
		Message:  msg,
	})
}

// Cleanup removes the state for a token whose operation ended without
// reaching its total.
func (r *Reporter) Cleanup(token string) {
	r.mu.Lock()
	delete(r.states, token)
	r.mu.Unlock()
}

// CleanupCompletedRequests removes state for every token whose backing
// operation is gone or cancelled. Runs on the same external tick as the
// tracker's staleness sweep. Returns the number removed.
func (r *Reporter) CleanupCompletedRequests() int {
	r.mu.Lock()
	tokens := make([]string, 0, len(r.states))
	for token := range r.states {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	removed := 0
	for _, token := range tokens {
		if r.tracker.IsProgressTokenActive(token) {
			continue
		}
		r.Cleanup(token)
		removed++
	}
	if removed > 0 {
		r.logger.Debug("progress_state_swept", slog.Int("removed", removed))
	}
	return removed
}

// Callback returns a closure bound to one token, for passing into
// long-running work without exposing the reporter.
func (r *Reporter) Callback(token string) func(Update) {
	return func(u Update) {
		r.Report(token, u)
	}
}

// Counters returns the running totals of emitted and dropped updates.
func (r *Reporter) Counters() (emitted, dropped uint64) {
	return r.emittedTotal.Load(), r.droppedTotal.Load()
}

// PercentageCallback is like Callback on the 0-100 scale.
func (r *Reporter) PercentageCallback(token string) func(pct float64, message string) {
	return func(pct float64, message string) {
		r.ReportPercentage(token, pct, message)
	}
}
