// Package track is the single source of truth for which tool operations are
// live and cancellable. Each operation owns exactly one cancellation token,
// reachable by operation id or by progress token, so cancellation is observed
// once per operation regardless of the lookup path.
package track

import (
	"log/slog"
	"sync"
	"time"
)

const (
	reasonTimedOut = "timed out"
	reasonShutdown = "server shutting down"
)

// Operation describes one in-flight tool call.
type Operation struct {
	ID            string
	Token         *Token
	ProgressToken string
	Name          string
	StartedAt     time.Time
}

type Option func(*Tracker)

func WithNowFunc(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.nowFn = now
		}
	}
}

type Tracker struct {
	mu         sync.Mutex
	nowFn      func() time.Time
	logger     *slog.Logger
	ops        map[string]*Operation
	byProgress map[string]string // progress token -> operation id
}

func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		nowFn:      time.Now,
		logger:     logger,
		ops:        make(map[string]*Operation),
		byProgress: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register creates an operation with a fresh token. Registering an id that is
// already present returns the existing operation unchanged; no new token is
// created and the start time is not reset.
func (t *Tracker) Register(id, progressToken, name string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.ops[id]; ok {
		t.logger.Warn("duplicate_operation_register",
			slog.String("operation_id", id),
			slog.String("name", name),
		)
		return existing
	}

	op := &Operation{
		ID:            id,
		Token:         newToken(),
		ProgressToken: progressToken,
		Name:          name,
		StartedAt:     t.nowFn(),
	}
	t.ops[id] = op
	if progressToken != "" {
		t.byProgress[progressToken] = id
	}
	return op
}

func (t *Tracker) Get(id string) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	return op, ok
}

func (t *Tracker) GetByProgressToken(token string) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byProgress[token]
	if !ok {
		return nil, false
	}
	op, ok := t.ops[id]
	return op, ok
}

// Cancel flips the operation's token and removes the operation. Returns false
// if the id is unknown or already cancelled.
func (t *Tracker) Cancel(id, reason string) bool {
	t.mu.Lock()
	op, ok := t.ops[id]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("cancel_unknown_operation", slog.String("operation_id", id))
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	if !op.Token.Cancel(reason) {
		t.logger.Debug("cancel_already_cancelled", slog.String("operation_id", id))
		return false
	}
	t.logger.Info("operation_cancelled",
		slog.String("operation_id", id),
		slog.String("name", op.Name),
		slog.String("reason", reason),
		slog.Duration("elapsed", t.nowFn().Sub(op.StartedAt)),
	)
	t.Cleanup(id)
	return true
}

// Cleanup removes the operation and its progress-token mapping. Callers
// holding the token keep observing its state. No-op for unknown ids.
func (t *Tracker) Cleanup(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return
	}
	delete(t.ops, id)
	if op.ProgressToken != "" {
		delete(t.byProgress, op.ProgressToken)
	}
}

// IsActive reports whether the operation is present and not cancelled.
func (t *Tracker) IsActive(id string) bool {
	t.mu.Lock()
	op, ok := t.ops[id]
	t.mu.Unlock()
	return ok && !op.Token.Cancelled()
}

func (t *Tracker) IsProgressTokenActive(token string) bool {
	t.mu.Lock()
	id, ok := t.byProgress[token]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.IsActive(id)
}

func (t *Tracker) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.ops))
	for id, op := range t.ops {
		if !op.Token.Cancelled() {
			ids = append(ids, id)
		}
	}
	return ids
}

// SweepStale cancels and removes every operation older than maxAge. It bounds
// memory when a completion handler never ran. Returns the number removed.
func (t *Tracker) SweepStale(maxAge time.Duration) int {
	t.mu.Lock()
	now := t.nowFn()
	stale := make([]*Operation, 0)
	for _, op := range t.ops {
		if now.Sub(op.StartedAt) > maxAge {
			stale = append(stale, op)
		}
	}
	t.mu.Unlock()

	for _, op := range stale {
		if op.Token.Cancel(reasonTimedOut) {
			t.logger.Warn("stale_operation_swept",
				slog.String("operation_id", op.ID),
				slog.String("name", op.Name),
				slog.Duration("age", now.Sub(op.StartedAt)),
			)
		}
		t.Cleanup(op.ID)
	}
	return len(stale)
}

// ShutdownAll cancels every operation and clears both maps. No lookups
// succeed afterwards.
func (t *Tracker) ShutdownAll() {
	t.mu.Lock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.ops = make(map[string]*Operation)
	t.byProgress = make(map[string]string)
	t.mu.Unlock()

	for _, op := range ops {
		op.Token.Cancel(reasonShutdown)
	}
	if len(ops) > 0 {
		t.logger.Info("tracker_shutdown", slog.Int("cancelled", len(ops)))
	}
}
