package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher is a loose upstream smoothing layer in front of the shipper: it
// decouples call-site burstiness from the shipper's stricter batch/retry
// contract. Its own queue drains into the shipper's queue on a size threshold
// or a fixed-interval timer; the shipper's thresholds stay authoritative.
type Batcher struct {
	shipper  *Shipper
	logger   *slog.Logger
	size     int
	interval time.Duration

	mu      sync.Mutex
	pending []Record
	stop    chan struct{}
	stopped bool
}

// NewBatcher wraps the shipper with its own auto-flush. Size and interval
// default to twice the shipper's, deliberately looser.
func NewBatcher(shipper *Shipper, logger *slog.Logger, size int, interval time.Duration) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 2 * shipper.cfg.BatchSize
	}
	if interval <= 0 {
		interval = 2 * shipper.cfg.FlushInterval
	}
	b := &Batcher{
		shipper:  shipper,
		logger:   logger,
		size:     size,
		interval: interval,
		stop:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Batcher) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.flush(context.Background())
		}
	}
}

// Add queues a record; hitting the batcher's own threshold drains it into
// the shipper fire-and-forget. Callers on the request path never wait out
// the shipper's retry cycle.
func (b *Batcher) Add(rec Record) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, rec)
	trigger := len(b.pending) >= b.size
	b.mu.Unlock()

	if trigger {
		go b.flush(context.Background())
	}
}

// flush moves all pending records into the shipper's queue and triggers a
// shipper flush. Shipper errors are logged here, never propagated: the
// shipper re-queues failed batches itself.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, rec := range pending {
		b.shipper.Add(rec)
	}
	if err := b.shipper.Flush(ctx); err != nil {
		b.logger.Warn("telemetry_batcher_flush_failed", slog.Any("err", err))
	}
}

// Shutdown stops the timer and performs one last flush through the shipper.
func (b *Batcher) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stop)
	b.flush(ctx)
}
