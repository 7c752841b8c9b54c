package track

import (
	"context"
	"sync"
)

// Token is a cooperative cancellation handle shared by reference between the
// tracker and the work it guards. Long-running work must observe it; the
// tracker never interrupts work that ignores it.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel flips the token to cancelled with the given reason. It is
// idempotent: only the first call takes effect and returns true.
func (t *Token) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.reason = reason
	close(t.done)
	return true
}

func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancellation reason, or "" if not cancelled.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed on cancellation, for use in select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context from parent that is cancelled when the token is
// cancelled. The returned CancelFunc must be called when the work completes
// to release the bridging goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
