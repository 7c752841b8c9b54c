package track

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTokenCancelIdempotent(t *testing.T) {
	tok := newToken()
	if tok.Cancelled() {
		t.Fatalf("fresh token reports cancelled")
	}
	if tok.Reason() != "" {
		t.Fatalf("fresh token reason = %q, want empty", tok.Reason())
	}

	if !tok.Cancel("user requested") {
		t.Fatalf("first Cancel returned false")
	}
	if tok.Cancel("second reason") {
		t.Fatalf("second Cancel returned true")
	}
	if !tok.Cancelled() {
		t.Fatalf("token not cancelled after Cancel")
	}
	if got := tok.Reason(); got != "user requested" {
		t.Fatalf("reason = %q, want first reason preserved", got)
	}

	select {
	case <-tok.Done():
	default:
		t.Fatalf("Done channel not closed after Cancel")
	}
}

func TestTokenCancelConcurrent(t *testing.T) {
	tok := newToken()
	const goroutines = 16

	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Cancel("race") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("Cancel succeeded %d times, want exactly 1", count)
	}
}

func TestTokenContextBridging(t *testing.T) {
	tok := newToken()
	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatalf("context done before cancellation")
	default:
	}

	tok.Cancel("stop")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context not cancelled after token cancel")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	tr := NewTracker(nil)

	op := tr.Register("req-1", "tok-1", "document_search")
	if op == nil {
		t.Fatalf("Register returned nil")
	}
	if op.ID != "req-1" || op.ProgressToken != "tok-1" || op.Name != "document_search" {
		t.Fatalf("unexpected operation: %+v", op)
	}

	got, ok := tr.Get("req-1")
	if !ok || got != op {
		t.Fatalf("Get returned %+v, %v", got, ok)
	}

	byTok, ok := tr.GetByProgressToken("tok-1")
	if !ok || byTok != op {
		t.Fatalf("GetByProgressToken returned %+v, %v", byTok, ok)
	}

	if _, ok := tr.Get("missing"); ok {
		t.Fatalf("Get found unknown id")
	}
	if _, ok := tr.GetByProgressToken("missing"); ok {
		t.Fatalf("GetByProgressToken found unknown token")
	}
}

func TestRegisterDuplicateReturnsExisting(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(nil, WithNowFunc(func() time.Time { return now }))

	first := tr.Register("req-1", "tok-1", "document_get")
	now = now.Add(time.Minute)
	second := tr.Register("req-1", "tok-other", "document_get")

	if first != second {
		t.Fatalf("duplicate Register created a new operation")
	}
	if second.Token != first.Token {
		t.Fatalf("duplicate Register replaced the token")
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("duplicate Register reset StartedAt")
	}
	if _, ok := tr.GetByProgressToken("tok-other"); ok {
		t.Fatalf("duplicate Register mapped a second progress token")
	}
}

func TestCancel(t *testing.T) {
	tr := NewTracker(nil)
	op := tr.Register("req-1", "tok-1", "document_get")

	if tr.Cancel("missing", "") {
		t.Fatalf("Cancel of unknown id returned true")
	}

	if !tr.Cancel("req-1", "") {
		t.Fatalf("Cancel returned false for active operation")
	}
	if got := op.Token.Reason(); got != "cancelled" {
		t.Fatalf("default reason = %q, want %q", got, "cancelled")
	}

	if tr.Cancel("req-1", "again") {
		t.Fatalf("Cancel returned true after cleanup")
	}
	if _, ok := tr.Get("req-1"); ok {
		t.Fatalf("operation still present after Cancel")
	}
	if _, ok := tr.GetByProgressToken("tok-1"); ok {
		t.Fatalf("progress token still mapped after Cancel")
	}
}

func TestCancelCustomReason(t *testing.T) {
	tr := NewTracker(nil)
	op := tr.Register("req-1", "", "document_publish")

	if !tr.Cancel("req-1", "client disconnected") {
		t.Fatalf("Cancel returned false")
	}
	if got := op.Token.Reason(); got != "client disconnected" {
		t.Fatalf("reason = %q, want %q", got, "client disconnected")
	}
}

func TestIsActive(t *testing.T) {
	tr := NewTracker(nil)
	op := tr.Register("req-1", "tok-1", "document_get")

	if !tr.IsActive("req-1") {
		t.Fatalf("registered operation not active")
	}
	if !tr.IsProgressTokenActive("tok-1") {
		t.Fatalf("registered progress token not active")
	}
	if tr.IsActive("missing") {
		t.Fatalf("unknown id reported active")
	}

	op.Token.Cancel("stop")
	if tr.IsActive("req-1") {
		t.Fatalf("cancelled operation reported active")
	}
	if tr.IsProgressTokenActive("tok-1") {
		t.Fatalf("cancelled progress token reported active")
	}
}

func TestActiveIDs(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("req-1", "", "a")
	op2 := tr.Register("req-2", "", "b")
	op2.Token.Cancel("stop")

	ids := tr.ActiveIDs()
	if len(ids) != 1 || ids[0] != "req-1" {
		t.Fatalf("ActiveIDs = %v, want [req-1]", ids)
	}
}

func TestSweepStale(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	tr := NewTracker(nil, WithNowFunc(func() time.Time { return now }))

	old := tr.Register("req-old", "tok-old", "document_search")
	now = now.Add(10 * time.Minute)
	fresh := tr.Register("req-new", "tok-new", "document_get")

	swept := tr.SweepStale(5 * time.Minute)
	if swept != 1 {
		t.Fatalf("SweepStale removed %d, want 1", swept)
	}
	if !old.Token.Cancelled() {
		t.Fatalf("stale operation not cancelled")
	}
	if got := old.Token.Reason(); got != "timed out" {
		t.Fatalf("stale reason = %q, want %q", got, "timed out")
	}
	if fresh.Token.Cancelled() {
		t.Fatalf("fresh operation cancelled by sweep")
	}
	if _, ok := tr.Get("req-old"); ok {
		t.Fatalf("stale operation still present")
	}
	if !tr.IsActive("req-new") {
		t.Fatalf("fresh operation removed by sweep")
	}
}

func TestShutdownAll(t *testing.T) {
	tr := NewTracker(nil)
	op1 := tr.Register("req-1", "tok-1", "a")
	op2 := tr.Register("req-2", "", "b")

	tr.ShutdownAll()

	for _, op := range []*Operation{op1, op2} {
		if !op.Token.Cancelled() {
			t.Fatalf("operation %s not cancelled on shutdown", op.ID)
		}
		if got := op.Token.Reason(); got != "server shutting down" {
			t.Fatalf("shutdown reason = %q", got)
		}
	}
	if ids := tr.ActiveIDs(); len(ids) != 0 {
		t.Fatalf("ActiveIDs after shutdown = %v", ids)
	}
	if _, ok := tr.GetByProgressToken("tok-1"); ok {
		t.Fatalf("progress token survived shutdown")
	}
}
