package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolhorn.conf")
	if err := os.WriteFile(path, []byte("TOOLHORN_TELEMETRY_MIN_LEVEL=info\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchConfig(ctx, path, newDiscardLogger(), func() {
			reloads.Add(1)
		})
	}()

	// Give the watcher a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("TOOLHORN_TELEMETRY_MIN_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatalf("reload callback never fired")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop on context cancel")
	}
}

func TestWatchConfigIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolhorn.conf")
	if err := os.WriteFile(path, []byte("A=1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int64
	go watchConfig(ctx, path, newDiscardLogger(), func() {
		reloads.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.conf"), []byte("B=2\n"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Fatalf("sibling write triggered %d reloads", got)
	}
}
