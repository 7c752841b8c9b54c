package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/nuetzliches/toolhorn/internal/track"
)

type captureNotifier struct {
	tokens  []string
	updates []Update
	err     error
}

func (c *captureNotifier) NotifyProgress(token string, u Update) error {
	c.tokens = append(c.tokens, token)
	c.updates = append(c.updates, u)
	return c.err
}

type fixture struct {
	tracker  *track.Tracker
	notifier *captureNotifier
	reporter *Reporter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		notifier: &captureNotifier{},
		now:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	nowFn := func() time.Time { return f.now }
	f.tracker = track.NewTracker(nil, track.WithNowFunc(nowFn))
	f.reporter = NewReporter(f.tracker, f.notifier, nil, WithNowFunc(nowFn))
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestReportInactiveTokenDropped(t *testing.T) {
	f := newFixture(t)

	f.reporter.Report("tok-1", Update{Progress: 10})
	if len(f.notifier.updates) != 0 {
		t.Fatalf("update emitted for unregistered token")
	}

	f.tracker.Register("req-1", "tok-1", "document_search")
	f.tracker.Cancel("req-1", "stop")
	f.reporter.Report("tok-1", Update{Progress: 10})
	if len(f.notifier.updates) != 0 {
		t.Fatalf("update emitted for cancelled operation")
	}
}

func TestReportEmptyTokenIgnored(t *testing.T) {
	f := newFixture(t)
	f.reporter.Report("", Update{Progress: 10})
	if len(f.notifier.updates) != 0 {
		t.Fatalf("update emitted for empty token")
	}
}

func TestReportMonotonicity(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "document_search")

	f.reporter.Report("tok-1", Update{Progress: 10})
	f.advance(200 * time.Millisecond)
	f.reporter.Report("tok-1", Update{Progress: 10}) // equal: dropped
	f.reporter.Report("tok-1", Update{Progress: 5})  // backwards: dropped
	f.reporter.Report("tok-1", Update{Progress: 20})

	if len(f.notifier.updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(f.notifier.updates))
	}
	if f.notifier.updates[0].Progress != 10 || f.notifier.updates[1].Progress != 20 {
		t.Fatalf("updates = %+v", f.notifier.updates)
	}
}

func TestReportRateLimited(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "document_search")

	f.reporter.Report("tok-1", Update{Progress: 10})
	f.advance(50 * time.Millisecond)
	f.reporter.Report("tok-1", Update{Progress: 20}) // under 100ms: dropped
	f.advance(50 * time.Millisecond)
	f.reporter.Report("tok-1", Update{Progress: 30}) // 100ms since accepted: passes

	if len(f.notifier.updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(f.notifier.updates))
	}
	if f.notifier.updates[1].Progress != 30 {
		t.Fatalf("second update = %+v", f.notifier.updates[1])
	}
	emitted, dropped := f.reporter.Counters()
	if emitted != 2 || dropped != 1 {
		t.Fatalf("counters = %d emitted, %d dropped, want 2/1", emitted, dropped)
	}
}

func TestReportRateLimitPerToken(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")
	f.tracker.Register("req-2", "tok-2", "b")

	f.reporter.Report("tok-1", Update{Progress: 10})
	f.reporter.Report("tok-2", Update{Progress: 10})

	if len(f.notifier.updates) != 2 {
		t.Fatalf("independent tokens rate-limited each other: %d updates", len(f.notifier.updates))
	}
}

func TestReportFirstUpdateNotRateLimited(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.Report("tok-1", Update{Progress: 1})
	if len(f.notifier.updates) != 1 {
		t.Fatalf("first update dropped")
	}
}

func TestReportCompletionClearsState(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.Report("tok-1", Update{Progress: 100, Total: 100, HasTotal: true})
	if len(f.notifier.updates) != 1 {
		t.Fatalf("completion update not emitted")
	}

	// State was cleared, so a fresh run on the same token starts over and is
	// neither rate-limited nor compared against the old progress.
	f.reporter.Report("tok-1", Update{Progress: 5})
	if len(f.notifier.updates) != 2 {
		t.Fatalf("token state not reset after completion")
	}
}

func TestReportNotifierErrorAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("pipe broken")
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.Report("tok-1", Update{Progress: 10}) // must not panic

	// The failed update still advanced the state.
	f.advance(200 * time.Millisecond)
	f.reporter.Report("tok-1", Update{Progress: 5})
	if len(f.notifier.updates) != 1 {
		t.Fatalf("state not advanced after notifier error")
	}
}

func TestReportPercentageBounds(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.ReportPercentage("tok-1", -1, "low")
	f.reporter.ReportPercentage("tok-1", 100.5, "high")
	if len(f.notifier.updates) != 0 {
		t.Fatalf("out-of-range percentage emitted")
	}

	f.reporter.ReportPercentage("tok-1", 50, "halfway")
	if len(f.notifier.updates) != 1 {
		t.Fatalf("valid percentage dropped")
	}
	u := f.notifier.updates[0]
	if u.Progress != 50 || u.Total != 100 || !u.HasTotal || u.Message != "halfway" {
		t.Fatalf("update = %+v", u)
	}
}

func TestReportStep(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.ReportStep("tok-1", 2, 5, "validating")
	if len(f.notifier.updates) != 1 {
		t.Fatalf("step update dropped")
	}
	u := f.notifier.updates[0]
	if u.Progress != 2 || u.Total != 5 || !u.HasTotal {
		t.Fatalf("update = %+v", u)
	}
}

func TestReportBatchMessage(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	f.reporter.ReportBatch("tok-1", 33, 100, "documents")
	if len(f.notifier.updates) != 1 {
		t.Fatalf("batch update dropped")
	}
	if got, want := f.notifier.updates[0].Message, "processed 33/100 documents (33%)"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}

	f.advance(200 * time.Millisecond)
	f.reporter.ReportBatch("tok-1", 50, 100, "")
	if got, want := f.notifier.updates[1].Message, "processed 50/100 items (50%)"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestCleanupCompletedRequests(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")
	f.tracker.Register("req-2", "tok-2", "b")

	f.reporter.Report("tok-1", Update{Progress: 10})
	f.reporter.Report("tok-2", Update{Progress: 10})

	f.tracker.Cancel("req-1", "stop")

	removed := f.reporter.CleanupCompletedRequests()
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}

	// tok-2 state survives: a lower report is still rejected.
	f.advance(200 * time.Millisecond)
	f.reporter.Report("tok-2", Update{Progress: 5})
	if len(f.notifier.updates) != 2 {
		t.Fatalf("surviving token state lost")
	}
}

func TestCallbacks(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "a")

	cb := f.reporter.Callback("tok-1")
	cb(Update{Progress: 10})

	f.advance(200 * time.Millisecond)
	pcb := f.reporter.PercentageCallback("tok-1")
	pcb(60, "over halfway")

	if len(f.notifier.updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(f.notifier.updates))
	}
	if f.notifier.updates[1].Progress != 60 {
		t.Fatalf("percentage callback update = %+v", f.notifier.updates[1])
	}
}

func TestReportLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	f.tracker.Register("req-1", "tok-1", "document_search")

	f.reporter.ReportPercentage("tok-1", 0, "starting")
	f.advance(150 * time.Millisecond)
	f.reporter.ReportPercentage("tok-1", 50, "halfway")
	f.reporter.ReportPercentage("tok-1", 40, "regression") // dropped
	f.advance(150 * time.Millisecond)
	f.reporter.ReportPercentage("tok-1", 100, "done")

	if len(f.notifier.updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(f.notifier.updates))
	}
	for i, want := range []float64{0, 50, 100} {
		if f.notifier.updates[i].Progress != want {
			t.Fatalf("updates = %+v", f.notifier.updates)
		}
	}

	// Reaching the total removed the token's state: a fresh low value is
	// accepted again immediately.
	f.reporter.Report("tok-1", Update{Progress: 1})
	if len(f.notifier.updates) != 4 {
		t.Fatalf("token state not removed on completion")
	}
}
