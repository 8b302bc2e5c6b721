package velocity

import (
	"context"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTracker pins the clock at base unless cfg sets one.
func newTracker(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return base }
	}
	return NewTracker(cfg, nil)
}

func TestTrackerSnapshotWindows(t *testing.T) {
	tr := newTracker(Config{})

	tr.Record("a", base.Add(-30*time.Hour), 999, "US", false) // outside the day
	tr.Record("a", base.Add(-5*time.Hour), 100, "US", false)  // day only
	tr.Record("a", base.Add(-30*time.Minute), 50, "FR", false)
	tr.Record("a", base.Add(-10*time.Minute), 25, "DE", true)

	w := tr.Snapshot("a", base)

	if w.HourlyCount != 1 || w.HourlySum != 50 {
		t.Errorf("expected hourly 1/50, got %d/%v", w.HourlyCount, w.HourlySum)
	}
	if w.DailyCount != 2 || w.DailySum != 150 {
		t.Errorf("expected daily 2/150, got %d/%v", w.DailyCount, w.DailySum)
	}
	if w.BlockedHourly != 1 || w.BlockedDaily != 1 {
		t.Errorf("expected 1 blocked attempt, got %d/%d", w.BlockedHourly, w.BlockedDaily)
	}
	if w.LastRegion != "FR" {
		t.Errorf("blocked attempts must not move the last region, got %s", w.LastRegion)
	}
	if !w.LastSeen.Equal(base.Add(-30 * time.Minute)) {
		t.Errorf("unexpected last seen %v", w.LastSeen)
	}
	if len(w.RecentAmounts) != 2 || w.RecentAmounts[1] != 50 {
		t.Errorf("unexpected recent amounts %v", w.RecentAmounts)
	}
}

func TestTrackerHourBoundary(t *testing.T) {
	tr := newTracker(Config{})
	tr.Record("a", base.Add(-time.Hour), 10, "", false)
	tr.Record("a", base.Add(-time.Hour+time.Second), 10, "", false)

	w := tr.Snapshot("a", base)
	if w.HourlyCount != 1 {
		t.Errorf("an event exactly one hour old is outside the hour, got %d", w.HourlyCount)
	}
	if w.DailyCount != 2 {
		t.Errorf("expected daily 2, got %d", w.DailyCount)
	}
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	tr := newTracker(Config{})
	tr.Record("a", base, 10, "US", false)

	w := tr.Snapshot("a", base)
	w.RecentAmounts[0] = 999

	if got := tr.Snapshot("a", base).RecentAmounts[0]; got != 10 {
		t.Errorf("snapshot aliased tracker state: %v", got)
	}
}

func TestTrackerRecentAmountsBounded(t *testing.T) {
	tr := newTracker(Config{RecentAmounts: 3})
	for i := 0; i < 5; i++ {
		tr.Record("a", base.Add(time.Duration(i)*time.Minute), float64(i), "", false)
	}
	w := tr.Snapshot("a", base.Add(time.Hour))
	if len(w.RecentAmounts) != 3 || w.RecentAmounts[0] != 2 || w.RecentAmounts[2] != 4 {
		t.Errorf("expected [2 3 4], got %v", w.RecentAmounts)
	}
}

func TestTrackerPrunesOldEvents(t *testing.T) {
	now := base
	tr := newTracker(Config{MaxEvents: 5, Clock: func() time.Time { return now }})
	for i := 0; i < 10; i++ {
		tr.Record("a", base.Add(time.Duration(i)*time.Second), 1, "", false)
	}
	if got := len(tr.actors["a"].events); got != 5 {
		t.Errorf("expected the log capped at 5 events, got %d", got)
	}

	now = base.Add(25 * time.Hour)
	tr.Record("a", now, 1, "", false)

	a := tr.actors["a"]
	if len(a.events) != 1 {
		t.Errorf("expected events older than the window to be pruned, got %d", len(a.events))
	}
}

func TestTrackerFutureEventKeepsPresentWindow(t *testing.T) {
	tr := newTracker(Config{})

	tr.Record("a", base.Add(-10*time.Minute), 5, "US", false)
	tr.Record("a", base.Add(365*24*time.Hour), 1000, "US", false)
	for i := 1; i <= 10; i++ {
		tr.Record("a", base.Add(time.Duration(i)*time.Second), 1, "US", false)
	}

	w := tr.Snapshot("a", base.Add(time.Minute))
	if w.HourlyCount != 11 || w.HourlySum != 15 {
		t.Errorf("expected hourly 11/15 despite a future-dated event, got %d/%v", w.HourlyCount, w.HourlySum)
	}
	if len(tr.actors["a"].events) != 12 {
		t.Errorf("expected every event kept, got %d", len(tr.actors["a"].events))
	}
}

func TestTrackerSweepIgnoresFutureEvents(t *testing.T) {
	tr := newTracker(Config{})
	tr.Record("a", base.Add(365*24*time.Hour), 1, "", false)

	if n := tr.Sweep(base.Add(26 * time.Hour)); n != 1 {
		t.Errorf("expected the actor to be evicted once idle, got %d evictions", n)
	}
}

func TestTrackerOutOfOrderRecord(t *testing.T) {
	tr := newTracker(Config{})
	tr.Record("a", base, 1, "", false)
	tr.Record("a", base.Add(-2*time.Hour), 2, "", false)
	tr.Record("a", base.Add(-10*time.Minute), 3, "", false)

	w := tr.Snapshot("a", base)
	if w.HourlyCount != 2 || w.DailyCount != 3 {
		t.Errorf("expected hourly 2 daily 3, got %d/%d", w.HourlyCount, w.DailyCount)
	}
}

func TestTrackerSweep(t *testing.T) {
	tr := newTracker(Config{})
	tr.Record("old", base.Add(-26*time.Hour), 1, "", false)
	tr.Record("fresh", base.Add(-time.Hour), 1, "", false)
	tr.Record("held", base.Add(-48*time.Hour), 1, "", false)

	release, err := tr.Acquire(context.Background(), "held")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if n := tr.Sweep(base); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if tr.Len() != 2 {
		t.Errorf("expected 2 tracked actors, got %d", tr.Len())
	}

	release()
	if n := tr.Sweep(base); n != 1 {
		t.Errorf("expected released actor to be evicted, got %d", n)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 tracked actor, got %d", tr.Len())
	}
}

func TestTrackerAcquireSerializesActor(t *testing.T) {
	tr := newTracker(Config{})
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tr.Acquire(ctx, "a")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()

			// Read-then-write must not interleave with other holders.
			w := tr.Snapshot("a", base.Add(time.Hour))
			mu.Lock()
			seen[w.HourlyCount] = true
			mu.Unlock()
			tr.Record("a", base.Add(time.Minute+time.Duration(w.HourlyCount)*time.Second), 1, "", false)
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Errorf("expected %d distinct counts, got %d (lost update)", workers, len(seen))
	}
	if got := tr.Snapshot("a", base.Add(time.Hour)).HourlyCount; got != workers {
		t.Errorf("expected hourly count %d, got %d", workers, got)
	}
}

func TestTrackerAcquireHonoursContext(t *testing.T) {
	tr := newTracker(Config{})

	release, err := tr.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := tr.Acquire(ctx, "a"); err == nil {
		t.Fatal("expected second acquire to time out")
	}

	// A different actor is not blocked.
	other, err := tr.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire of another actor failed: %v", err)
	}
	other()
}
