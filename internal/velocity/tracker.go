// Package velocity tracks per-actor rolling transfer activity.
//
// Each actor owns a time-ordered sliding log of its transfers from the last
// 24 hours. Aggregates are computed from the log on read, so hourly and daily
// counts are exact. The log is pruned against the tracker clock, so a
// transfer dated in the future cannot push present events out of the
// window. Idle actors are evicted by an explicit TTL sweep.
package velocity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// Window is the longest aggregate the tracker serves.
	Window = 24 * time.Hour

	hour = time.Hour
)

// Config holds tracker settings.
type Config struct {
	// TTL is how long an actor is kept after its last activity.
	TTL time.Duration
	// RecentAmounts is the number of successful amounts kept per actor.
	RecentAmounts int
	// MaxEvents caps the log length of a single actor.
	MaxEvents int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultTrackerConfig returns the tracker defaults.
func DefaultTrackerConfig() Config {
	return Config{
		TTL:           Window + time.Hour,
		RecentAmounts: 20,
		MaxEvents:     10000,
	}
}

type event struct {
	at      time.Time
	amount  float64
	blocked bool
}

type actor struct {
	// gate serializes evaluate-then-record sequences for this actor.
	gate chan struct{}
	// refs is guarded by Tracker.mu.
	refs int

	mu          sync.Mutex
	events      []event // ordered by at
	recent      []float64
	lastRegion  string
	lastSuccess time.Time
	// touched is the latest record time, capped at the clock.
	touched time.Time
}

// Tracker is an arena of per-actor activity windows keyed by actor id.
type Tracker struct {
	mu     sync.Mutex
	actors map[string]*actor

	cfg    Config
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.TTL < Window {
		cfg.TTL = def.TTL
	}
	if cfg.RecentAmounts <= 0 {
		cfg.RecentAmounts = def.RecentAmounts
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		actors: make(map[string]*actor),
		cfg:    cfg,
		logger: logger,
	}
}

// ref returns the actor entry, creating it, and pins it against sweeps.
func (t *Tracker) ref(actorID string) *actor {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.actors[actorID]
	if !ok {
		a = &actor{gate: make(chan struct{}, 1)}
		t.actors[actorID] = a
	}
	a.refs++
	return a
}

func (t *Tracker) unref(a *actor) {
	t.mu.Lock()
	a.refs--
	t.mu.Unlock()
}

// Acquire waits for exclusive access to an actor's window. The returned
// release func must be called once the caller has recorded its transfer
// (or given up). Transfers of different actors never contend.
func (t *Tracker) Acquire(ctx context.Context, actorID string) (func(), error) {
	a := t.ref(actorID)

	select {
	case a.gate <- struct{}{}:
	case <-ctx.Done():
		t.unref(a)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-a.gate
			t.unref(a)
		})
	}, nil
}

// Snapshot returns a read-only view of the actor's window as of asOf.
func (t *Tracker) Snapshot(actorID string, asOf time.Time) domain.ActivityWindow {
	w := domain.ActivityWindow{ActorID: actorID, AsOf: asOf}

	t.mu.Lock()
	a, ok := t.actors[actorID]
	if ok {
		a.refs++
	}
	t.mu.Unlock()
	if !ok {
		return w
	}
	defer t.unref(a)

	a.mu.Lock()
	defer a.mu.Unlock()

	hourAgo := asOf.Add(-hour)
	dayAgo := asOf.Add(-Window)

	// Events are ordered; start from the first one inside the day window.
	start := sort.Search(len(a.events), func(i int) bool { return a.events[i].at.After(dayAgo) })
	for _, e := range a.events[start:] {
		if e.at.After(asOf) {
			break
		}
		inHour := e.at.After(hourAgo)
		if e.blocked {
			w.BlockedDaily++
			if inHour {
				w.BlockedHourly++
			}
			continue
		}
		w.DailyCount++
		w.DailySum += e.amount
		if inHour {
			w.HourlyCount++
			w.HourlySum += e.amount
		}
	}

	if len(a.recent) > 0 {
		w.RecentAmounts = append([]float64(nil), a.recent...)
	}
	w.LastRegion = a.lastRegion
	w.LastSeen = a.lastSuccess
	return w
}

// Record appends a transfer to the actor's log. Blocked attempts are kept
// as signals but excluded from successful aggregates, recent amounts and
// the last-seen region. Events older than the window are dropped relative
// to the tracker clock; events dated ahead of it are kept but only count
// once a snapshot reaches them.
func (t *Tracker) Record(actorID string, at time.Time, amount float64, region string, blocked bool) {
	now := t.cfg.Clock()
	a := t.ref(actorID)
	defer t.unref(a)

	a.mu.Lock()
	defer a.mu.Unlock()

	e := event{at: at, amount: amount, blocked: blocked}
	if n := len(a.events); n == 0 || !at.Before(a.events[n-1].at) {
		a.events = append(a.events, e)
	} else {
		i := sort.Search(n, func(i int) bool { return a.events[i].at.After(at) })
		a.events = append(a.events, event{})
		copy(a.events[i+1:], a.events[i:])
		a.events[i] = e
	}

	if seen := minTime(at, now); seen.After(a.touched) {
		a.touched = seen
	}
	a.prune(now.Add(-Window), t.cfg.MaxEvents)

	if blocked {
		return
	}

	a.recent = append(a.recent, amount)
	if over := len(a.recent) - t.cfg.RecentAmounts; over > 0 {
		a.recent = append(a.recent[:0], a.recent[over:]...)
	}
	if !at.Before(a.lastSuccess) {
		a.lastSuccess = at
		if region != "" {
			a.lastRegion = region
		}
	}
}

// prune drops events at or before cutoff and trims the log to limit entries.
func (a *actor) prune(cutoff time.Time, limit int) {
	i := sort.Search(len(a.events), func(i int) bool { return a.events[i].at.After(cutoff) })
	if over := len(a.events) - i - limit; over > 0 {
		i += over
	}
	if i > 0 {
		a.events = append(a.events[:0], a.events[i:]...)
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Sweep evicts actors idle for longer than the TTL. Actors currently held
// by Acquire or being read are never evicted. It returns the number evicted.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.cfg.TTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, a := range t.actors {
		if a.refs > 0 {
			continue
		}
		a.mu.Lock()
		idle := !a.touched.After(cutoff)
		a.mu.Unlock()
		if idle {
			delete(t.actors, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked actors.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.actors)
}

// Run sweeps on every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := t.Sweep(now.UTC()); n > 0 {
				t.logger.Debug("evicted idle actors", "count", n, "tracked", t.Len())
			}
		}
	}
}
