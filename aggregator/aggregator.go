// Package aggregator keeps the rolling window of recent burn events and the
// per-chain running totals shared by every feed subscriber.
package aggregator

import (
	"sync"
	"time"

	"buyback_feed/metrics"
	"buyback_feed/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultCapacity     = 50
	DefaultSeenCapacity = 10000
)

// Listener is called once per newly accepted event, in arrival order, while
// the aggregator lock is held. It must not block and must not call back into
// the aggregator.
type Listener func(event models.BurnEvent)

type Option func(*Aggregator)

// WithSeenCapacity bounds how many event keys are remembered for dedup.
// Values below the window capacity are raised to it.
func WithSeenCapacity(n int) Option {
	return func(a *Aggregator) { a.seenCap = n }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

type Aggregator struct {
	mu sync.Mutex

	capacity int
	window   []models.BurnEvent // oldest first

	seenCap int
	seen    *SeenSet

	totals    map[models.Chain]decimal.Decimal
	counts    map[models.Chain]uint64
	listeners []Listener

	logger *zap.SugaredLogger
}

func New(capacity int, opts ...Option) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &Aggregator{
		capacity: capacity,
		seenCap:  DefaultSeenCapacity,
		totals:   make(map[models.Chain]decimal.Decimal),
		counts:   make(map[models.Chain]uint64),
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.seenCap < a.capacity {
		a.seenCap = a.capacity
	}
	a.window = make([]models.BurnEvent, 0, a.capacity)
	a.seen = NewSeenSet(a.seenCap)
	return a
}

// OnIngest registers a listener for events accepted from now on.
func (a *Aggregator) OnIngest(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Ingest adds an event. It reports false without error for an event already
// seen. Invalid events are rejected with a Data error and change nothing.
func (a *Aggregator) Ingest(event models.BurnEvent) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordProcessingDuration(time.Since(start)) }()

	if err := event.Validate(); err != nil {
		metrics.IncrementRejected(chainLabel(event.Chain))
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.accept(event) {
		metrics.IncrementDuplicate(event.Chain.String())
		a.logger.Debugw("Duplicate burn event ignored", "key", event.Key())
		return false, nil
	}
	metrics.IncrementIngested(event.Chain.String())

	for _, l := range a.listeners {
		l(event)
	}
	return true, nil
}

// Restore loads events (oldest first) without notifying listeners. Used to
// rehydrate the window from the archive at startup.
func (a *Aggregator) Restore(events []models.BurnEvent) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, e := range events {
		if e.Validate() != nil {
			continue
		}
		if a.accept(e) {
			n++
		}
	}
	return n
}

// RestoreSeen marks archived keys as already counted. The window and stats
// are left alone; RestoreStats carries the counts.
func (a *Aggregator) RestoreSeen(keys []string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, k := range keys {
		if a.seen.Add(k) {
			n++
		}
	}
	return n
}

// RestoreStats raises the running totals to archived values. Counts and
// totals never move backwards.
func (a *Aggregator) RestoreStats(stats map[models.Chain]models.ChainStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for c, st := range stats {
		if !c.Valid() {
			continue
		}
		if st.BuybackCount > a.counts[c] {
			a.counts[c] = st.BuybackCount
		}
		total, err := decimal.NewFromString(st.TotalBurned)
		if err != nil {
			a.logger.Warnw("Ignoring archived total", "chain", c, "total", st.TotalBurned, "error", err)
			continue
		}
		if cur, ok := a.totals[c]; !ok || total.GreaterThan(cur) {
			a.totals[c] = total
		}
	}
}

// chainLabel keeps metric labels to the known chains.
func chainLabel(c models.Chain) string {
	if !c.Valid() {
		return "unknown"
	}
	return c.String()
}

// accept records a valid event; callers hold mu.
func (a *Aggregator) accept(event models.BurnEvent) bool {
	if !a.seen.Add(event.Key()) {
		return false
	}

	if len(a.window) == a.capacity {
		copy(a.window, a.window[1:])
		a.window = a.window[:len(a.window)-1]
	}
	a.window = append(a.window, event)

	a.counts[event.Chain]++
	// The chain's totalBurned is authoritative; keep the highest seen so
	// out-of-order arrival cannot move it backwards.
	if total := event.TotalBurnedDecimal(); total.GreaterThan(a.totals[event.Chain]) {
		a.totals[event.Chain] = total
	}
	return true
}

// Snapshot returns a deep copy of the window (newest first) and the stats.
func (a *Aggregator) Snapshot() models.FeedSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(len(a.window))
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns the whole window.
func (a *Aggregator) Recent(limit int) []models.BurnEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.window) {
		limit = len(a.window)
	}
	return a.snapshot(limit).RecentEvents
}

func (a *Aggregator) Stats() map[models.Chain]models.ChainStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats()
}

// Join calls fn with the current snapshot while holding the lock, so no
// event can be ingested between the snapshot and whatever fn registers.
func (a *Aggregator) Join(fn func(models.FeedSnapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.snapshot(len(a.window)))
}

func (a *Aggregator) snapshot(limit int) models.FeedSnapshot {
	events := make([]models.BurnEvent, 0, limit)
	for i := len(a.window) - 1; i >= 0 && len(events) < limit; i-- {
		events = append(events, a.window[i])
	}
	return models.FeedSnapshot{RecentEvents: events, Stats: a.stats()}.Clone()
}

func (a *Aggregator) stats() map[models.Chain]models.ChainStats {
	out := models.EmptyStats()
	for _, c := range models.Chains {
		if total, ok := a.totals[c]; ok {
			out[c] = models.ChainStats{TotalBurned: total.String(), BuybackCount: a.counts[c]}
		} else {
			out[c] = models.ChainStats{TotalBurned: "0", BuybackCount: a.counts[c]}
		}
	}
	return out
}
