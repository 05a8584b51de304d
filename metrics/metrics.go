package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_events_ingested_total",
		Help: "Unique burn events accepted by the aggregator",
	}, []string{"chain"})

	eventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_events_duplicate_total",
		Help: "Burn events ignored because their chain and tx hash were already seen",
	}, []string{"chain"})

	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_events_rejected_total",
		Help: "Malformed burn events dropped during parsing or ingestion",
	}, []string{"chain"})

	watcherPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_watcher_polls_total",
		Help: "Chain watcher polls by outcome",
	}, []string{"chain", "outcome"})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buyback_feed_subscribers",
		Help: "Currently connected feed subscribers",
	})

	broadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_feed_subscribers_pruned_total",
		Help: "Subscribers pruned after a failed or blocked send",
	})

	clientReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_feed_client_reconnects_total",
		Help: "Feed client reconnection attempts",
	})

	buybackCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_treasury_cycles_total",
		Help: "Treasury agent cycles by outcome",
	}, []string{"outcome"})

	submitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_treasury_submit_attempts_total",
		Help: "Transaction submission attempts by step and outcome",
	}, []string{"step", "outcome"})

	buybackLamports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_treasury_swapped_lamports_total",
		Help: "Lamports swapped in confirmed buybacks",
	})

	archiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_archive_dropped_total",
		Help: "Events not archived because the archive queue was full or the insert kept failing",
	})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buyback_ingest_seconds",
		Help:    "Time spent ingesting each burn event",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// Internal counters
	processedEvents uint64
	errorCount      uint64
	lastProcessed   atomic.Int64
	startTime       = time.Now()
)

func IncrementIngested(chain string) {
	atomic.AddUint64(&processedEvents, 1)
	eventsIngested.WithLabelValues(chain).Inc()
	lastProcessed.Store(time.Now().Unix())
}

func IncrementDuplicate(chain string) {
	eventsDuplicate.WithLabelValues(chain).Inc()
}

func IncrementRejected(chain string) {
	atomic.AddUint64(&errorCount, 1)
	eventsRejected.WithLabelValues(chain).Inc()
}

func RecordPoll(chain, outcome string) {
	watcherPolls.WithLabelValues(chain, outcome).Inc()
}

func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

func IncrementPruned() {
	broadcastDrops.Inc()
}

func IncrementReconnects() {
	clientReconnects.Inc()
}

func RecordCycle(outcome string) {
	buybackCycles.WithLabelValues(outcome).Inc()
}

func RecordSubmit(step, outcome string) {
	submitAttempts.WithLabelValues(step, outcome).Inc()
}

func AddBuybackLamports(lamports uint64) {
	buybackLamports.Add(float64(lamports))
}

func AddArchiveDropped(n int) {
	archiveDropped.Add(float64(n))
}

func RecordProcessingDuration(duration time.Duration) {
	processingDuration.Observe(duration.Seconds())
}

// GetStats returns processed events, rejected events, last ingest time and uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	return atomic.LoadUint64(&processedEvents),
		atomic.LoadUint64(&errorCount),
		time.Unix(lastProcessed.Load(), 0),
		time.Since(startTime)
}
