package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buyback_http_request_duration_seconds",
		Help:    "Time taken to serve HTTP requests",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"path"})

	ErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_errors_total",
		Help: "Total number of errors by kind",
	}, []string{"kind"})

	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buyback_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buyback_goroutines",
		Help: "Current number of goroutines",
	})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clickhouse_query_duration_seconds",
		Help:    "Time taken for ClickHouse queries",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"query_type"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buyback_archive_batch_size",
		Help: "Current size of the archive batch buffer",
	})
)

// StartMetricsCollection samples process metrics until ctx is done.
func StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectSystemMetrics()
			}
		}
	}()
}

func collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
