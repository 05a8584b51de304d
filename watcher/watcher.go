// Package watcher polls each chain for confirmed buyback-and-burn records and
// hands them to the aggregator.
package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"buyback_feed/metrics"
	"buyback_feed/middleware"
	"buyback_feed/models"
	"buyback_feed/monitoring"
	"buyback_feed/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Result is the outcome for one on-chain record: either a parsed event or
// the Data error explaining why it was skipped.
type Result struct {
	Event models.BurnEvent
	Err   error
}

// Source reads new records from one chain. A Poll error means nothing was
// consumed and the same records will be returned by the next successful Poll.
type Source interface {
	Chain() models.Chain
	Poll(ctx context.Context) ([]Result, error)
}

type Sink interface {
	Ingest(event models.BurnEvent) (bool, error)
}

type RunnerConfig struct {
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Runner drives one Source: one goroutine, sequential polls.
type Runner struct {
	source  Source
	sink    Sink
	cfg     RunnerConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	healthy atomic.Bool
}

func NewRunner(source Source, sink Sink, cfg RunnerConfig, logger *zap.SugaredLogger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	r := &Runner{
		source:  source,
		sink:    sink,
		cfg:     cfg,
		breaker: middleware.NewBreaker(source.Chain().String() + "-rpc"),
		logger:  logger.With("chain", source.Chain().String()),
	}
	r.healthy.Store(true)
	return r
}

// Healthy reports whether the most recent poll succeeded.
func (r *Runner) Healthy() bool {
	return r.healthy.Load()
}

// Run polls until ctx is cancelled. It only returns early on a
// Configuration error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Infow("Watcher started", "interval", r.cfg.PollInterval.String())

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.pollWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Infow("Watcher stopped")
				return nil
			}
			if models.KindOf(err) == models.KindConfiguration {
				return err
			}
			r.logger.Warnw("Poll abandoned", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Infow("Watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) pollWithRetry(ctx context.Context) error {
	chain := r.source.Chain().String()

	var results []Result
	operation := func() error {
		err := middleware.Recover("watcher-"+chain, func() error {
			return middleware.WithCircuitBreaker(ctx, r.breaker, func(ctx context.Context) error {
				var err error
				results, err = r.source.Poll(ctx)
				return err
			})
		})
		if err == nil {
			return nil
		}
		switch models.KindOf(err) {
		case models.KindData, models.KindConfiguration:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.healthy.Store(false)
		metrics.RecordPoll(chain, "error")
		monitoring.RecordError(err)
		r.logger.Warnw("Poll failed, backing off",
			"error", err,
			"retry_in", wait.String())
	}

	b := backoff.WithContext(utils.NewExponentialBackoff(r.cfg.InitialBackoff, r.cfg.MaxBackoff), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		metrics.RecordPoll(chain, "failed")
		return err
	}

	r.healthy.Store(true)
	metrics.RecordPoll(chain, "ok")
	r.deliver(results)
	return nil
}

func (r *Runner) deliver(results []Result) {
	chain := r.source.Chain().String()
	for _, res := range results {
		if res.Err != nil {
			metrics.IncrementRejected(chain)
			r.logger.Warnw("Skipping malformed record", "error", res.Err)
			continue
		}
		added, err := r.sink.Ingest(res.Event)
		if err != nil {
			r.logger.Warnw("Event rejected", "error", err, "tx", res.Event.TxHash)
			continue
		}
		if added {
			r.logger.Infow("Buyback observed",
				"tx", res.Event.TxHash,
				"burned", res.Event.BurnedAmount,
				"total_burned", res.Event.TotalBurned)
		}
	}
}
