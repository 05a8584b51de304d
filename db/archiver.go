package db

import (
	"context"
	"time"

	"buyback_feed/metrics"
	"buyback_feed/models"
	"buyback_feed/monitoring"
	"buyback_feed/utils"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventStore is the write side of the archive.
type EventStore interface {
	InsertEvents(ctx context.Context, events []models.BurnEvent) error
}

type ArchiverConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
	InsertRetries uint64
}

// Archiver batches accepted events into the store off the ingest path.
type Archiver struct {
	store  EventStore
	cfg    ArchiverConfig
	events chan models.BurnEvent
	logger *zap.SugaredLogger
}

func NewArchiver(store EventStore, cfg ArchiverConfig, logger *zap.SugaredLogger) *Archiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	if cfg.InsertRetries == 0 {
		cfg.InsertRetries = 3
	}
	return &Archiver{
		store:  store,
		cfg:    cfg,
		events: make(chan models.BurnEvent, cfg.BufferSize),
		logger: logger,
	}
}

// Enqueue never blocks: it runs as an aggregator listener under the
// aggregator lock. A full queue drops the event.
func (a *Archiver) Enqueue(e models.BurnEvent) {
	select {
	case a.events <- e:
	default:
		metrics.AddArchiveDropped(1)
		a.logger.Warnw("Archive queue full, dropping event", "key", e.Key())
	}
}

// Run flushes on size or interval until ctx ends, then drains what is
// already queued.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.BurnEvent, 0, a.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		a.flush(ctx, batch)
		batch = batch[:0]
		monitoring.BatchSize.Set(0)
	}

	for {
		select {
		case e := <-a.events:
			batch = append(batch, e)
			monitoring.BatchSize.Set(float64(len(batch)))
			if len(batch) >= a.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-a.events:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.InsertTimeout)
			flush(drainCtx)
			cancel()
			return
		}
	}
}

func (a *Archiver) flush(ctx context.Context, batch []models.BurnEvent) {
	op := func() error {
		ictx, cancel := context.WithTimeout(ctx, a.cfg.InsertTimeout)
		defer cancel()
		err := a.store.InsertEvents(ictx, batch)
		if err != nil && !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(utils.NewExponentialBackoff(500*time.Millisecond, 5*time.Second), a.cfg.InsertRetries),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		a.logger.Warnw("Archive insert failed, retrying", "error", err, "retry_in", next.String())
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		metrics.AddArchiveDropped(len(batch))
		monitoring.RecordError(err)
		utils.Error(err, "Archive batch lost", "events", len(batch))
		return
	}
	a.logger.Debugw("Archived batch", "events", len(batch))
}
