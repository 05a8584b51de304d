package treasury

import (
	"context"
	"errors"

	"buyback_feed/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own messages into zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Watch runs a cycle immediately and then on every tick of spec until ctx
// ends. A tick that fires while a cycle is still running is skipped. Cycle
// failures are logged and the schedule continues.
func Watch(ctx context.Context, agent *Agent, spec string, logger *zap.SugaredLogger) error {
	cl := cronLogger{logger: logger.Named("cron")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	run := func() {
		if _, err := agent.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
			logger.Warnw("Cycle failed, waiting for next tick", "error", err)
		}
	}
	if _, err := c.AddFunc(spec, run); err != nil {
		return models.Configuration("parse WATCH_SCHEDULE", err)
	}

	logger.Infow("Watch mode started", "schedule", spec)
	run()

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Infow("Watch mode stopped")
	return nil
}
