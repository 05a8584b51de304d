package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"buyback_feed/models"
	"buyback_feed/monitoring"
	"buyback_feed/utils"

	"github.com/sony/gobreaker"
)

// NewBreaker builds the circuit breaker placed in front of one RPC endpoint.
// Calls fail fast with gobreaker.ErrOpenState while it is open.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// Malformed data is not the endpoint's fault.
			return err == nil || models.KindOf(err) == models.KindData
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			utils.Logger.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// WithCircuitBreaker runs fn through cb. An open breaker is reported as a
// transient error so callers back off instead of giving up.
func WithCircuitBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, fn func(context.Context) error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return models.Transient(cb.Name(), err)
	}
	return err
}

// Recover runs next and turns a panic into an error carrying the stack.
func Recover(name string, next func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			utils.Logger.Errorw("Panic recovered",
				"component", name,
				"error", r,
				"stack", string(stack))
			monitoring.ErrorCounter.WithLabelValues("panic").Inc()
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return next()
}
