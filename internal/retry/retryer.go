// Package retry runs operations repeatedly until they succeed or fail with a
// non-retryable error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/logfields"
)

const DefMaxRetryTimeout = 20 * time.Minute

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
// Only errors wrapping RetryableError are retried, everything else
// aborts the run.
type Retryer struct {
	logger          *zap.Logger
	maxRetryTimeout time.Duration
	shutdownChan    chan struct{}

	backoffInitialInterval time.Duration
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                 zap.L().Named("retryer"),
		maxRetryTimeout:        DefMaxRetryTimeout,
		shutdownChan:           make(chan struct{}),
		backoffInitialInterval: 5 * time.Second,
	}
}

func logFieldResult(val string) zap.Field {
	return zap.String("action_result", val)
}

// Run executes fn until it was successful, it returned an error that does not
// wrap RetryableError, the retry timeout expired or the execution was
// aborted via the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	endTime := time.Now().Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"action execution cancelled",
				logfields.Event("action_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err != nil {
				var retryError *RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Info(
						"action cancelled",
						logfields.Event("action_cancelled"),
						logFieldResult("cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					if retryError.After.After(endTime) {
						logger.Error(
							"action failed, next possible retry time is after timeout expiration",
							logfields.Event("action_failed"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					var retryIn time.Duration

					if retryError.After.IsZero() {
						retryIn = bo.NextBackOff()
					} else {
						retryIn = time.Until(retryError.After)
					}

					retryTimer.Reset(retryIn)
					logger.Warn(
						"action failed, retry scheduled",
						logfields.Event("action_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"action failed, not retryable",
					logfields.Event("action_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			return nil

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying action execution, retry timeout expired",
				logfields.Event("action_retry_timeout"),
				logFieldResult("cancelled"),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, action not executed",
				logfields.Event("action_execution_cancelled_shutdown"),
				logFieldResult("cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
