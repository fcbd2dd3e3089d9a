package engine

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig configures the delay between drain cycles while transient
// failures keep returning mutations to pending.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry cycle
	InitialDelay time.Duration

	// MaxDelay caps the delay between retry cycles
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64
}

// DefaultRetryConfig returns 1s doubling up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff before retry cycle attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Run is the scheduler loop. It recovers stranded mutations, drains once,
// then drains again on every Trigger and whenever a retry backoff expires.
// Blocks until ctx is cancelled (returning ctx.Err()) or Stop is called
// (returning nil).
//
// ERROR HANDLING: a failed cycle is logged and retried on the backoff
// schedule; it never ends the loop.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.logger.Info("engine starting")

	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	var (
		retryTimer *time.Timer
		retryC     <-chan time.Time
		attempt    int
	)
	stopTimer := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}
	}
	defer stopTimer()

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-e.trigger:
		case <-retryC:
			retryTimer, retryC = nil, nil
		}

		res, err := e.Sync(ctx)
		switch {
		case errors.Is(err, ErrStopped):
			return nil
		case errors.Is(err, ErrOffline):
			// The connectivity monitor triggers again on reconnect.
			e.logger.Info("drain deferred until back online")
			stopTimer()
			attempt = 0
			continue
		case err != nil:
			e.logger.Error("drain failed", "error", err)
		}

		if err != nil || res.RetriedCount > 0 {
			attempt++
			delay := e.retry.Delay(attempt)
			stopTimer()
			retryTimer = time.NewTimer(delay)
			retryC = retryTimer.C
			e.logger.Debug("retry scheduled", "attempt", attempt, "delay", delay)
			continue
		}

		attempt = 0
		stopTimer()
	}
}
