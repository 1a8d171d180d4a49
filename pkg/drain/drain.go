// Package drain waits for feeder tasks to deliver and finish their work.
//
// A feeder task only schedules work; nothing blocks until the source is
// exhausted and the destination queue has been consumed. Wait polls a task's
// IsRunning predicate with exponential backoff capped at the poll interval,
// so short runs return quickly and long runs are polled at a steady rate.
package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var drainWaitDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "queue_source_drain_wait_seconds",
		Help:    "Time spent waiting for a task to drain",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	},
)

var errStillRunning = errors.New("still running")

// Runner is anything with a liveness predicate, typically a *feeder.Task.
type Runner interface {
	IsRunning() bool
}

// errReporter is implemented by runners that record a terminal error.
type errReporter interface {
	Err() error
}

// Config controls polling.
type Config struct {
	// PollInterval is the longest pause between two IsRunning checks.
	PollInterval time.Duration

	// InitialInterval is the first pause. It is raised to at most PollInterval.
	InitialInterval time.Duration

	// Timeout bounds the whole wait. Zero waits until ctx is done.
	Timeout time.Duration
}

// DefaultConfig returns the configuration used by the binary.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		InitialInterval: 10 * time.Millisecond,
	}
}

func (c Config) backOff() *backoff.ExponentialBackOff {
	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultConfig().PollInterval
	}
	initial := c.InitialInterval
	if initial <= 0 || initial > poll {
		initial = poll
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = poll
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Wait blocks until r stops running, ctx is done or the configured timeout
// expires. When r records an error, that error is returned once it stops.
func Wait(ctx context.Context, r Runner, cfg Config) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { drainWaitDuration.Observe(time.Since(start).Seconds()) }()

	check := func() error {
		if r.IsRunning() {
			return errStillRunning
		}
		return nil
	}
	notify := func(_ error, next time.Duration) {
		log.Trace().Str("component", "drain").Dur("next_check", next).Msg("Still running")
	}

	if err := backoff.RetryNotify(check, backoff.WithContext(cfg.backOff(), ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for drain: %w", ctxErr)
		}
		return err
	}

	if er, ok := r.(errReporter); ok {
		return er.Err()
	}
	return nil
}

// WaitAll waits for every runner concurrently and returns the first error.
// A failing runner stops the remaining waits.
func WaitAll(ctx context.Context, cfg Config, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return Wait(ctx, r, cfg)
		})
	}
	return g.Wait()
}
