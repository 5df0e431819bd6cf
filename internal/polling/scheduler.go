package polling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/login"
)

const (
	// DefaultInterval is the delay between two status checks.
	DefaultInterval = time.Second
	// DefaultMaxIterations bounds the number of status checks per run.
	DefaultMaxIterations = 120

	logMessagePollingFinished  = "login polling finished"
	logMessagePollingCancelled = "login polling cancelled"
	logFieldOutcome            = "outcome"
	logFieldIterations         = "iterations"
)

// Outcome is the terminal result reported to the completion callback.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimedOut
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// StatusPoller is the part of login.Controller the scheduler drives.
type StatusPoller interface {
	PollStatus(ctx context.Context) (login.StatusResult, error)
}

// CompletionFunc receives the outcome of a run. err is set only for OutcomeError.
type CompletionFunc func(outcome Outcome, err error)

// Config customizes a Scheduler.
type Config struct {
	Interval      time.Duration
	MaxIterations int
	// Wait pauses between iterations; nil waits on a timer. Tests replace it to count ticks.
	Wait   func(ctx context.Context, duration time.Duration) error
	Logger *zap.Logger
}

// Scheduler polls a login challenge at a fixed cadence.
type Scheduler struct {
	interval      time.Duration
	maxIterations int
	wait          func(ctx context.Context, duration time.Duration) error
	logger        *zap.Logger
}

// NewScheduler applies defaults to configuration.
func NewScheduler(configuration Config) *Scheduler {
	interval := configuration.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxIterations := configuration.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	wait := configuration.Wait
	if wait == nil {
		wait = waitForDuration
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{interval: interval, maxIterations: maxIterations, wait: wait, logger: logger}
}

// Run polls until the challenge is approved, a check fails, or the iteration budget is spent,
// then calls onComplete exactly once. A single failed check ends the run. When ctx is
// cancelled Run returns ctx.Err() and onComplete is not called.
func (scheduler *Scheduler) Run(ctx context.Context, poller StatusPoller, onComplete CompletionFunc) error {
	for iteration := 1; iteration <= scheduler.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return scheduler.cancelled(err, iteration-1)
		}

		result, pollErr := poller.PollStatus(ctx)
		if err := ctx.Err(); err != nil {
			return scheduler.cancelled(err, iteration)
		}
		if pollErr != nil {
			scheduler.complete(onComplete, OutcomeError, pollErr, iteration)
			return nil
		}
		if result.Succeeded() {
			scheduler.complete(onComplete, OutcomeSuccess, nil, iteration)
			return nil
		}

		if iteration == scheduler.maxIterations {
			break
		}
		if err := scheduler.wait(ctx, scheduler.interval); err != nil {
			return scheduler.cancelled(err, iteration)
		}
	}
	scheduler.complete(onComplete, OutcomeTimedOut, nil, scheduler.maxIterations)
	return nil
}

func (scheduler *Scheduler) complete(onComplete CompletionFunc, outcome Outcome, err error, iterations int) {
	scheduler.logger.Info(logMessagePollingFinished,
		zap.Stringer(logFieldOutcome, outcome),
		zap.Int(logFieldIterations, iterations),
		zap.Error(err),
	)
	if onComplete != nil {
		onComplete(outcome, err)
	}
}

func (scheduler *Scheduler) cancelled(err error, iterations int) error {
	scheduler.logger.Debug(logMessagePollingCancelled, zap.Int(logFieldIterations, iterations))
	return err
}

func waitForDuration(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
