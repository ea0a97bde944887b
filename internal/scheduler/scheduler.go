package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RoundFunc is invoked once per interval with the round's start time.
type RoundFunc func(ctx context.Context, round time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
	// RunImmediately fires one round right after the startup delay.
	RunImmediately bool
}

// Scheduler drives attestation rounds. Rounds never overlap: the next timer
// is armed only after the previous round returns.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}, nil
}

// Run blocks, invoking fn every interval until ctx is cancelled. Round errors
// are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context, fn RoundFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, fn, s.now().UTC())
	}

	next := s.nextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			skipped := s.nextTick(s.now().UTC())
			s.logger.Warn().Time("missed", next).Time("next_round", skipped).Msg("round overran interval, skipping ahead")
			next = skipped
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_round", next).Msg("waiting for next round")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, fn, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, fn RoundFunc, round time.Time) {
	s.logger.Debug().Time("round", round).Msg("executing round")
	if err := fn(ctx, round); err != nil {
		s.logger.Error().Err(err).Time("round", round).Msg("round failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t.Truncate(time.Second)
	}
	return t.Truncate(s.opts.Interval)
}
