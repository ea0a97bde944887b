package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-attestor/internal/alerting"
	"price-attestor/internal/attestation"
	"price-attestor/internal/batcher"
	"price-attestor/internal/feed"
	"price-attestor/internal/metrics"
	"price-attestor/internal/scheduler"
	"price-attestor/internal/storage"
	"price-attestor/internal/submitter"
)

// Round stages reported in alerts and persisted failures.
const (
	StageLock   = "lock"
	StageFetch  = "fetch"
	StageSign   = "sign"
	StageSubmit = "submit"
)

// BatchSubmitter hands a signed batch to the oracle.
type BatchSubmitter interface {
	Submit(ctx context.Context, batch *attestation.Batch) (submitter.Result, error)
}

// Dependencies wires the collaborators of one attestor. Only Feeds and
// Batcher are required.
type Dependencies struct {
	Scheduler *scheduler.Scheduler
	Feeds     []feed.Feed
	Batcher   *batcher.Batcher
	Submitter BatchSubmitter
	Store     storage.RoundStore
	Notifier  alerting.Notifier
	Metrics   *metrics.AttestorMetrics
	LockKey   int64
	// Retention prunes stored rounds older than this after each stored
	// round. Zero keeps everything.
	Retention time.Duration
}

// RoundError is a failed round, tagged with the stage that failed.
type RoundError struct {
	Stage string
	Err   error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}

// Result summarises a completed round.
type Result struct {
	Round   time.Time
	Batch   *attestation.Batch
	Samples []feed.PriceSample
	RoundID int64
	Submit  submitter.Result
	Skipped bool
}

// Service orchestrates fetching, signing, persistence, submission and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	feeds     []feed.Feed
	batcher   *batcher.Batcher
	submitter BatchSubmitter
	store     storage.RoundStore
	notifier  alerting.Notifier
	metrics   *metrics.AttestorMetrics
	logger    zerolog.Logger

	locker    storage.AdvisoryLocker
	lockKey   int64
	pruner    storage.RoundPruner
	retention time.Duration
	now       func() time.Time
}

// New constructs the attestation service.
func New(deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if len(deps.Feeds) == 0 {
		return nil, errors.New("at least one feed is required")
	}
	if deps.Batcher == nil {
		return nil, errors.New("batcher is required")
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	var pruner storage.RoundPruner
	if p, ok := deps.Store.(storage.RoundPruner); ok {
		pruner = p
	}
	if deps.Retention < 0 {
		return nil, errors.New("retention must not be negative")
	}

	return &Service{
		scheduler: deps.Scheduler,
		feeds:     deps.Feeds,
		batcher:   deps.Batcher,
		submitter: deps.Submitter,
		store:     deps.Store,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   deps.LockKey,
		pruner:    pruner,
		retention: deps.Retention,
		now:       time.Now,
	}, nil
}

// Run begins the scheduled round loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, round time.Time) error {
		_, err := s.ProcessRound(ctx, round)
		return err
	})
}

// Collect fetches every feed in configured order and signs the batch.
// A failing feed aborts the round with a *batcher.SampleError at its index.
func (s *Service) Collect(ctx context.Context) (*attestation.Batch, []feed.PriceSample, error) {
	samples := make([]feed.PriceSample, 0, len(s.feeds))
	for i, f := range s.feeds {
		sample, err := f.Fetch(ctx)
		if err != nil {
			s.metrics.IncFeedError(f.Name())
			return nil, nil, &RoundError{Stage: StageFetch, Err: &batcher.SampleError{Index: i, Source: f.Name(), Err: err}}
		}
		if sample.Source == "" {
			sample.Source = f.Name()
		}
		samples = append(samples, sample)
	}

	batch, err := s.batcher.Build(ctx, samples)
	if err != nil {
		return nil, samples, &RoundError{Stage: StageSign, Err: err}
	}
	return batch, samples, nil
}

// ProcessRound runs one full round under the advisory lock, if configured.
func (s *Service) ProcessRound(ctx context.Context, round time.Time) (*Result, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, s.fail(ctx, round, s.now(), &RoundError{Stage: StageLock, Err: err})
	}
	if !proceed {
		s.metrics.ObserveRound(metrics.OutcomeSkipped, 0, 0)
		s.logger.Debug().Time("round", round).Msg("skip round because advisory lock held elsewhere")
		return &Result{Round: round, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeRound(ctx, round)
}

func (s *Service) executeRound(ctx context.Context, round time.Time) (*Result, error) {
	started := s.now()

	batch, samples, err := s.Collect(ctx)
	if err != nil {
		return nil, s.fail(ctx, round, started, err)
	}

	result := &Result{Round: round, Batch: batch, Samples: samples}
	for _, sample := range samples {
		s.metrics.SetLastPrice(sample.Source, sample.Price.InexactFloat64())
	}

	if s.store != nil {
		record, err := s.store.InsertRound(ctx, roundRecord(round, batch, samples))
		if err != nil {
			// audit failures do not fail the round
			s.logger.Error().Err(err).Time("round", round).Msg("failed to persist round")
		} else {
			result.RoundID = record.ID
			s.prune(ctx, round)
		}
	}

	if s.submitter != nil {
		res, err := s.submitter.Submit(ctx, batch)
		if err != nil {
			s.metrics.IncSubmission("error")
			return nil, s.fail(ctx, round, started, &RoundError{Stage: StageSubmit, Err: err})
		}
		result.Submit = res
		if res.DryRun {
			s.metrics.IncSubmission("dry_run")
		} else {
			s.metrics.IncSubmission("sent")
			if s.store != nil && result.RoundID != 0 {
				if err := s.store.MarkRoundSubmitted(ctx, result.RoundID, res.TxHash.Hex()); err != nil {
					s.logger.Error().Err(err).Int64("round_id", result.RoundID).Msg("failed to mark round submitted")
				}
			}
		}
	}

	elapsed := s.now().Sub(started)
	s.metrics.ObserveRound(metrics.OutcomeSigned, elapsed, batch.Len())
	s.logger.Info().Time("round", round).
		Int("attestations", batch.Len()).
		Str("signer", batch.Signer.Hex()).
		Dur("elapsed", elapsed).
		Msg("round signed")
	return result, nil
}

func (s *Service) fail(ctx context.Context, round, started time.Time, err error) error {
	s.metrics.ObserveRound(metrics.OutcomeFailed, s.now().Sub(started), 0)

	note := alerting.Notification{
		RoundTS:  round,
		MarketID: s.batcher.MarketID().Hex(),
		Signer:   s.batcher.Signer().Hex(),
		Index:    -1,
		Err:      err.Error(),
	}
	var roundErr *RoundError
	if errors.As(err, &roundErr) {
		note.Stage = roundErr.Stage
	}
	var sampleErr *batcher.SampleError
	if errors.As(err, &sampleErr) {
		note.Index = sampleErr.Index
		note.Source = sampleErr.Source
	}

	s.logger.Error().Err(err).Time("round", round).Str("stage", note.Stage).Msg("round failed")

	if s.store != nil && note.Stage != StageLock {
		msg := err.Error()
		failed := storage.RoundRecord{
			RoundTS:  round,
			MarketID: note.MarketID,
			Signer:   note.Signer,
			Format:   attestation.FormatABIv1,
			Status:   storage.RoundFailed,
			Error:    &msg,
		}
		if _, storeErr := s.store.InsertRound(ctx, failed); storeErr != nil {
			s.logger.Error().Err(storeErr).Time("round", round).Msg("failed to persist failed round")
		}
	}

	if s.notifier != nil {
		if notifyErr := s.notifier.Notify(ctx, note); notifyErr != nil {
			s.logger.Error().Err(notifyErr).Time("round", round).Msg("failed to dispatch alert")
		}
	}
	return err
}

func (s *Service) prune(ctx context.Context, round time.Time) {
	if s.retention <= 0 || s.pruner == nil {
		return
	}
	cutoff := round.Add(-s.retention)
	if err := s.pruner.DeleteRoundsBefore(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune old rounds")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func roundRecord(round time.Time, batch *attestation.Batch, samples []feed.PriceSample) storage.RoundRecord {
	record := storage.RoundRecord{
		RoundTS:      round,
		MarketID:     batch.MarketID.Hex(),
		Signer:       batch.Signer.Hex(),
		Format:       batch.Format,
		Status:       storage.RoundSigned,
		Attestations: make([]storage.AttestationRecord, batch.Len()),
	}
	for i := 0; i < batch.Len(); i++ {
		att := batch.Attestation(i)
		rec := storage.AttestationRecord{
			Index:       i,
			Source:      samples[i].Source,
			Price:       samples[i].Price,
			ScaledPrice: decimal.NewFromBigInt(att.Price, 0),
			ObservedAt:  time.Unix(int64(att.Timestamp), 0).UTC(),
			Digest:      att.Digest.Bytes(),
			Signature:   att.Signature,
		}
		record.Attestations[i] = rec
	}
	return record
}
