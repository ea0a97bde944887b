package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-attestor/internal/attestation"
	"price-attestor/internal/feed"
	"price-attestor/internal/fixedpoint"
	"price-attestor/internal/signer"
)

// SampleError pins a pipeline failure to the sample that caused it.
type SampleError struct {
	Index  int
	Source string
	Err    error
}

func (e *SampleError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("sample %d (%s): %v", e.Index, e.Source, e.Err)
	}
	return fmt.Sprintf("sample %d: %v", e.Index, e.Err)
}

func (e *SampleError) Unwrap() error {
	return e.Err
}

// Options tune batch assembly.
type Options struct {
	// Precision is the number of decimals prices are scaled to. Zero selects
	// fixedpoint.OracleDecimals; any other value must equal the decimals the
	// receiving oracle contract was deployed with.
	Precision int32
	Workers   int
}

// Batcher turns an ordered list of samples into one signed batch.
type Batcher struct {
	signer    *signer.Signer
	marketID  attestation.MarketID
	precision int32
	workers   int
	logger    zerolog.Logger
}

// New constructs a Batcher bound to one key and one market.
func New(s *signer.Signer, marketID attestation.MarketID, opts Options, logger zerolog.Logger) (*Batcher, error) {
	if s == nil {
		return nil, errors.New("signer is required")
	}
	if marketID.IsZero() {
		return nil, errors.New("market id is required")
	}
	precision := opts.Precision
	if precision < 0 {
		return nil, fmt.Errorf("precision must not be negative, got %d", precision)
	}
	if precision == 0 {
		precision = fixedpoint.OracleDecimals
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Batcher{
		signer:    s,
		marketID:  marketID,
		precision: precision,
		workers:   workers,
		logger:    logger.With().Str("component", "batcher").Logger(),
	}, nil
}

// MarketID returns the market every attestation is bound to.
func (b *Batcher) MarketID() attestation.MarketID {
	return b.marketID
}

// Signer returns the address every attestation is signed by.
func (b *Batcher) Signer() common.Address {
	return b.signer.Address()
}

// Precision returns the decimals prices are scaled to.
func (b *Batcher) Precision() int32 {
	return b.precision
}

// Attest runs conversion, encoding and signing for one sample.
func (b *Batcher) Attest(sample feed.PriceSample) (attestation.Attestation, error) {
	price, err := fixedpoint.Convert(sample.Price, b.precision)
	if err != nil {
		return attestation.Attestation{}, err
	}
	ts, err := attestation.UnixSeconds(sample.ObservedAt)
	if err != nil {
		return attestation.Attestation{}, err
	}
	encoded, err := attestation.Encode(price, ts, b.marketID)
	if err != nil {
		return attestation.Attestation{}, err
	}
	sig, digest, err := b.signer.Sign(encoded)
	if err != nil {
		return attestation.Attestation{}, err
	}
	if len(sig) != attestation.SignatureLen {
		return attestation.Attestation{}, &signer.SignatureLengthError{Got: len(sig)}
	}

	return attestation.Attestation{
		Price:     price,
		Timestamp: ts,
		Signature: sig,
		Digest:    digest,
		Format:    attestation.FormatABIv1,
	}, nil
}

// Build attests every sample in order. Any failure discards the whole batch
// and is reported as a *SampleError for the lowest failing index.
func (b *Batcher) Build(ctx context.Context, samples []feed.PriceSample) (*attestation.Batch, error) {
	batch := attestation.NewBatch(b.marketID, b.signer.Address(), len(samples))
	failures := make([]error, len(samples))

	// lowest failing index so far; samples above it are skipped, samples
	// below it must still run so the minimum is found
	var lowest atomic.Int64
	lowest.Store(int64(len(samples)))

	var group errgroup.Group
	group.SetLimit(b.workers)

	for i, sample := range samples {
		i, sample := i, sample
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if int64(i) > lowest.Load() {
				return nil
			}
			att, err := b.Attest(sample)
			if err != nil {
				failures[i] = &SampleError{Index: i, Source: sample.Source, Err: err}
				for {
					cur := lowest.Load()
					if int64(i) >= cur || lowest.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
				return nil
			}
			// distinct indices, no lock needed
			batch.Set(i, att)
			return nil
		})
	}

	waitErr := group.Wait()
	for _, failure := range failures {
		if failure != nil {
			b.logger.Error().Err(failure).Int("samples", len(samples)).Msg("batch rejected")
			return nil, failure
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("assembled batch invalid: %w", err)
	}

	b.logger.Debug().Int("samples", batch.Len()).Str("signer", batch.Signer.Hex()).Msg("batch signed")
	return batch, nil
}
