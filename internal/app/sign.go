package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"price-attestor/internal/attestation"
	"price-attestor/internal/feed"
	"price-attestor/internal/service"
)

type signOutput struct {
	Batch    *attestation.Batch `json:"batch"`
	Calldata hexutil.Bytes      `json:"calldata"`
	TxHash   string             `json:"tx_hash,omitempty"`
}

// Sign runs a single round outside the scheduler and prints the batch as JSON.
func (a *App) Sign(ctx context.Context, opts SignOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	b, s, err := a.newBatcher()
	if err != nil {
		return err
	}

	var feeds []feed.Feed
	if len(opts.Prices) > 0 {
		feeds = make([]feed.Feed, 0, len(opts.Prices))
		for i, raw := range opts.Prices {
			price, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("price #%d %q: %w", i, raw, err)
			}
			feeds = append(feeds, feed.NewStatic(fmt.Sprintf("static-%d", i), price))
		}
	} else {
		feeds, err = a.newFeeds()
		if err != nil {
			return err
		}
	}

	sub, err := a.newSubmitter(s, opts.Submit)
	if err != nil {
		return err
	}

	svc, err := service.New(service.Dependencies{
		Feeds:     feeds,
		Batcher:   b,
		Submitter: sub,
	}, a.Logger)
	if err != nil {
		return err
	}

	res, err := svc.ProcessRound(ctx, time.Now().UTC().Truncate(time.Second))
	if err != nil {
		return err
	}

	result := signOutput{Batch: res.Batch, Calldata: res.Submit.Calldata}
	if !res.Submit.DryRun {
		result.TxHash = res.Submit.TxHash.Hex()
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
