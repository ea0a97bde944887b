package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one observation handed to the attestation pipeline.
type PriceSample struct {
	Source     string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Feed retrieves the current price of the configured asset pair.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) (PriceSample, error)
}

// Static always reports the same price, stamped with the current time.
type Static struct {
	name  string
	price decimal.Decimal
	now   func() time.Time
}

// NewStatic builds a fixed-price feed.
func NewStatic(name string, price decimal.Decimal) *Static {
	if name == "" {
		name = "static"
	}
	return &Static{name: name, price: price, now: time.Now}
}

// Name implements Feed.
func (s *Static) Name() string { return s.name }

// Fetch implements Feed.
func (s *Static) Fetch(ctx context.Context) (PriceSample, error) {
	if err := ctx.Err(); err != nil {
		return PriceSample{}, err
	}
	return PriceSample{Source: s.name, Price: s.price, ObservedAt: s.now().UTC()}, nil
}

var _ Feed = (*Static)(nil)
