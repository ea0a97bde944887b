package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Round statuses.
const (
	RoundSigned    = "signed"
	RoundSubmitted = "submitted"
	RoundFailed    = "failed"
)

// RoundRecord is one attestation round as persisted for audit.
type RoundRecord struct {
	ID           int64
	RoundTS      time.Time
	MarketID     string
	Signer       string
	Format       string
	Status       string
	TxHash       *string
	Error        *string
	CreatedAt    time.Time
	Attestations []AttestationRecord
}

// AttestationRecord is one signed entry of a round, at its batch index.
type AttestationRecord struct {
	RoundID     int64
	Index       int
	Source      string
	Price       decimal.Decimal
	ScaledPrice decimal.Decimal
	ObservedAt  time.Time
	Digest      []byte
	Signature   []byte
	Status      string
}
