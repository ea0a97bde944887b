package attestation

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureLen is R ‖ S ‖ V.
const SignatureLen = 65

// Attestation is one signed (price, timestamp) pair for a market.
type Attestation struct {
	Price     *big.Int
	Timestamp uint64
	Signature []byte
	Digest    common.Hash
	Format    string
}

// Batch holds one round of attestations as index-aligned arrays, the shape
// the oracle's update(uint256[],uint256[],bytes[]) entry point takes.
type Batch struct {
	MarketID   MarketID
	Signer     common.Address
	Format     string
	Prices     []*big.Int
	Timestamps []*big.Int
	Signatures [][]byte
	// Digests are the keccak256 payload hashes that were signed. They are
	// not part of the oracle call and not serialised.
	Digests []common.Hash
}

// NewBatch preallocates a batch for n attestations.
func NewBatch(id MarketID, signer common.Address, n int) *Batch {
	return &Batch{
		MarketID:   id,
		Signer:     signer,
		Format:     FormatABIv1,
		Prices:     make([]*big.Int, n),
		Timestamps: make([]*big.Int, n),
		Signatures: make([][]byte, n),
		Digests:    make([]common.Hash, n),
	}
}

// Set stores an attestation at index i.
func (b *Batch) Set(i int, a Attestation) {
	b.Prices[i] = a.Price
	b.Timestamps[i] = new(big.Int).SetUint64(a.Timestamp)
	b.Signatures[i] = a.Signature
	b.Digests[i] = a.Digest
}

// Len returns the number of attestations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Prices)
}

// Attestation re-pairs index i. Digest is zero for batches decoded from JSON.
func (b *Batch) Attestation(i int) Attestation {
	att := Attestation{
		Price:     b.Prices[i],
		Timestamp: b.Timestamps[i].Uint64(),
		Signature: b.Signatures[i],
		Format:    b.Format,
	}
	if i < len(b.Digests) {
		att.Digest = b.Digests[i]
	}
	return att
}

// Validate checks index alignment and signature widths.
func (b *Batch) Validate() error {
	if b == nil {
		return fmt.Errorf("batch is nil")
	}
	if len(b.Prices) != len(b.Timestamps) || len(b.Prices) != len(b.Signatures) {
		return fmt.Errorf("batch arrays misaligned: prices=%d timestamps=%d signatures=%d",
			len(b.Prices), len(b.Timestamps), len(b.Signatures))
	}
	for i := range b.Prices {
		if b.Prices[i] == nil || b.Timestamps[i] == nil {
			return fmt.Errorf("batch index %d is empty", i)
		}
		if len(b.Signatures[i]) != SignatureLen {
			return fmt.Errorf("batch index %d: signature has %d bytes, want %d", i, len(b.Signatures[i]), SignatureLen)
		}
	}
	return nil
}

type batchJSON struct {
	MarketID   string          `json:"market_id"`
	Signer     common.Address  `json:"signer"`
	Format     string          `json:"format"`
	Prices     []string        `json:"prices"`
	Timestamps []string        `json:"timestamps"`
	Signatures []hexutil.Bytes `json:"signatures"`
}

// MarshalJSON renders integers as decimal strings and signatures as hex.
func (b *Batch) MarshalJSON() ([]byte, error) {
	out := batchJSON{
		MarketID:   b.MarketID.Hex(),
		Signer:     b.Signer,
		Format:     b.Format,
		Prices:     make([]string, len(b.Prices)),
		Timestamps: make([]string, len(b.Timestamps)),
		Signatures: make([]hexutil.Bytes, len(b.Signatures)),
	}
	for i, p := range b.Prices {
		out.Prices[i] = p.String()
	}
	for i, ts := range b.Timestamps {
		out.Timestamps[i] = ts.String()
	}
	for i, sig := range b.Signatures {
		out.Signatures[i] = sig
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON form.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var in batchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	id, err := ParseMarketID(in.MarketID)
	if err != nil {
		return fmt.Errorf("market_id: %w", err)
	}
	prices, err := parseIntegers("prices", in.Prices)
	if err != nil {
		return err
	}
	timestamps, err := parseIntegers("timestamps", in.Timestamps)
	if err != nil {
		return err
	}
	sigs := make([][]byte, len(in.Signatures))
	for i, sig := range in.Signatures {
		sigs[i] = sig
	}

	*b = Batch{
		MarketID:   id,
		Signer:     in.Signer,
		Format:     in.Format,
		Prices:     prices,
		Timestamps: timestamps,
		Signatures: sigs,
	}
	return nil
}

func parseIntegers(field string, values []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%s[%d]: invalid unsigned integer %q", field, i, v)
		}
		out[i] = n
	}
	return out, nil
}
