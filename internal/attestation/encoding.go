package attestation

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// FormatABIv1 is abi.encode(uint256 price, uint256 timestamp, bytes32 marketId).
// The oracle contract rebuilds exactly these 96 bytes, hashes them with
// keccak256 and checks an EIP-191 signature over that hash.
const FormatABIv1 = "abi-v1"

// EncodedLen is the byte length of an abi-v1 payload.
const EncodedLen = 3 * 32

const wordBits = 256

// MarketID identifies the asset pair/market on-chain.
type MarketID [32]byte

// Hex returns the 0x-prefixed form.
func (m MarketID) Hex() string {
	return hexutil.Encode(m[:])
}

func (m MarketID) String() string {
	return m.Hex()
}

// IsZero reports whether no identifier was configured.
func (m MarketID) IsZero() bool {
	return m == MarketID{}
}

// ParseMarketID decodes a 32-byte hex identifier, with or without 0x prefix.
func ParseMarketID(s string) (MarketID, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return MarketID{}, fmt.Errorf("market id is empty")
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return MarketID{}, fmt.Errorf("decode market id: %w", err)
	}
	if len(raw) != len(MarketID{}) {
		return MarketID{}, fmt.Errorf("market id must be 32 bytes, got %d", len(raw))
	}
	var id MarketID
	copy(id[:], raw)
	return id, nil
}

// MarketIDFromPair derives keccak256(abi.encode(currency, collateral)).
func MarketIDFromPair(currency, collateral common.Address) (MarketID, error) {
	packed, err := pairArgs.Pack(currency, collateral)
	if err != nil {
		return MarketID{}, fmt.Errorf("pack market pair: %w", err)
	}
	return MarketID(crypto.Keccak256Hash(packed)), nil
}

// EncodingOverflowError reports a field that does not fit its fixed width.
type EncodingOverflowError struct {
	Field string
	Value string
	Bits  int
}

func (e *EncodingOverflowError) Error() string {
	return fmt.Sprintf("%s %s does not fit unsigned %d-bit field", e.Field, e.Value, e.Bits)
}

var (
	uint256Type = mustType("uint256")
	bytes32Type = mustType("bytes32")
	addressType = mustType("address")

	payloadArgs = abi.Arguments{
		{Name: "price", Type: uint256Type},
		{Name: "timestamp", Type: uint256Type},
		{Name: "marketId", Type: bytes32Type},
	}
	pairArgs = abi.Arguments{
		{Name: "currency", Type: addressType},
		{Name: "collateral", Type: addressType},
	}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic("failed to build abi type " + name + ": " + err.Error())
	}
	return t
}

// Encode builds the abi-v1 payload for one attestation.
func Encode(price *big.Int, timestamp uint64, id MarketID) ([]byte, error) {
	if price == nil {
		return nil, &EncodingOverflowError{Field: "price", Value: "<nil>", Bits: wordBits}
	}
	if price.Sign() < 0 || price.BitLen() > wordBits {
		return nil, &EncodingOverflowError{Field: "price", Value: price.String(), Bits: wordBits}
	}

	// abi packing silently wraps out-of-range integers, hence the checks above.
	out, err := payloadArgs.Pack(price, new(big.Int).SetUint64(timestamp), [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("pack attestation payload: %w", err)
	}
	if len(out) != EncodedLen {
		return nil, fmt.Errorf("packed payload has %d bytes, want %d", len(out), EncodedLen)
	}
	return out, nil
}

// EncodeTime is Encode with a wall-clock observation time truncated to seconds.
func EncodeTime(price *big.Int, observedAt time.Time, id MarketID) ([]byte, error) {
	ts, err := UnixSeconds(observedAt)
	if err != nil {
		return nil, err
	}
	return Encode(price, ts, id)
}

// UnixSeconds converts t to an unsigned unix timestamp.
func UnixSeconds(t time.Time) (uint64, error) {
	unix := t.Unix()
	if unix < 0 {
		return 0, &EncodingOverflowError{Field: "timestamp", Value: fmt.Sprint(unix), Bits: 64}
	}
	return uint64(unix), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*big.Int, uint64, MarketID, error) {
	if len(data) != EncodedLen {
		return nil, 0, MarketID{}, fmt.Errorf("payload has %d bytes, want %d", len(data), EncodedLen)
	}

	values, err := payloadArgs.Unpack(data)
	if err != nil {
		return nil, 0, MarketID{}, fmt.Errorf("unpack attestation payload: %w", err)
	}
	if len(values) != 3 {
		return nil, 0, MarketID{}, fmt.Errorf("unexpected payload field count %d", len(values))
	}

	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, MarketID{}, fmt.Errorf("decode price: unexpected type %T", values[0])
	}
	ts, ok := values[1].(*big.Int)
	if !ok {
		return nil, 0, MarketID{}, fmt.Errorf("decode timestamp: unexpected type %T", values[1])
	}
	if !ts.IsUint64() {
		return nil, 0, MarketID{}, &EncodingOverflowError{Field: "timestamp", Value: ts.String(), Bits: 64}
	}
	raw, ok := values[2].([32]byte)
	if !ok {
		return nil, 0, MarketID{}, fmt.Errorf("decode market id: unexpected type %T", values[2])
	}

	return price, ts.Uint64(), MarketID(raw), nil
}
