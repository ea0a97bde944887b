package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarketID() MarketID {
	var id MarketID
	id[31] = 0x01
	return id
}

func TestEncodeLayout(t *testing.T) {
	out, err := Encode(big.NewInt(1_000_500), 1_700_000_000, testMarketID())
	require.NoError(t, err)
	require.Len(t, out, EncodedLen)

	want := "" +
		"00000000000000000000000000000000000000000000000000000000000f4434" +
		"000000000000000000000000000000000000000000000000000000006553f100" +
		"0000000000000000000000000000000000000000000000000000000000000001"
	assert.Equal(t, want, hex.EncodeToString(out))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	id, err := ParseMarketID("0xb88786d22267760ea20c3125a65bc9131cf489cc09299fa24bf2d92aa702484f")
	require.NoError(t, err)

	cases := []struct {
		price *big.Int
		ts    uint64
		id    MarketID
	}{
		{big.NewInt(0), 0, MarketID{}},
		{big.NewInt(1_000_500), 1_700_000_000, testMarketID()},
		{maxWord, ^uint64(0), id},
	}
	for _, tc := range cases {
		encoded, err := Encode(tc.price, tc.ts, tc.id)
		require.NoError(t, err)

		price, ts, gotID, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, 0, tc.price.Cmp(price))
		assert.Equal(t, tc.ts, ts)
		assert.Equal(t, tc.id, gotID)
	}
}

func TestEncodeOverflow(t *testing.T) {
	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	for _, price := range []*big.Int{nil, big.NewInt(-1), tooWide} {
		_, err := Encode(price, 1, testMarketID())
		var overflow *EncodingOverflowError
		require.ErrorAs(t, err, &overflow)
		assert.Equal(t, "price", overflow.Field)
	}
}

func TestEncodeTimeRejectsPreEpoch(t *testing.T) {
	_, err := EncodeTime(big.NewInt(1), time.Unix(-5, 0), testMarketID())
	var overflow *EncodingOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, "timestamp", overflow.Field)

	out, err := EncodeTime(big.NewInt(1), time.Unix(1_700_000_000, 999), testMarketID())
	require.NoError(t, err)
	_, ts, _, err := Decode(out)
	require.NoError(t, err)
	assert.EqualValues(t, 1_700_000_000, ts)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, _, _, err := Decode(make([]byte, EncodedLen-1))
	require.Error(t, err)

	wide := make([]byte, EncodedLen)
	wide[32] = 0x01 // timestamp word with a bit above 64
	_, _, _, err = Decode(wide)
	var overflow *EncodingOverflowError
	require.True(t, errors.As(err, &overflow))
}

func TestParseMarketID(t *testing.T) {
	id, err := ParseMarketID("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, testMarketID(), id)

	_, err = ParseMarketID("0x01")
	require.Error(t, err)
	_, err = ParseMarketID("")
	require.Error(t, err)
	_, err = ParseMarketID("0xzz")
	require.Error(t, err)
}

func TestMarketIDFromPairIsDeterministic(t *testing.T) {
	a := common.BigToAddress(big.NewInt(1234))
	b := common.BigToAddress(big.NewInt(5678))

	first, err := MarketIDFromPair(a, b)
	require.NoError(t, err)
	second, err := MarketIDFromPair(a, b)
	require.NoError(t, err)
	swapped, err := MarketIDFromPair(b, a)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, swapped)
	assert.False(t, first.IsZero())
}

func TestBatchValidateAndJSON(t *testing.T) {
	b := NewBatch(testMarketID(), common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), 1)
	require.Error(t, b.Validate())

	digest := common.HexToHash("0x01")
	b.Set(0, Attestation{Price: big.NewInt(1_000_500), Timestamp: 1_700_000_000, Signature: make([]byte, SignatureLen), Digest: digest})
	require.NoError(t, b.Validate())
	assert.Equal(t, digest, b.Attestation(0).Digest)
	assert.Equal(t, 1, b.Len())
	assert.EqualValues(t, 1_700_000_000, b.Attestation(0).Timestamp)

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []any{"1000500"}, decoded["prices"])
	assert.Equal(t, []any{"1700000000"}, decoded["timestamps"])
	assert.Equal(t, FormatABIv1, decoded["format"])
	assert.NotContains(t, decoded, "digests")

	b.Signatures[0] = b.Signatures[0][:64]
	require.Error(t, b.Validate())
}

func TestBatchUnmarshalJSON(t *testing.T) {
	b := NewBatch(testMarketID(), common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), 1)
	sig := make([]byte, SignatureLen)
	sig[64] = 27
	b.Set(0, Attestation{Price: big.NewInt(1_000_500), Timestamp: 1_700_000_000, Signature: sig})

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded Batch
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.Validate())
	assert.Equal(t, b.MarketID, decoded.MarketID)
	assert.Equal(t, b.Signer, decoded.Signer)
	assert.Zero(t, b.Prices[0].Cmp(decoded.Prices[0]))
	assert.Equal(t, sig, decoded.Signatures[0])

	bad := []byte(`{"market_id":"0x01","prices":["-1"],"timestamps":["1"],"signatures":["0x00"]}`)
	require.Error(t, json.Unmarshal(bad, &decoded))
}
