package submitter

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-attestor/internal/attestation"
	"price-attestor/internal/batcher"
	"price-attestor/internal/feed"
	"price-attestor/internal/signer"
)

const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func signedBatch(t *testing.T, n int) *attestation.Batch {
	t.Helper()
	s, err := signer.FromHex(testKeyHex)
	require.NoError(t, err)

	var id attestation.MarketID
	id[31] = 0x2a
	b, err := batcher.New(s, id, batcher.Options{Workers: 2}, zerolog.Nop())
	require.NoError(t, err)

	samples := make([]feed.PriceSample, n)
	for i := range samples {
		samples[i] = feed.PriceSample{
			Source:     "static",
			Price:      decimal.RequireFromString("1.0005").Add(decimal.New(int64(i), -3)),
			ObservedAt: time.Unix(1_700_000_000+int64(i), 0),
		}
	}
	batch, err := b.Build(context.Background(), samples)
	require.NoError(t, err)
	return batch
}

func TestCalldataRoundTrip(t *testing.T) {
	batch := signedBatch(t, 3)

	data, err := Calldata(batch)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)

	prices, timestamps, sigs, err := DecodeCalldata(data)
	require.NoError(t, err)
	require.Len(t, prices, 3)
	for i := range prices {
		assert.Zero(t, batch.Prices[i].Cmp(prices[i]), "price %d", i)
		assert.Zero(t, batch.Timestamps[i].Cmp(timestamps[i]), "timestamp %d", i)
		assert.Equal(t, batch.Signatures[i], sigs[i])
	}
	assert.Equal(t, big.NewInt(1_000_500), prices[0])
}

func TestCalldataRejectsMisalignedBatch(t *testing.T) {
	batch := signedBatch(t, 2)
	batch.Signatures = batch.Signatures[:1]

	_, err := Calldata(batch)
	require.Error(t, err)
}

func TestDecodeCalldataRejectsUnknownSelector(t *testing.T) {
	_, _, _, err := DecodeCalldata([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
}

func TestSubmitDryRun(t *testing.T) {
	s, err := New(Options{}, nil, zerolog.Nop())
	require.NoError(t, err)

	batch := signedBatch(t, 2)
	res, err := s.Submit(context.Background(), batch)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, common.Hash{}, res.TxHash)

	expected, err := Calldata(batch)
	require.NoError(t, err)
	assert.Equal(t, expected, res.Calldata)
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	s, err := New(Options{}, nil, zerolog.Nop())
	require.NoError(t, err)

	var id attestation.MarketID
	id[0] = 1
	_, err = s.Submit(context.Background(), attestation.NewBatch(id, common.Address{}, 0))
	require.Error(t, err)
}

func TestNewValidatesLiveOptions(t *testing.T) {
	_, err := New(Options{Enabled: true, OracleAddress: "0x0000000000000000000000000000000000000001"}, nil, zerolog.Nop())
	require.Error(t, err)

	s, err := signer.FromHex(testKeyHex)
	require.NoError(t, err)
	transactor, err := s.Transactor(big.NewInt(1))
	require.NoError(t, err)

	_, err = New(Options{Enabled: true, OracleAddress: "nope"}, transactor, zerolog.Nop())
	require.Error(t, err)

	sub, err := New(Options{Enabled: true, OracleAddress: "0x0000000000000000000000000000000000000001"}, transactor, zerolog.Nop())
	require.NoError(t, err)
	_, err = sub.Submit(context.Background(), signedBatch(t, 1))
	require.ErrorContains(t, err, "rpc url not configured")
}

// oracleStub is runtime code consisting of a single STOP, so any call succeeds.
var oracleStub = []byte{0x00}

func newSimulatedChain(t *testing.T, oracle common.Address) (*simulated.Backend, *signer.Signer) {
	t.Helper()
	s, err := signer.FromHex(testKeyHex)
	require.NoError(t, err)

	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))
	alloc := types.GenesisAlloc{s.Address(): {Balance: funds}}
	if oracle != (common.Address{}) {
		alloc[oracle] = types.Account{Code: oracleStub, Balance: big.NewInt(0)}
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, s
}

func TestSubmitLiveSendsUpdate(t *testing.T) {
	ctx := context.Background()
	oracle := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	backend, s := newSimulatedChain(t, oracle)
	client := backend.Client()

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	transactor, err := s.Transactor(chainID)
	require.NoError(t, err)

	sub, err := NewWithBackend(Options{Enabled: true, OracleAddress: oracle.Hex()}, transactor, client, zerolog.Nop())
	require.NoError(t, err)

	batch := signedBatch(t, 3)
	res, err := sub.Submit(ctx, batch)
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	require.NotEqual(t, common.Hash{}, res.TxHash)

	backend.Commit()

	receipt, err := client.TransactionReceipt(ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	tx, pending, err := client.TransactionByHash(ctx, res.TxHash)
	require.NoError(t, err)
	assert.False(t, pending)
	require.NotNil(t, tx.To())
	assert.Equal(t, oracle, *tx.To())
	assert.Equal(t, res.Calldata, tx.Data())

	prices, timestamps, sigs, err := DecodeCalldata(tx.Data())
	require.NoError(t, err)
	require.Len(t, prices, batch.Len())
	for i := range prices {
		assert.Zero(t, batch.Prices[i].Cmp(prices[i]), "price %d", i)
		assert.Zero(t, batch.Timestamps[i].Cmp(timestamps[i]), "timestamp %d", i)
		assert.Equal(t, batch.Signatures[i], sigs[i], "signature %d", i)
	}
}

func TestSubmitLiveRejectsOracleWithoutCode(t *testing.T) {
	ctx := context.Background()
	backend, s := newSimulatedChain(t, common.Address{})
	client := backend.Client()

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	transactor, err := s.Transactor(chainID)
	require.NoError(t, err)

	oracle := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	sub, err := NewWithBackend(Options{Enabled: true, OracleAddress: oracle.Hex()}, transactor, client, zerolog.Nop())
	require.NoError(t, err)

	_, err = sub.Submit(ctx, signedBatch(t, 1))
	require.ErrorContains(t, err, "transact update")
}
