package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-attestor/internal/config"
	"price-attestor/internal/storage"
)

const (
	testKeyHex  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testMarket  = "0x0000000000000000000000000000000000000000000000000000000000000001"
)

func testApp() *App {
	cfg := &config.Config{
		Signer: config.SignerConfig{PrivateKey: testKeyHex, Workers: 2},
		Market: config.MarketConfig{ID: testMarket},
		Feeds: []config.FeedConfig{
			{Name: "fixed", Type: config.FeedStatic, Price: "1.0005"},
		},
		Chain:     config.ChainConfig{ChainID: 31337},
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Export:    config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestAddressPrintsSigner(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, testApp().Address(&out))
	assert.Equal(t, testAddress, strings.TrimSpace(out.String()))
}

func TestAddressRequiresKey(t *testing.T) {
	a := testApp()
	a.Config.Signer.PrivateKey = ""
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, a.Address(&bytes.Buffer{}), &cfgErr)
}

func TestSignThenVerify(t *testing.T) {
	a := testApp()

	var signed bytes.Buffer
	require.NoError(t, a.Sign(context.Background(), SignOptions{Prices: []string{"1.0005", "0.9999"}, Out: &signed}))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(signed.Bytes(), &doc))
	batch := doc["batch"].(map[string]any)
	assert.Equal(t, []any{"1000500", "999900"}, batch["prices"])
	assert.Equal(t, strings.ToLower(testAddress), strings.ToLower(batch["signer"].(string)))
	assert.NotEmpty(t, doc["calldata"])
	assert.NotContains(t, doc, "tx_hash")

	var report bytes.Buffer
	require.NoError(t, a.Verify(VerifyOptions{Input: bytes.NewReader(signed.Bytes()), Out: &report}))
	assert.Contains(t, report.String(), "1.0005")
	assert.Contains(t, report.String(), testAddress)
}

func TestSignUsesConfiguredFeeds(t *testing.T) {
	var signed bytes.Buffer
	require.NoError(t, testApp().Sign(context.Background(), SignOptions{Out: &signed}))
	assert.Contains(t, signed.String(), `"1000500"`)
}

func TestSignRejectsInvalidPrice(t *testing.T) {
	err := testApp().Sign(context.Background(), SignOptions{Prices: []string{"-1"}, Out: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestVerifyDetectsTampering(t *testing.T) {
	a := testApp()
	var signed bytes.Buffer
	require.NoError(t, a.Sign(context.Background(), SignOptions{Prices: []string{"1.0005"}, Out: &signed}))

	tampered := strings.Replace(signed.String(), `"1000500"`, `"1000501"`, 1)
	err := a.Verify(VerifyOptions{Input: strings.NewReader(tampered), Out: &bytes.Buffer{}})
	require.ErrorIs(t, err, ErrVerificationFailed)

	err = a.Verify(VerifyOptions{
		Input:    bytes.NewReader(signed.Bytes()),
		Expected: "0x0000000000000000000000000000000000000001",
		Out:      &bytes.Buffer{},
	})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestNewFeedsFromConfig(t *testing.T) {
	a := testApp()
	a.Config.Feeds = []config.FeedConfig{
		{Name: "cc", Type: config.FeedCryptoCompare, FromSym: "USDC", ToSym: "USD"},
		{Name: "cl", Type: config.FeedChainlink, Aggregator: "0x0000000000000000000000000000000000000002"},
		{Name: "fixed", Type: config.FeedStatic, Price: "1"},
	}
	feeds, err := a.newFeeds()
	require.NoError(t, err)
	require.Len(t, feeds, 3)
	assert.Equal(t, "cc", feeds[0].Name())
	assert.Equal(t, "cl", feeds[1].Name())
	assert.Equal(t, "fixed", feeds[2].Name())

	a.Config.Feeds = []config.FeedConfig{{Type: config.FeedStatic, Price: "abc"}}
	_, err = a.newFeeds()
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	a.Config.Feeds = nil
	_, err = a.newFeeds()
	require.ErrorAs(t, err, &cfgErr)
}

func TestDownsampleRecords(t *testing.T) {
	records := make([]storage.AttestationRecord, 10)
	for i := range records {
		records[i] = storage.AttestationRecord{Index: i}
	}
	out := downsampleRecords(records, 4)
	require.Len(t, out, 4)
	assert.Equal(t, 0, out[0].Index)
	assert.Equal(t, 9, out[3].Index)
	assert.Len(t, downsampleRecords(records, 20), 10)
	assert.Len(t, downsampleRecords(records, 1), 1)
}

func TestWriteAttestationsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	records := []storage.AttestationRecord{{
		RoundID:     3,
		Index:       1,
		Source:      "cryptocompare",
		Price:       decimal.RequireFromString("1.0005"),
		ScaledPrice: decimal.NewFromInt(1_000_500),
		ObservedAt:  time.Unix(1_700_000_000, 0),
		Digest:      []byte{0xab},
		Signature:   []byte{0xcd},
		Status:      storage.RoundSigned,
	}}
	require.NoError(t, writeAttestationsCSV(path, records))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"2023-11-14T22:13:20Z", "3", "1", "cryptocompare", "1.0005", "1000500", "signed", "0xab", "0xcd"}, rows[1])
}

func TestShortHex(t *testing.T) {
	assert.Equal(t, "0xabcd", shortHex([]byte{0xab, 0xcd}))
	assert.Equal(t, "0x00000000..00000000", shortHex(make([]byte, 65)))
}

type listingStore struct {
	rounds  []storage.RoundRecord
	records []storage.AttestationRecord
	total   int64
}

func (s *listingStore) ListAttestationsBetween(context.Context, time.Time, time.Time) ([]storage.AttestationRecord, error) {
	return s.records, nil
}

func (s *listingStore) ListRecentAttestations(context.Context, int) ([]storage.AttestationRecord, error) {
	return s.records, nil
}

func (s *listingStore) CountAttestations(context.Context) (int64, error) { return s.total, nil }

func (s *listingStore) ListRecentRounds(context.Context, int) ([]storage.RoundRecord, error) {
	return s.rounds, nil
}

func TestWriteStoredIncludesTotal(t *testing.T) {
	store := &listingStore{
		records: []storage.AttestationRecord{{
			RoundID:     9,
			Source:      "static",
			Price:       decimal.RequireFromString("1.0005"),
			ScaledPrice: decimal.NewFromInt(1_000_500),
			ObservedAt:  time.Unix(1_700_000_000, 0),
			Signature:   make([]byte, 65),
			Status:      storage.RoundSigned,
		}},
		total: 42,
	}

	var out bytes.Buffer
	require.NoError(t, writeStored(context.Background(), store, ShowOptions{Limit: 10}, &out))
	assert.Contains(t, out.String(), "1000500")
	assert.Contains(t, out.String(), "showing 1 of 42 stored attestations")
}

func TestWriteStoredRounds(t *testing.T) {
	txHash := "0xabc"
	store := &listingStore{rounds: []storage.RoundRecord{{
		ID:      4,
		RoundTS: time.Unix(1_700_000_000, 0),
		Signer:  testAddress,
		Status:  storage.RoundSubmitted,
		TxHash:  &txHash,
	}}}

	var out bytes.Buffer
	require.NoError(t, writeStored(context.Background(), store, ShowOptions{Rounds: true}, &out))
	assert.Contains(t, out.String(), testAddress)
	assert.Contains(t, out.String(), "0xabc")
	assert.NotContains(t, out.String(), "stored attestations")
}
