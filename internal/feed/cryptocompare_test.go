package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestCryptoCompareMissingSymbols(t *testing.T) {
	c := NewCryptoCompare(CryptoCompareOptions{}, noopLogger())
	_, err := c.Fetch(context.Background())
	require.Error(t, err, "missing symbols must fail")
}

func TestCryptoCompareHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"Response":"Error","Message":"rate limit"}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(CryptoCompareOptions{BaseURL: srv.URL, FromSym: "USDC", ToSym: "USD", Timeout: time.Second}, noopLogger())
	_, err := c.Fetch(context.Background())
	require.ErrorContains(t, err, "rate limit")
}

func TestCryptoCompareErrorBodyWithOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Response":"Error","Message":"fsym is a required param."}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(CryptoCompareOptions{BaseURL: srv.URL, FromSym: "USDC", ToSym: "USD"}, noopLogger())
	_, err := c.Fetch(context.Background())
	require.ErrorContains(t, err, "required param")
}

func TestCryptoCompareSuccess(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, cryptoComparePricePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"USD":1.0005}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(CryptoCompareOptions{
		Name:    "cc",
		BaseURL: srv.URL,
		FromSym: "usdc",
		ToSym:   "usd",
		APIKey:  "secret",
		Timeout: time.Second,
	}, noopLogger())
	fixed := time.Date(2023, 11, 14, 22, 13, 20, 500, time.UTC)
	c.now = func() time.Time { return fixed }

	sample, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fsym=USDC&tsyms=USD", gotQuery)
	assert.Equal(t, "Apikey secret", gotAuth)
	assert.Equal(t, "cc", sample.Source)
	assert.True(t, sample.Price.Equal(decimal.RequireFromString("1.0005")))
	assert.Equal(t, int64(1_700_000_000), sample.ObservedAt.Unix())
}

func TestCryptoCompareMissingSymbolInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"EUR":0.9}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(CryptoCompareOptions{BaseURL: srv.URL, FromSym: "USDC", ToSym: "USD"}, noopLogger())
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
}

func TestStaticFeed(t *testing.T) {
	s := NewStatic("", decimal.RequireFromString("2.5"))
	assert.Equal(t, "static", s.Name())

	sample, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, sample.Price.Equal(decimal.RequireFromString("2.5")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Fetch(ctx)
	require.Error(t, err)
}
