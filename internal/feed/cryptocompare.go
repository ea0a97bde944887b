package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cryptoComparePricePath = "/data/price"
	defaultCryptoCompare   = "https://min-api.cryptocompare.com"
)

// CryptoCompareOptions parameterise the CryptoCompare fetcher.
type CryptoCompareOptions struct {
	Name      string
	BaseURL   string
	FromSym   string
	ToSym     string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// CryptoCompare fetches spot prices from the CryptoCompare price API.
type CryptoCompare struct {
	opts    CryptoCompareOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewCryptoCompare constructs a CryptoCompare feed.
func NewCryptoCompare(opts CryptoCompareOptions, logger zerolog.Logger) *CryptoCompare {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCryptoCompare
	}
	if opts.Name == "" {
		opts.Name = "cryptocompare"
	}

	return &CryptoCompare{
		opts:    opts,
		logger:  logger.With().Str("component", "cryptocompare_feed").Str("feed", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Name implements Feed.
func (c *CryptoCompare) Name() string { return c.opts.Name }

// Fetch queries fsym/tsyms and stamps the sample with the fetch time.
func (c *CryptoCompare) Fetch(ctx context.Context) (PriceSample, error) {
	from := strings.ToUpper(strings.TrimSpace(c.opts.FromSym))
	to := strings.ToUpper(strings.TrimSpace(c.opts.ToSym))
	if from == "" || to == "" {
		return PriceSample{}, errors.New("fsym and tsym are required")
	}

	query := url.Values{}
	query.Set("fsym", from)
	query.Set("tsyms", to)
	endpoint := c.baseURL + cryptoComparePricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PriceSample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "price-attestor/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Apikey "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return PriceSample{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return PriceSample{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PriceSample{}, parseHTTPError(resp.StatusCode, payload)
	}

	// json.Number keeps the literal digits so the price never passes through float64.
	var body map[string]json.Number
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return PriceSample{}, parseHTTPError(resp.StatusCode, payload)
	}

	raw, ok := body[to]
	if !ok {
		return PriceSample{}, fmt.Errorf("cryptocompare response missing %s", to)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse %s price: %w", to, err)
	}

	observed := c.now().UTC().Truncate(time.Second)
	c.logger.Debug().Str("price", price.String()).Time("observed_at", observed).Msg("price fetched")

	return PriceSample{Source: c.opts.Name, Price: price, ObservedAt: observed}, nil
}

type errorResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("cryptocompare api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Response != "" {
			return fmt.Errorf("cryptocompare api error (%d): %s", status, apiErr.Response)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cryptocompare api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cryptocompare api error (%d)", status)
}

var _ Feed = (*CryptoCompare)(nil)
