package feed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the subset of ethclient the aggregator reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain aggregator feed.
type ChainlinkOptions struct {
	Name       string
	RPCURL     string
	Aggregator string
	Timeout    time.Duration
}

// Chainlink reads latestRoundData from an AggregatorV3 contract.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    ContractCaller
	clientMux sync.Mutex
	decimals  *uint8
}

// NewChainlink builds a new aggregator feed. The RPC connection is dialled lazily.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.Name == "" {
		opts.Name = "chainlink"
	}
	return &Chainlink{opts: opts, logger: logger.With().Str("component", "chainlink_feed").Str("feed", opts.Name).Logger()}
}

// NewChainlinkWithCaller uses an existing contract caller instead of dialling RPCURL.
func NewChainlinkWithCaller(opts ChainlinkOptions, caller ContractCaller, logger zerolog.Logger) *Chainlink {
	c := NewChainlink(opts, logger)
	c.caller = caller
	return c
}

// Name implements Feed.
func (c *Chainlink) Name() string { return c.opts.Name }

// Fetch returns answer / 10^decimals observed at the round's updatedAt.
func (c *Chainlink) Fetch(ctx context.Context) (PriceSample, error) {
	if c.caller == nil && c.opts.RPCURL == "" {
		return PriceSample{}, errors.New("ethereum rpc url not configured")
	}
	if c.opts.Aggregator == "" {
		return PriceSample{}, errors.New("aggregator contract address not configured")
	}
	if !common.IsHexAddress(c.opts.Aggregator) {
		return PriceSample{}, fmt.Errorf("invalid aggregator address %q", c.opts.Aggregator)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return PriceSample{}, err
	}

	addr := common.HexToAddress(c.opts.Aggregator)

	decimals, err := c.loadDecimals(ctx, caller, addr)
	if err != nil {
		return PriceSample{}, err
	}

	outputs, err := c.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return PriceSample{}, err
	}
	if len(outputs) != 5 {
		return PriceSample{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return PriceSample{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return PriceSample{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return PriceSample{}, fmt.Errorf("aggregator answer %s is not positive", answer.String())
	}
	if updatedAt.Sign() == 0 || !updatedAt.IsInt64() {
		return PriceSample{}, fmt.Errorf("aggregator updatedAt %s is not a usable timestamp", updatedAt.String())
	}

	price := decimal.NewFromBigInt(answer, -int32(decimals))
	observed := time.Unix(updatedAt.Int64(), 0).UTC()

	c.logger.Debug().Str("price", price.String()).Time("observed_at", observed).Msg("round read")

	return PriceSample{Source: c.opts.Name, Price: price, ObservedAt: observed}, nil
}

func (c *Chainlink) loadDecimals(ctx context.Context, caller ContractCaller, addr common.Address) (uint8, error) {
	c.clientMux.Lock()
	cached := c.decimals
	c.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := c.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals = &decimals
	c.clientMux.Unlock()
	return decimals, nil
}

func (c *Chainlink) call(ctx context.Context, caller ContractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *Chainlink) getCaller(ctx context.Context) (ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ Feed = (*Chainlink)(nil)
