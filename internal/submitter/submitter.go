package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"price-attestor/internal/attestation"
)

const (
	oracleABIJSON = `[{"inputs":[{"internalType":"uint256[]","name":"_prices","type":"uint256[]"},{"internalType":"uint256[]","name":"_timestamps","type":"uint256[]"},{"internalType":"bytes[]","name":"_signatures","type":"bytes[]"}],"name":"update","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

	updateMethod = "update"
)

var (
	oracleABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// Options parameterise oracle submission.
type Options struct {
	RPCURL        string
	OracleAddress string
	Enabled       bool
	Timeout       time.Duration
}

// Result describes one submission.
type Result struct {
	Calldata []byte
	TxHash   common.Hash
	DryRun   bool
}

// Submitter hands signed batches to the oracle contract. Nonce and gas are
// left to the bound contract transactor; confirmation is not awaited.
type Submitter struct {
	opts       Options
	transactor *bind.TransactOpts
	logger     zerolog.Logger

	backendMux sync.Mutex
	backend    bind.ContractBackend
}

// New constructs a submitter. transactor may be nil when Enabled is false.
func New(opts Options, transactor *bind.TransactOpts, logger zerolog.Logger) (*Submitter, error) {
	if opts.Enabled {
		if transactor == nil {
			return nil, errors.New("transactor is required when submission is enabled")
		}
		if !common.IsHexAddress(opts.OracleAddress) {
			return nil, fmt.Errorf("invalid oracle address %q", opts.OracleAddress)
		}
	}
	return &Submitter{
		opts:       opts,
		transactor: transactor,
		logger:     logger.With().Str("component", "submitter").Logger(),
	}, nil
}

// NewWithBackend uses an existing contract backend instead of dialling RPCURL.
func NewWithBackend(opts Options, transactor *bind.TransactOpts, backend bind.ContractBackend, logger zerolog.Logger) (*Submitter, error) {
	s, err := New(opts, transactor, logger)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	return s, nil
}

// Calldata packs update(prices, timestamps, signatures).
func Calldata(batch *attestation.Batch) ([]byte, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return oracleABI.Pack(updateMethod, batch.Prices, batch.Timestamps, batch.Signatures)
}

// DecodeCalldata reverses Calldata.
func DecodeCalldata(data []byte) ([]*big.Int, []*big.Int, [][]byte, error) {
	method, err := oracleABI.MethodById(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if method.Name != updateMethod {
		return nil, nil, nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unpack update calldata: %w", err)
	}
	prices, ok := values[0].([]*big.Int)
	if !ok {
		return nil, nil, nil, fmt.Errorf("decode prices: unexpected type %T", values[0])
	}
	timestamps, ok := values[1].([]*big.Int)
	if !ok {
		return nil, nil, nil, fmt.Errorf("decode timestamps: unexpected type %T", values[1])
	}
	signatures, ok := values[2].([][]byte)
	if !ok {
		return nil, nil, nil, fmt.Errorf("decode signatures: unexpected type %T", values[2])
	}
	return prices, timestamps, signatures, nil
}

// Submit sends the batch, or only packs it when submission is disabled.
func (s *Submitter) Submit(ctx context.Context, batch *attestation.Batch) (Result, error) {
	if batch.Len() == 0 {
		return Result{}, errors.New("refusing to submit an empty batch")
	}
	data, err := Calldata(batch)
	if err != nil {
		return Result{}, fmt.Errorf("pack update: %w", err)
	}

	if !s.opts.Enabled {
		s.logger.Info().Int("attestations", batch.Len()).Int("calldata_bytes", len(data)).
			Msg("dry run: update not submitted")
		return Result{Calldata: data, DryRun: true}, nil
	}

	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, err := s.getBackend(ctx)
	if err != nil {
		return Result{}, err
	}

	addr := common.HexToAddress(s.opts.OracleAddress)
	contract := bind.NewBoundContract(addr, oracleABI, backend, backend, backend)

	opts := *s.transactor
	opts.Context = ctx
	tx, err := contract.Transact(&opts, updateMethod, batch.Prices, batch.Timestamps, batch.Signatures)
	if err != nil {
		return Result{}, fmt.Errorf("transact update: %w", err)
	}

	s.logger.Info().Str("tx", tx.Hash().Hex()).Int("attestations", batch.Len()).Msg("update submitted")
	return Result{Calldata: data, TxHash: tx.Hash()}, nil
}

func (s *Submitter) getBackend(ctx context.Context) (bind.ContractBackend, error) {
	s.backendMux.Lock()
	defer s.backendMux.Unlock()

	if s.backend != nil {
		return s.backend, nil
	}
	if s.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.backend = client
	return client, nil
}
