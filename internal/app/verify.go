package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"price-attestor/internal/attestation"
	"price-attestor/internal/fixedpoint"
	"price-attestor/internal/signer"
)

// ErrVerificationFailed is returned when any attestation in a batch does not
// recover to the expected signer.
var ErrVerificationFailed = errors.New("batch verification failed")

// Verify checks every signature of a batch document produced by Sign.
// Both the bare batch and the full sign output are accepted.
func (a *App) Verify(opts VerifyOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Input == nil {
		return errors.New("no input")
	}

	raw, err := io.ReadAll(opts.Input)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	batch, err := decodeBatchDocument(raw)
	if err != nil {
		return err
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	expected := batch.Signer
	if opts.Expected != "" {
		if !common.IsHexAddress(opts.Expected) {
			return fmt.Errorf("invalid address %q", opts.Expected)
		}
		expected = common.HexToAddress(opts.Expected)
	}
	if expected == (common.Address{}) {
		return errors.New("no signer in batch; pass --address")
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Index\tPrice\tTimestamp (UTC)\tRecovered\tOK")

	failed := 0
	for i := 0; i < batch.Len(); i++ {
		att := batch.Attestation(i)
		recovered, ok := verifyOne(batch.MarketID, att, expected)
		if !ok {
			failed++
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%t\n",
			i,
			fixedpoint.ToDecimal(att.Price, fixedpoint.OracleDecimals).String(),
			time.Unix(int64(att.Timestamp), 0).UTC().Format(time.RFC3339),
			recovered,
			ok,
		)
	}
	writer.Flush()

	a.Logger.Info().Int("attestations", batch.Len()).Int("failed", failed).Str("expected", expected.Hex()).Msg("batch verified")
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d signatures invalid", ErrVerificationFailed, failed, batch.Len())
	}
	return nil
}

func verifyOne(id attestation.MarketID, att attestation.Attestation, expected common.Address) (string, bool) {
	encoded, err := attestation.Encode(att.Price, att.Timestamp, id)
	if err != nil {
		return "encode: " + err.Error(), false
	}
	addr, err := signer.Recover(encoded, att.Signature)
	if err != nil {
		return "recover: " + err.Error(), false
	}
	return addr.Hex(), addr == expected
}

func decodeBatchDocument(raw []byte) (*attestation.Batch, error) {
	var wrapped struct {
		Batch json.RawMessage `json:"batch"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if len(wrapped.Batch) > 0 {
		raw = wrapped.Batch
	}

	var batch attestation.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &batch, nil
}
