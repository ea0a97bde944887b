package fixedpoint

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// OracleDecimals is the precision the oracle contract stores prices at.
const OracleDecimals int32 = 6

// InvalidPriceError reports a price that cannot become an unsigned fixed-point value.
type InvalidPriceError struct {
	Value  string
	Reason string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %q: %s", e.Value, e.Reason)
}

// Convert scales p by 10^precision and rounds half away from zero.
func Convert(p decimal.Decimal, precision int32) (*big.Int, error) {
	if precision < 0 {
		return nil, fmt.Errorf("precision must not be negative, got %d", precision)
	}
	if p.Sign() < 0 {
		return nil, &InvalidPriceError{Value: p.String(), Reason: "negative"}
	}
	return p.Shift(precision).Round(0).BigInt(), nil
}

// ConvertFloat converts a float sample through its shortest decimal representation.
func ConvertFloat(f float64, precision int32) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &InvalidPriceError{Value: fmt.Sprint(f), Reason: "not finite"}
	}
	return Convert(decimal.NewFromFloat(f), precision)
}

// ConvertString parses decimal text without going through binary floating point.
func ConvertString(s string, precision int32) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	p, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, &InvalidPriceError{Value: trimmed, Reason: err.Error()}
	}
	return Convert(p, precision)
}

// ToDecimal turns a scaled integer back into its decimal value.
func ToDecimal(scaled *big.Int, precision int32) decimal.Decimal {
	if scaled == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(scaled, -precision)
}
