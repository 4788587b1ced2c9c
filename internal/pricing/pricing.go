// Package pricing converts endpoint prices (USD minor units) into on-chain
// atomic amounts. The conversion source is pluggable; quotes only ever see
// the Func.
package pricing

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/tollgatehq/tollgate/internal/x402"
)

// Func computes the atomic amount a quote demands for a price in cents.
type Func func(cents int64, token x402.PayToken) (*big.Int, error)

var weiPerUnit = decimal.New(1, 18)

// FixedRate returns a Func using a constant USD-per-native-unit rate.
// usdPerUnit is e.g. "1000" when 1 native unit trades at $1000 (so $1 buys
// 0.001 units). Token amounts assume 18-decimal, dollar-pegged contracts.
func FixedRate(usdPerUnit string) (Func, error) {
	rate, err := decimal.NewFromString(usdPerUnit)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", usdPerUnit, err)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %s", rate)
	}

	return func(cents int64, token x402.PayToken) (*big.Int, error) {
		if cents <= 0 {
			return nil, fmt.Errorf("price must be positive, got %d cents", cents)
		}
		usd := decimal.New(cents, -2)

		var units decimal.Decimal
		if token.Native() {
			units = usd.Div(rate)
		} else {
			// Stable-value tokens quote 1:1 with USD.
			units = usd
		}

		wei := units.Mul(weiPerUnit).Floor()
		out, ok := new(big.Int).SetString(wei.String(), 10)
		if !ok {
			return nil, fmt.Errorf("amount %s is not an integer", wei)
		}
		return out, nil
	}, nil
}
