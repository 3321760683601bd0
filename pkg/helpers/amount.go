package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(amount int64, decimals uint8) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}

	amountBig := new(big.Int).SetInt64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	var s string
	if frac.Sign() == 0 {
		s = whole.String()
	} else {
		fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
		fracStr = strings.TrimRight(fracStr, "0")
		s = whole.String() + "." + fracStr
	}
	if neg {
		s = "-" + s
	}
	return s
}
