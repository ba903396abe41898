package escrow

import (
	"math/big"
	"strings"
)

// Prices are fixed-point with two decimals, carried as strings end to
// end so no float ever touches money. Sums are currency-naive: the
// settlement aggregator adds prices without conversion.

const amountDecimals = 2

func parseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Sub-cent digits are rejected, not truncated: "1.999" is not a
	// price this system can represent.
	if len(frac) > amountDecimals {
		return nil, false
	}
	for len(frac) < amountDecimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < amountDecimals+1 {
		s = "0" + s
	}
	decimal := len(s) - amountDecimals
	out := s[:decimal] + "." + s[decimal:]
	if neg {
		out = "-" + out
	}
	return out
}
