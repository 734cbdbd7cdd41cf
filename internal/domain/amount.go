package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount conversion between external decimal strings (e.g. "10.00") and
// internal scaled integers (value * 10^decimals). Scaled values use big.Int
// so aggregated totals never overflow 64 bits.

// ToInteger converts a decimal-string amount into a scaled integer for a
// currency with the given number of decimal places. The amount must be a
// positive decimal with at most `decimals` fractional digits.
func ToInteger(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}

	whole := amount
	frac := ""
	if idx := strings.IndexByte(amount, '.'); idx >= 0 {
		whole = amount[:idx]
		frac = amount[idx+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
	}

	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, amount, decimals)
	}

	// Zero-pad the fraction to the currency precision and scale.
	frac += strings.Repeat("0", int(decimals)-len(frac))

	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return value, nil
}

// ToDecimalString converts a non-negative scaled integer back to its decimal
// string representation, zero-padding the fractional part to exactly
// `decimals` digits.
func ToDecimalString(value *big.Int, decimals uint8) string {
	digits := value.String()
	if decimals == 0 {
		return digits
	}

	d := int(decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	return digits[:len(digits)-d] + "." + digits[len(digits)-d:]
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
