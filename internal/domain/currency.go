package domain

import "fmt"

// Currency is immutable reference data used for all amount parsing.
type Currency struct {
	Code    string `json:"code"`    // ISO 4217 alpha code, e.g. "USD"
	Decimals uint8 `json:"decimals"`
	NumCode string `json:"numCode"` // ISO 4217 numeric code, e.g. "840"
}

// CurrencyLookup resolves currencies by code. Implementations are provided
// at construction time; the aggregate never reads process-wide state.
type CurrencyLookup interface {
	CurrencyByCode(code string) (*Currency, bool)
}

// CurrencyList is a static CurrencyLookup backed by a slice.
type CurrencyList struct {
	byCode map[string]Currency
}

// NewCurrencyList builds a lookup from the given currencies.
func NewCurrencyList(currencies []Currency) *CurrencyList {
	byCode := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		byCode[c.Code] = c
	}
	return &CurrencyList{byCode: byCode}
}

// CurrencyByCode returns the currency for a code, if registered.
func (l *CurrencyList) CurrencyByCode(code string) (*Currency, bool) {
	c, ok := l.byCode[code]
	if !ok {
		return nil, false
	}
	return &c, true
}

// DefaultCurrencies returns the built-in currency list used when no external
// configuration source is wired.
func DefaultCurrencies() []Currency {
	return []Currency{
		{Code: "USD", Decimals: 2, NumCode: "840"},
		{Code: "EUR", Decimals: 2, NumCode: "978"},
		{Code: "GBP", Decimals: 2, NumCode: "826"},
		{Code: "JPY", Decimals: 0, NumCode: "392"},
		{Code: "KES", Decimals: 2, NumCode: "404"},
		{Code: "TZS", Decimals: 2, NumCode: "834"},
		{Code: "ZMW", Decimals: 2, NumCode: "967"},
		{Code: "MWK", Decimals: 2, NumCode: "454"},
	}
}

// ParseAmount resolves the currency for code via lookup and converts the
// decimal-string amount to its scaled integer representation.
func ParseAmount(lookup CurrencyLookup, code string, amount string) (*Currency, string, error) {
	currency, ok := lookup.CurrencyByCode(code)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidCurrencyCode, code)
	}
	value, err := ToInteger(amount, currency.Decimals)
	if err != nil {
		return nil, "", err
	}
	// Canonical form: re-rendered with the currency's full precision.
	return currency, ToDecimalString(value, currency.Decimals), nil
}
