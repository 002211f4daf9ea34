package security

import (
	"fmt"
	"strings"
)

// Country is an ISO 3166 numeric country code. CountryNone doubles as the
// wildcard sentinel inside a SecuritySet.
type Country uint16

const CountryNone Country = 0

// Currency is an ISO 4217 alphabetic code such as "CAD".
type Currency string

const CurrencyNone Currency = ""

// Wildcard is the sentinel for the symbol and market fields.
const Wildcard = "*"

// Security identifies a tradable instrument.
type Security struct {
	Symbol  string  `json:"symbol"`
	Market  string  `json:"market"`
	Country Country `json:"country"`
}

func New(symbol, market string, country Country) Security {
	return Security{Symbol: symbol, Market: market, Country: country}
}

// IsWildcard reports whether any field carries its wildcard sentinel.
func (s Security) IsWildcard() bool {
	return s.Symbol == Wildcard || s.Market == Wildcard || s.Country == CountryNone
}

// IsZero reports whether the security is unset.
func (s Security) IsZero() bool {
	return s.Symbol == "" && s.Market == "" && s.Country == CountryNone
}

// Matches reports whether s matches target, treating wildcard fields of s as
// matching any value.
func (s Security) Matches(target Security) bool {
	if s.Symbol != Wildcard && s.Symbol != target.Symbol {
		return false
	}
	if s.Market != Wildcard && s.Market != target.Market {
		return false
	}
	if s.Country != CountryNone && s.Country != target.Country {
		return false
	}
	return true
}

func (s Security) String() string {
	if s.Market == "" {
		return s.Symbol
	}
	return s.Symbol + "." + s.Market
}

// ParseSecurity parses a concrete "SYMBOL.MARKET" string, where MARKET is
// either a market code or its display name. The symbol may contain dots.
func ParseSecurity(text string, markets *MarketDatabase) (Security, error) {
	text = strings.TrimSpace(text)
	idx := strings.LastIndex(text, ".")
	if idx <= 0 || idx == len(text)-1 {
		return Security{}, fmt.Errorf("malformed security %q", text)
	}
	symbol, suffix := text[:idx], text[idx+1:]
	market, ok := markets.Lookup(suffix)
	if !ok {
		return Security{}, fmt.Errorf("unknown market %q in security %q", suffix, text)
	}
	return Security{Symbol: symbol, Market: market.Code, Country: market.Country}, nil
}
