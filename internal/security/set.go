package security

import (
	"fmt"
	"strings"
)

// SecuritySet is a predicate over securities holding concrete entries and
// wildcard entries. A set is built once and then only read, so it carries no
// lock.
type SecuritySet struct {
	concrete  map[Security]struct{}
	wildcards []Security
}

func NewSecuritySet(securities ...Security) *SecuritySet {
	s := &SecuritySet{concrete: make(map[Security]struct{})}
	for _, sec := range securities {
		s.Add(sec)
	}
	return s
}

// FullWildcardSet matches every security.
func FullWildcardSet() *SecuritySet {
	return NewSecuritySet(Security{Symbol: Wildcard, Market: Wildcard, Country: CountryNone})
}

// Add stores security as a wildcard entry when any field holds its sentinel,
// otherwise as a concrete entry.
func (s *SecuritySet) Add(security Security) {
	if s.concrete == nil {
		s.concrete = make(map[Security]struct{})
	}
	if security.IsWildcard() {
		for _, w := range s.wildcards {
			if w == security {
				return
			}
		}
		s.wildcards = append(s.wildcards, security)
		return
	}
	s.concrete[security] = struct{}{}
}

func (s *SecuritySet) Contains(security Security) bool {
	if s == nil {
		return false
	}
	if _, ok := s.concrete[security]; ok {
		return true
	}
	for _, w := range s.wildcards {
		if w.Matches(security) {
			return true
		}
	}
	return false
}

func (s *SecuritySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.concrete) + len(s.wildcards)
}

// Securities lists wildcard entries first, then concrete ones.
func (s *SecuritySet) Securities() []Security {
	if s == nil {
		return nil
	}
	out := make([]Security, 0, s.Len())
	out = append(out, s.wildcards...)
	for sec := range s.concrete {
		out = append(out, sec)
	}
	return out
}

// ParseSecuritySet parses every entry with ParseWildcardSecurity.
func ParseSecuritySet(entries []string, markets *MarketDatabase) (*SecuritySet, error) {
	set := NewSecuritySet()
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sec, ok := ParseWildcardSecurity(raw, markets)
		if !ok {
			return nil, fmt.Errorf("invalid security pattern %q", raw)
		}
		set.Add(sec)
	}
	return set, nil
}

// ParseWildcardSecurity parses "SYM.MARKET", "SYM.COUNTRY",
// "SYM.MARKET.COUNTRY" or the full wildcard "*". Any segment may be "*".
// The last segment is tried both as a market and as a country; an input
// that resolves differently under the two readings is rejected as
// ambiguous. Symbols may themselves contain dots.
func ParseWildcardSecurity(text string, markets *MarketDatabase) (Security, bool) {
	text = strings.TrimSpace(text)
	if text == Wildcard {
		return Security{Symbol: Wildcard, Market: Wildcard, Country: CountryNone}, true
	}
	head, tail, ok := splitLast(text)
	if !ok {
		return Security{}, false
	}
	asMarket, marketOK := parseSymbolMarket(head, tail, markets)
	asCountry, countryOK := parseSymbolMarketCountry(head, tail, markets)
	switch {
	case marketOK && countryOK:
		if asMarket == asCountry {
			return asMarket, true
		}
		// "ABX.TSX.*" names a market; it is not a symbol "ABX.TSX".
		if tail == Wildcard {
			return asCountry, true
		}
		return Security{}, false
	case marketOK:
		return asMarket, true
	case countryOK:
		return asCountry, true
	default:
		return Security{}, false
	}
}

func splitLast(text string) (string, string, bool) {
	idx := strings.LastIndex(text, ".")
	if idx <= 0 || idx == len(text)-1 {
		return "", "", false
	}
	return text[:idx], text[idx+1:], true
}

func validSymbol(symbol string) bool {
	if symbol == Wildcard {
		return true
	}
	return symbol != "" && !strings.Contains(symbol, Wildcard)
}

func parseSymbolMarket(symbol, marketText string, markets *MarketDatabase) (Security, bool) {
	if !validSymbol(symbol) {
		return Security{}, false
	}
	if marketText == Wildcard {
		return Security{Symbol: symbol, Market: Wildcard, Country: CountryNone}, true
	}
	market, ok := markets.Lookup(marketText)
	if !ok {
		return Security{}, false
	}
	return Security{Symbol: symbol, Market: market.Code, Country: market.Country}, true
}

func parseSymbolMarketCountry(head, countryText string, markets *MarketDatabase) (Security, bool) {
	country := CountryNone
	if countryText != Wildcard {
		c, ok := markets.CountryFromCode(countryText)
		if !ok {
			return Security{}, false
		}
		country = c
	}
	// SYM.MARKET.COUNTRY, unless the middle segment is not a market at all,
	// in which case the whole head is the symbol of a SYM.COUNTRY pattern.
	if symbol, marketText, ok := splitLast(head); ok && isMarket(marketText, markets) {
		sec, ok := parseSymbolMarket(symbol, marketText, markets)
		if !ok {
			return Security{}, false
		}
		if sec.Market != Wildcard && country != CountryNone && sec.Country != country {
			return Security{}, false
		}
		sec.Country = country
		return sec, true
	}
	if !validSymbol(head) {
		return Security{}, false
	}
	return Security{Symbol: head, Market: Wildcard, Country: country}, true
}

func isMarket(text string, markets *MarketDatabase) bool {
	if text == Wildcard {
		return true
	}
	_, ok := markets.Lookup(text)
	return ok
}
