package security

import (
	"sort"
	"strings"
	"sync"
)

// Market is a single entry of the market reference data.
type Market struct {
	Code                 string   `mapstructure:"code" json:"code"`
	DisplayName          string   `mapstructure:"display_name" json:"display_name"`
	Country              Country  `mapstructure:"country" json:"country"`
	Currency             Currency `mapstructure:"currency" json:"currency"`
	PreferredDestination string   `mapstructure:"destination" json:"destination"`
}

// CountryEntry maps a two letter code to its numeric id.
type CountryEntry struct {
	Code string  `mapstructure:"code" json:"code"`
	ID   Country `mapstructure:"id" json:"id"`
}

// MarketDatabase holds market and country reference data. It is built from
// configuration and passed to whatever needs lookups.
type MarketDatabase struct {
	mu        sync.RWMutex
	byCode    map[string]Market
	byDisplay map[string]Market
	countries map[string]Country
}

func NewMarketDatabase(markets []Market, countries []CountryEntry) *MarketDatabase {
	db := &MarketDatabase{
		byCode:    make(map[string]Market, len(markets)),
		byDisplay: make(map[string]Market, len(markets)),
		countries: make(map[string]Country, len(countries)),
	}
	for _, c := range countries {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" || c.ID == CountryNone {
			continue
		}
		db.countries[code] = c.ID
	}
	for _, m := range markets {
		db.Add(m)
	}
	return db
}

// Add inserts or replaces a market.
func (d *MarketDatabase) Add(m Market) {
	m.Code = strings.ToUpper(strings.TrimSpace(m.Code))
	m.DisplayName = strings.ToUpper(strings.TrimSpace(m.DisplayName))
	if m.Code == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byCode[m.Code] = m
	if m.DisplayName != "" {
		d.byDisplay[m.DisplayName] = m
	}
}

func (d *MarketDatabase) FromCode(code string) (Market, bool) {
	if d == nil {
		return Market{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return m, ok
}

func (d *MarketDatabase) FromDisplayName(name string) (Market, bool) {
	if d == nil {
		return Market{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byDisplay[strings.ToUpper(strings.TrimSpace(name))]
	return m, ok
}

// Lookup resolves by market code first, then by display name.
func (d *MarketDatabase) Lookup(text string) (Market, bool) {
	if m, ok := d.FromCode(text); ok {
		return m, true
	}
	return d.FromDisplayName(text)
}

func (d *MarketDatabase) CountryFromCode(code string) (Country, bool) {
	if d == nil {
		return CountryNone, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.countries[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// Markets returns every market ordered by code.
func (d *MarketDatabase) Markets() []Market {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Market, 0, len(d.byCode))
	for _, m := range d.byCode {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Common country ids.
const (
	CountryAU Country = 36
	CountryCA Country = 124
	CountryUS Country = 840
)

// DefaultMarketDatabase returns the fixture used when no markets are configured.
func DefaultMarketDatabase() *MarketDatabase {
	return NewMarketDatabase([]Market{
		{Code: "XTSE", DisplayName: "TSX", Country: CountryCA, Currency: "CAD", PreferredDestination: "TSX"},
		{Code: "XTSX", DisplayName: "TSXV", Country: CountryCA, Currency: "CAD", PreferredDestination: "TSX"},
		{Code: "XASX", DisplayName: "ASX", Country: CountryAU, Currency: "AUD", PreferredDestination: "ASXT"},
		{Code: "XNYS", DisplayName: "NYSE", Country: CountryUS, Currency: "USD", PreferredDestination: "NYSE"},
		{Code: "XNAS", DisplayName: "NSDQ", Country: CountryUS, Currency: "USD", PreferredDestination: "NASDAQ"},
	}, []CountryEntry{
		{Code: "AU", ID: CountryAU},
		{Code: "CA", ID: CountryCA},
		{Code: "US", ID: CountryUS},
	})
}
