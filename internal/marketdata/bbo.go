package marketdata

import (
	"sync"
	"time"

	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

// Quote is one side of the top of book.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`
}

// Bbo is the best bid and offer of a security.
type Bbo struct {
	Bid       Quote     `json:"bid"`
	Ask       Quote     `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is the read side used by the matcher, the simulated venue and the
// buying power rule.
type Source interface {
	LoadBbo(sec security.Security) (Bbo, bool)
}

// BboListener observes every published quote.
type BboListener func(security.Security, Bbo)

// BboCache keeps the latest BBO per security. Distribution of market data
// is owned elsewhere; the gateway only needs the last value.
type BboCache struct {
	mu        sync.RWMutex
	quotes    map[security.Security]Bbo
	listeners []BboListener
}

func NewBboCache() *BboCache {
	return &BboCache{quotes: make(map[security.Security]Bbo)}
}

func (c *BboCache) PublishBbo(sec security.Security, bbo Bbo) {
	if bbo.Timestamp.IsZero() {
		bbo.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.quotes[sec] = bbo
	listeners := append([]BboListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(sec, bbo)
	}
}

func (c *BboCache) LoadBbo(sec security.Security) (Bbo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bbo, ok := c.quotes[sec]
	return bbo, ok
}

// Subscribe registers fn for quotes published after the call.
func (c *BboCache) Subscribe(fn BboListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// MakeBbo is a convenience for fixtures and the admin endpoint.
func MakeBbo(bid, ask decimal.Decimal, bidSize, askSize int64) Bbo {
	return Bbo{
		Bid: Quote{Price: bid, Size: bidSize},
		Ask: Quote{Price: ask, Size: askSize},
	}
}
