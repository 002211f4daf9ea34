package matcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ordergate/internal/order"
	"ordergate/internal/pkg/queue"

	"github.com/shopspring/decimal"
)

// maxOfferPrice is the offer price of a market bid.
var maxOfferPrice = decimal.New(1, 18)

// offerPrice is the price an order is willing to trade at: the limit price,
// or the most aggressive price for a market order.
func offerPrice(f order.Fields) decimal.Decimal {
	if f.Type == order.TypeLimit {
		return f.Price
	}
	if f.Side == order.SideAsk {
		return decimal.Zero
	}
	return maxOfferPrice
}

// better reports whether price a ranks ahead of b on side's book.
func better(side order.Side, a, b decimal.Decimal) bool {
	if side == order.SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// crosses reports whether an incoming order on side at price may match a
// passive order at passive, given the touch on the passive side. A passive
// order must be at or better than the market to be taken internally.
func crosses(side order.Side, price, passive, touch decimal.Decimal) bool {
	if side == order.SideAsk {
		return price.LessThanOrEqual(passive) && passive.GreaterThanOrEqual(touch)
	}
	return passive.LessThanOrEqual(price) && passive.LessThanOrEqual(touch)
}

// entry tracks an order accepted by the matcher together with the driver
// order currently working it at the venue.
type entry struct {
	info  order.Info
	order *order.Order

	// matching is set while the matcher cancels the driver order to take
	// it internally; canceling once the client asked for a cancel.
	matching  atomic.Bool
	canceling atomic.Bool

	mu          sync.Mutex
	driverOrder *order.Order
	pendingNew  bool
	remaining   int64
	isLive      bool
	isTerminal  bool
	live        chan struct{}
	terminal    chan struct{}
}

func newEntry(info order.Info) *entry {
	return &entry{
		info:       info,
		order:      order.New(info),
		pendingNew: true,
		remaining:  info.Fields.Quantity,
		live:       make(chan struct{}),
		terminal:   make(chan struct{}),
	}
}

func (e *entry) remainingQuantity() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remaining
}

func (e *entry) setLive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isLive {
		e.isLive = true
		close(e.live)
	}
}

func (e *entry) setTerminal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isTerminal {
		e.isTerminal = true
		close(e.terminal)
	}
}

// resetDriverState readies the entry for a new driver order.
func (e *entry) resetDriverState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isLive = false
	e.isTerminal = false
	e.live = make(chan struct{})
	e.terminal = make(chan struct{})
}

func (e *entry) waitLive(timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.live
	e.mu.Unlock()
	return wait(ch, timeout)
}

func (e *entry) waitTerminal(timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.terminal
	e.mu.Unlock()
	return wait(ch, timeout)
}

func wait(ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// book holds the resting orders of one security. Bids rank by descending
// price and asks by ascending price, then by timestamp, then by id. All
// matching for the security runs on its queue.
type book struct {
	queue *queue.Serial

	mu   sync.Mutex
	bids []*entry
	asks []*entry
}

func (b *book) side(side order.Side) *[]*entry {
	if side == order.SideBid {
		return &b.bids
	}
	return &b.asks
}

func (b *book) insert(e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.side(e.info.Fields.Side)
	idx := sort.Search(len(*list), func(i int) bool {
		return ranksBefore(e, (*list)[i])
	})
	*list = append(*list, nil)
	copy((*list)[idx+1:], (*list)[idx:])
	(*list)[idx] = e
}

func (b *book) remove(side order.Side, e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.side(side)
	for i, candidate := range *list {
		if candidate == e {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// passive returns a copy of the side an incoming order on side trades
// against.
func (b *book) passive(side order.Side) []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*entry(nil), *b.side(side.Opposite())...)
}

func (b *book) depth() (bids, asks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids), len(b.asks)
}

func ranksBefore(a, b *entry) bool {
	side := a.info.Fields.Side
	pa, pb := offerPrice(a.info.Fields), offerPrice(b.info.Fields)
	if better(side, pa, pb) {
		return true
	}
	if better(side, pb, pa) {
		return false
	}
	if !a.info.Timestamp.Equal(b.info.Timestamp) {
		return a.info.Timestamp.Before(b.info.Timestamp)
	}
	return a.info.ID < b.info.ID
}
