package buyingpower

import (
	"errors"
	"fmt"
	"sort"

	"ordergate/internal/order"
	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

var ErrUnknownOrder = errors.New("order not tracked by buying power model")

type orderEntry struct {
	id            order.ID
	fields        order.Fields
	expectedPrice decimal.Decimal
	remaining     int64
}

// securityEntry holds the open orders of one security together with the
// position they have built up so far.
type securityEntry struct {
	asks        []orderEntry
	bids        []orderEntry
	expenditure decimal.Decimal
	quantity    int64
}

func (e *securityEntry) side(s order.Side) *[]orderEntry {
	if s == order.SideAsk {
		return &e.asks
	}
	return &e.bids
}

// Model tracks the buying power consumed by the orders of a single account.
// Opposing orders offset each other: an ask against a long position, or a
// bid against a short one, only costs what exceeds the position.
// A Model is not safe for concurrent use; Tracker serializes access.
type Model struct {
	fields      map[order.ID]order.Fields
	entries     map[security.Security]*securityEntry
	buyingPower map[security.Currency]decimal.Decimal
}

func NewModel() *Model {
	return &Model{
		fields:      make(map[order.ID]order.Fields),
		entries:     make(map[security.Security]*securityEntry),
		buyingPower: make(map[security.Currency]decimal.Decimal),
	}
}

func (m *Model) HasOrder(id order.ID) bool {
	_, ok := m.fields[id]
	return ok
}

// BuyingPower returns the amount used in currency.
func (m *Model) BuyingPower(currency security.Currency) decimal.Decimal {
	if v, ok := m.buyingPower[currency]; ok {
		return v
	}
	return decimal.Zero
}

// Submit accounts for a new order priced at expectedPrice and returns the
// updated buying power of the order's currency.
func (m *Model) Submit(id order.ID, fields order.Fields, expectedPrice decimal.Decimal) decimal.Decimal {
	entry := m.entry(fields.Security)
	used := m.BuyingPower(fields.Currency).Sub(entry.requirement())

	list := entry.side(fields.Side)
	candidate := orderEntry{id: id, fields: fields, expectedPrice: expectedPrice, remaining: fields.Quantity}
	// Asks are kept cheapest first and bids dearest first, so the offset
	// against a position consumes the least valuable orders.
	at := sort.Search(len(*list), func(i int) bool {
		p := (*list)[i].expectedPrice
		if fields.Side == order.SideAsk {
			return !p.LessThan(expectedPrice)
		}
		return !p.GreaterThan(expectedPrice)
	})
	if at < len(*list) && (*list)[at].remaining == 0 {
		(*list)[at] = candidate
	} else {
		*list = append(*list, orderEntry{})
		copy((*list)[at+1:], (*list)[at:])
		(*list)[at] = candidate
	}

	used = used.Add(entry.requirement())
	m.buyingPower[fields.Currency] = used
	if _, ok := m.fields[id]; !ok {
		m.fields[id] = fields
	}
	return used
}

// Update applies an execution report of a tracked order. Acknowledgements
// and pending states carry no fills and leave the model unchanged.
func (m *Model) Update(r order.ExecutionReport) error {
	switch r.Status {
	case order.StatusPendingNew, order.StatusSuspended, order.StatusPendingCancel,
		order.StatusNew, order.StatusDoneForDay:
		return nil
	}
	fields, ok := m.fields[r.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, r.ID)
	}
	entry := m.entry(fields.Security)
	used := m.BuyingPower(fields.Currency).Sub(entry.requirement())

	list := entry.side(fields.Side)
	for i := range *list {
		if (*list)[i].id != r.ID {
			continue
		}
		if order.IsTerminal(r.Status) {
			(*list)[i].remaining = 0
		} else {
			(*list)[i].remaining -= r.LastQuantity
		}
		break
	}

	last := r.LastQuantity
	if (fields.Side == order.SideBid && entry.quantity < 0) ||
		(fields.Side == order.SideAsk && entry.quantity > 0) {
		delta := min(abs(entry.quantity), last)
		average := entry.expenditure.Div(decimal.NewFromInt(entry.quantity))
		entry.expenditure = entry.expenditure.Sub(
			average.Mul(decimal.NewFromInt(fields.Side.Opposite().Direction() * delta)))
		entry.quantity += fields.Side.Direction() * delta
		last -= delta
	}
	entry.quantity += fields.Side.Direction() * last
	entry.expenditure = entry.expenditure.Add(
		r.LastPrice.Mul(decimal.NewFromInt(fields.Side.Direction() * last)))

	m.buyingPower[fields.Currency] = used.Add(entry.requirement())
	return nil
}

func (m *Model) entry(sec security.Security) *securityEntry {
	e, ok := m.entries[sec]
	if !ok {
		e = &securityEntry{}
		m.entries[sec] = e
	}
	return e
}

// requirement is the larger of what the ask side and the bid side would
// cost if every open order filled at its expected price.
func (e *securityEntry) requirement() decimal.Decimal {
	var asks, bids decimal.Decimal
	if e.quantity >= 0 {
		asks = sumOrders(e.asks, e.quantity)
		bids = sumOrders(e.bids, 0).Add(e.expenditure)
	} else {
		asks = sumOrders(e.asks, 0).Sub(e.expenditure)
		bids = sumOrders(e.bids, -e.quantity)
	}
	return decimal.Max(asks, bids)
}

func sumOrders(entries []orderEntry, offset int64) decimal.Decimal {
	total := decimal.Zero
	for _, o := range entries {
		switch {
		case offset == 0:
			total = total.Add(o.expectedPrice.Mul(decimal.NewFromInt(o.remaining)))
		case o.remaining < offset:
			offset -= o.remaining
		default:
			total = total.Add(o.expectedPrice.Mul(decimal.NewFromInt(o.remaining - offset)))
			offset = 0
		}
	}
	return total
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
