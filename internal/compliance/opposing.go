package compliance

import (
	"sync"
	"time"

	"ordergate/internal/order"
	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

type lastCancel struct {
	at    time.Time
	price decimal.Decimal
}

type cancelSides struct {
	ask, bid *lastCancel
}

// OpposingOrderSubmission blocks a submission that would trade against the
// price of an opposite-side limit order canceled less than timeout ago.
// Only cancels of orders the rule has seen are recorded.
type OpposingOrderSubmission struct {
	timeout time.Duration
	offset  decimal.Decimal
	now     func() time.Time

	mu      sync.Mutex
	seen    map[order.ID]struct{}
	cancels map[security.Security]*cancelSides
}

func NewOpposingOrderSubmission(timeout time.Duration, offset decimal.Decimal, now func() time.Time) *OpposingOrderSubmission {
	if now == nil {
		now = time.Now
	}
	return &OpposingOrderSubmission{
		timeout: timeout,
		offset:  offset,
		now:     now,
		seen:    make(map[order.ID]struct{}),
		cancels: make(map[security.Security]*cancelSides),
	}
}

func (r *OpposingOrderSubmission) Submit(o *order.Order) *Violation {
	fields := o.Info().Fields
	if fields.Type != order.TypeLimit && fields.Type != order.TypeMarket {
		r.Add(o)
		return nil
	}
	price := submissionPrice(fields)
	cutoff := r.now().Add(-r.timeout)

	r.mu.Lock()
	var blocked bool
	if sides, ok := r.cancels[fields.Security]; ok {
		if fields.Side == order.SideBid {
			blocked = sides.ask != nil && !sides.ask.at.Before(cutoff) &&
				price.GreaterThanOrEqual(sides.ask.price.Sub(r.offset))
		} else {
			blocked = sides.bid != nil && !sides.bid.at.Before(cutoff) &&
				price.LessThanOrEqual(sides.bid.price.Add(r.offset))
		}
	}
	r.mu.Unlock()
	if blocked {
		return violate(ReasonOpposingOrder)
	}
	r.Add(o)
	return nil
}

func (r *OpposingOrderSubmission) Cancel(*order.Order) *Violation { return nil }

func (r *OpposingOrderSubmission) Add(o *order.Order) {
	info := o.Info()
	r.mu.Lock()
	if _, ok := r.seen[info.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.seen[info.ID] = struct{}{}
	r.mu.Unlock()
	if info.Fields.Type != order.TypeLimit {
		return
	}
	o.Monitor(func(report order.ExecutionReport) {
		if report.Status != order.StatusCanceled {
			return
		}
		r.recordCancel(info.Fields.Security, info.Fields.Side, info.Fields.Price, report.Timestamp)
	})
}

func (r *OpposingOrderSubmission) recordCancel(sec security.Security, side order.Side, price decimal.Decimal, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sides, ok := r.cancels[sec]
	if !ok {
		sides = &cancelSides{}
		r.cancels[sec] = sides
	}
	last := &sides.bid
	if side == order.SideAsk {
		last = &sides.ask
	}
	if *last == nil || !at.Before((*last).at) {
		*last = &lastCancel{at: at, price: price}
	}
}

// submissionPrice treats a market ask as priced at zero and a market bid as
// unbounded.
func submissionPrice(fields order.Fields) decimal.Decimal {
	if fields.Type == order.TypeLimit {
		return fields.Price
	}
	if fields.Side == order.SideAsk {
		return decimal.Zero
	}
	return maxPrice
}

var maxPrice = decimal.New(1, 18)
