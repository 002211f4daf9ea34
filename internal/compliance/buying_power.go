package compliance

import (
	"errors"

	"ordergate/internal/buyingpower"
	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

var complianceLog = logger.With("compliance")

// BuyingPower caps the buying power consumed by open orders and positions
// in one currency. Orders in other currencies are not counted.
type BuyingPower struct {
	currency security.Currency
	limit    decimal.Decimal
	quotes   marketdata.Source
	tracker  *buyingpower.Tracker
}

func NewBuyingPower(currency security.Currency, limit decimal.Decimal, quotes marketdata.Source) *BuyingPower {
	return &BuyingPower{
		currency: currency,
		limit:    limit,
		quotes:   quotes,
		tracker:  buyingpower.NewTracker(),
	}
}

func (r *BuyingPower) Submit(o *order.Order) *Violation {
	info := o.Info()
	if info.Fields.Currency != r.currency {
		return nil
	}
	price, v := r.expectedPrice(info.Fields)
	if v != nil {
		return v
	}
	used := r.tracker.Submit(info.ID, info.Fields, price)
	if used.GreaterThan(r.limit) {
		r.update(order.ExecutionReport{ID: info.ID, Status: order.StatusRejected})
		return violate(ReasonBuyingPowerExceeded)
	}
	r.monitor(o)
	return nil
}

func (r *BuyingPower) Cancel(*order.Order) *Violation { return nil }

// Add counts an order that bypassed Submit. Orders that cannot be priced
// are skipped.
func (r *BuyingPower) Add(o *order.Order) {
	info := o.Info()
	if info.Fields.Currency != r.currency || r.tracker.HasOrder(info.ID) {
		return
	}
	price, v := r.expectedPrice(info.Fields)
	if v != nil {
		price = info.Fields.Price
		if !price.IsPositive() {
			return
		}
	}
	r.tracker.Submit(info.ID, info.Fields, price)
	r.monitor(o)
}

// Used returns the buying power currently consumed by account.
func (r *BuyingPower) Used(account string) decimal.Decimal {
	return r.tracker.BuyingPower(account, r.currency)
}

func (r *BuyingPower) monitor(o *order.Order) {
	o.Monitor(r.update)
}

func (r *BuyingPower) update(report order.ExecutionReport) {
	if _, err := r.tracker.Update(report); err != nil && !errors.Is(err, buyingpower.ErrUnknownOrder) {
		complianceLog.Warnf("buying power update order=%d: %v", report.ID, err)
	}
}

// expectedPrice prices an order against the current BBO: limit orders at
// the better of their limit and the touch, market orders at the touch.
func (r *BuyingPower) expectedPrice(fields order.Fields) (decimal.Decimal, *Violation) {
	bbo, ok := r.quotes.LoadBbo(fields.Security)
	if !ok {
		return decimal.Zero, violate(ReasonNoBbo)
	}
	var price decimal.Decimal
	switch {
	case fields.Type == order.TypeLimit:
		if !fields.Price.IsPositive() {
			return decimal.Zero, violate(ReasonInvalidPrice)
		}
		if fields.Side == order.SideAsk {
			price = decimal.Max(bbo.Bid.Price, fields.Price)
		} else if bbo.Ask.Price.IsPositive() {
			price = decimal.Min(bbo.Ask.Price, fields.Price)
		} else {
			price = fields.Price
		}
	case fields.Side == order.SideAsk:
		price = bbo.Bid.Price
	default:
		price = bbo.Ask.Price
	}
	if !price.IsPositive() {
		return decimal.Zero, violate(ReasonInvalidPrice)
	}
	return price, nil
}
