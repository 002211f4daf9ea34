package driver

import (
	"errors"

	"ordergate/internal/order"
	"ordergate/internal/session"
)

const VenueUnavailable = "Venue unavailable."

// Breaker is satisfied by circuit.Breaker.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// Guarded rejects submissions outright while the breaker is open instead of
// queueing them behind an unresponsive venue. A venue acknowledgement counts
// as a success; a rejection before any acknowledgement counts as a failure.
type Guarded struct {
	inner   Driver
	breaker Breaker
}

func NewGuarded(inner Driver, breaker Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Submit(info order.Info) *order.Order {
	if !g.breaker.Allow() {
		return order.BuildRejectedOrder(info, VenueUnavailable)
	}
	o := g.inner.Submit(info)
	settled := false
	o.Monitor(func(r order.ExecutionReport) {
		if settled {
			return
		}
		switch r.Status {
		case order.StatusPendingNew:
			return
		case order.StatusRejected:
			g.breaker.RecordFailure()
		default:
			g.breaker.RecordSuccess()
		}
		settled = true
	})
	return o
}

func (g *Guarded) Cancel(s session.Session, id order.ID) error {
	return g.record(g.inner.Cancel(s, id))
}

func (g *Guarded) Update(s session.Session, id order.ID, r order.ExecutionReport) error {
	return g.record(g.inner.Update(s, id, r))
}

func (g *Guarded) Recover(record order.Record) (*order.Order, error) {
	o, err := g.inner.Recover(record)
	return o, g.record(err)
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

func (g *Guarded) record(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, order.ErrIllegalTransition),
		errors.Is(err, order.ErrReportSequence),
		errors.Is(err, order.ErrOverfill):
		return err
	}
	g.breaker.RecordFailure()
	return err
}
