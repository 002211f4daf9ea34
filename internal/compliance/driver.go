package compliance

import (
	"sync"

	"ordergate/internal/driver"
	"ordergate/internal/order"
	"ordergate/internal/session"

	"github.com/shopspring/decimal"
)

// CheckDriver runs every submission and cancel through the Engine before it
// reaches the wrapped driver. Rejected submissions never reach the driver.
type CheckDriver struct {
	engine *Engine
	inner  driver.Driver

	mu     sync.Mutex
	orders map[order.ID]*order.Order
}

func NewCheckDriver(engine *Engine, inner driver.Driver) *CheckDriver {
	return &CheckDriver{engine: engine, inner: inner, orders: make(map[order.ID]*order.Order)}
}

func (d *CheckDriver) Submit(info order.Info) *order.Order {
	o := order.New(info)
	d.mu.Lock()
	d.orders[info.ID] = o
	d.mu.Unlock()

	if v := d.engine.Submit(o); v != nil {
		if err := o.Transition(order.StatusRejected, info.Timestamp, 0, decimal.Zero, v.Reason); err != nil {
			complianceLog.Errorf("reject order %d: %v", info.ID, err)
		}
		return o
	}
	inner := d.inner.Submit(info)
	driver.Mirror(o, inner, func(err error) {
		complianceLog.Errorf("mirror order %d: %v", info.ID, err)
	})
	return o
}

// Cancel returns the *Violation when a rule blocks the cancel. Orders that
// did not pass through this driver go straight to the wrapped driver.
func (d *CheckDriver) Cancel(s session.Session, id order.ID) error {
	d.mu.Lock()
	o, ok := d.orders[id]
	d.mu.Unlock()
	if ok {
		if v := d.engine.Cancel(s.Account, o); v != nil {
			return v
		}
	}
	return d.inner.Cancel(s, id)
}

func (d *CheckDriver) Update(s session.Session, id order.ID, r order.ExecutionReport) error {
	return d.inner.Update(s, id, r)
}

func (d *CheckDriver) Recover(record order.Record) (*order.Order, error) {
	o, err := d.inner.Recover(record)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.orders[record.Info.ID] = o
	d.mu.Unlock()
	d.engine.Add(o)
	return o, nil
}

func (d *CheckDriver) Close() error {
	return d.inner.Close()
}
