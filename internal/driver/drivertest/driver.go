// Package drivertest provides a venue driver whose orders are advanced by
// the test itself.
package drivertest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"ordergate/internal/driver"
	"ordergate/internal/order"
	"ordergate/internal/session"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Driver records submissions and leaves every transition after PENDING_NEW
// to the test. Cancel only moves an order to PENDING_CANCEL; the test
// confirms it with CancelOrder.
type Driver struct {
	Submissions chan *order.Order

	mu      sync.Mutex
	orders  map[order.ID]*order.Order
	cancels []order.ID
	closed  bool
}

func New() *Driver {
	return &Driver{
		Submissions: make(chan *order.Order, 128),
		orders:      make(map[order.ID]*order.Order),
	}
}

func (d *Driver) Submit(info order.Info) *order.Order {
	o := order.New(info)
	d.mu.Lock()
	d.orders[info.ID] = o
	d.mu.Unlock()
	d.Submissions <- o
	return o
}

func (d *Driver) Cancel(_ session.Session, id order.ID) error {
	d.mu.Lock()
	o, ok := d.orders[id]
	d.cancels = append(d.cancels, id)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", driver.ErrOrderNotFound, id)
	}
	return o.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		if order.IsTerminal(last.Status) || last.Status == order.StatusPendingCancel {
			return order.ExecutionReport{}, false, nil
		}
		next, err := order.BuildUpdatedReport(last, order.StatusPendingCancel, time.Now().UTC(), 0, decimal.Zero)
		return next, err == nil, err
	})
}

func (d *Driver) Update(_ session.Session, id order.ID, r order.ExecutionReport) error {
	o, ok := d.Order(id)
	if !ok {
		return fmt.Errorf("%w: %d", driver.ErrOrderNotFound, id)
	}
	return o.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		next, err := order.Continue(last, r)
		return next, err == nil, err
	})
}

func (d *Driver) Recover(record order.Record) (*order.Order, error) {
	o := order.FromRecord(record)
	d.mu.Lock()
	d.orders[record.Info.ID] = o
	d.mu.Unlock()
	return o, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) Order(id order.ID) (*order.Order, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[id]
	return o, ok
}

// Cancels returns the ids Cancel was called with.
func (d *Driver) Cancels() []order.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]order.ID(nil), d.cancels...)
}

// NextSubmission waits for the next order submitted to the driver.
func (d *Driver) NextSubmission(t testing.TB) *order.Order {
	t.Helper()
	select {
	case o := <-d.Submissions:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no order submitted to driver")
		return nil
	}
}

// ExpectNoSubmission fails if an order reaches the driver within wait.
func (d *Driver) ExpectNoSubmission(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case o := <-d.Submissions:
		t.Fatalf("unexpected driver submission %d", o.ID())
	case <-time.After(wait):
	}
}

func Accept(t testing.TB, o *order.Order) {
	t.Helper()
	require.NoError(t, o.Transition(order.StatusNew, time.Now().UTC(), 0, decimal.Zero, ""))
}

func Reject(t testing.TB, o *order.Order, text string) {
	t.Helper()
	require.NoError(t, o.Transition(order.StatusRejected, time.Now().UTC(), 0, decimal.Zero, text))
}

// Fill reports a fill of qty at price, FILLED when it completes the order.
func Fill(t testing.TB, o *order.Order, price decimal.Decimal, qty int64) {
	t.Helper()
	status := order.StatusPartiallyFilled
	if o.LastReport().CumulativeQuantity+qty >= o.Info().Fields.Quantity {
		status = order.StatusFilled
	}
	require.NoError(t, o.Transition(status, time.Now().UTC(), qty, price, ""))
}

// CancelOrder confirms a cancel.
func CancelOrder(t testing.TB, o *order.Order) {
	t.Helper()
	require.NoError(t, o.Transition(order.StatusCanceled, time.Now().UTC(), 0, decimal.Zero, ""))
}

// Reports returns a channel that receives every report of o, replayed
// from the start.
func Reports(o *order.Order) <-chan order.ExecutionReport {
	ch := make(chan order.ExecutionReport, 128)
	o.Monitor(func(r order.ExecutionReport) { ch <- r })
	return ch
}

// ExpectStatus pops the next report from ch and checks its status.
func ExpectStatus(t testing.TB, ch <-chan order.ExecutionReport, status order.Status) order.ExecutionReport {
	t.Helper()
	select {
	case r := <-ch:
		require.Equalf(t, status, r.Status, "report %+v", r)
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no report, expected %s", status)
		return order.ExecutionReport{}
	}
}

// ExpectNoReport fails if ch delivers a report within wait.
func ExpectNoReport(t testing.TB, ch <-chan order.ExecutionReport, wait time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected report %s", r.Status)
	case <-time.After(wait):
	}
}
