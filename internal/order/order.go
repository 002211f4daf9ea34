package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Monitor receives execution reports in the order they were appended.
// Monitors run with the order locked and must not call back into the same
// order; hand work off to a queue instead.
type Monitor func(ExecutionReport)

// Order owns an OrderInfo and its append-only report chain. The current
// status is the status of the last report.
type Order struct {
	info Info

	mu       sync.Mutex
	reports  []ExecutionReport
	monitors []Monitor
}

// New creates an order whose chain starts with the PENDING_NEW report.
func New(info Info) *Order {
	return &Order{
		info:    info,
		reports: []ExecutionReport{BuildInitialReport(info.ID, info.Timestamp)},
	}
}

// FromRecord rebuilds an order from persisted reports. An empty report list
// is treated as a freshly submitted order.
func FromRecord(record Record) *Order {
	if len(record.Reports) == 0 {
		return New(record.Info)
	}
	return &Order{
		info:    record.Info,
		reports: append([]ExecutionReport(nil), record.Reports...),
	}
}

// BuildRejectedOrder returns an order already in the REJECTED state.
func BuildRejectedOrder(info Info, reason string) *Order {
	o := New(info)
	r := MustBuildUpdatedReport(o.reports[0], StatusRejected, info.Timestamp, 0, decimal.Zero)
	r.Text = reason
	o.reports = append(o.reports, r)
	return o
}

func (o *Order) Info() Info {
	return o.info
}

func (o *Order) ID() ID {
	return o.info.ID
}

func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reports[len(o.reports)-1].Status
}

func (o *Order) LastReport() ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reports[len(o.reports)-1]
}

func (o *Order) Reports() []ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ExecutionReport(nil), o.reports...)
}

func (o *Order) Record() Record {
	return Record{Info: o.info, Reports: o.Reports()}
}

// Monitor replays the existing reports to fn and then delivers every later
// report, without gaps or duplicates.
func (o *Order) Monitor(fn Monitor) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.reports {
		fn(r)
	}
	o.monitors = append(o.monitors, fn)
}

// Update appends r after validating it against the chain.
func (o *Order) Update(r ExecutionReport) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.appendLocked(r)
}

// With builds the next report from the current last report and appends it
// atomically. Returning ok=false from build appends nothing.
func (o *Order) With(build func(last ExecutionReport) (ExecutionReport, bool, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, ok, err := build(o.reports[len(o.reports)-1])
	if err != nil || !ok {
		return err
	}
	return o.appendLocked(next)
}

// Transition appends a report for status with the given fill.
func (o *Order) Transition(status Status, ts time.Time, lastQty int64, lastPrice decimal.Decimal, text string) error {
	return o.With(func(last ExecutionReport) (ExecutionReport, bool, error) {
		next, err := BuildUpdatedReport(last, status, ts, lastQty, lastPrice)
		if err != nil {
			return ExecutionReport{}, false, err
		}
		next.Text = text
		return next, true, nil
	})
}

func (o *Order) appendLocked(r ExecutionReport) error {
	last := o.reports[len(o.reports)-1]
	if r.ID != o.info.ID {
		return fmt.Errorf("%w: report for order %d applied to order %d", ErrReportSequence, r.ID, o.info.ID)
	}
	if r.Sequence != last.Sequence+1 {
		return fmt.Errorf("%w: order %d expected sequence %d, got %d", ErrReportSequence, o.info.ID, last.Sequence+1, r.Sequence)
	}
	if !CanTransition(last.Status, r.Status) {
		return fmt.Errorf("%w: %s -> %s (order %d)", ErrIllegalTransition, last.Status, r.Status, o.info.ID)
	}
	if r.LastQuantity < 0 || r.CumulativeQuantity != last.CumulativeQuantity+r.LastQuantity {
		return fmt.Errorf("%w: order %d cumulative %d does not follow %d+%d", ErrReportSequence, o.info.ID,
			r.CumulativeQuantity, last.CumulativeQuantity, r.LastQuantity)
	}
	if r.CumulativeQuantity > o.info.Fields.Quantity {
		return fmt.Errorf("%w: order %d filled %d of %d", ErrOverfill, o.info.ID, r.CumulativeQuantity, o.info.Fields.Quantity)
	}
	o.reports = append(o.reports, r)
	for _, fn := range o.monitors {
		fn(r)
	}
	return nil
}
