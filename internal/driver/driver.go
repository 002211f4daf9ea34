package driver

import (
	"errors"

	"ordergate/internal/order"
	"ordergate/internal/session"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrClosed        = errors.New("driver closed")
)

// Driver executes orders against a venue or wraps another Driver.
//
// Submit never fails: problems are reported through the returned order's
// report chain, typically as REJECTED. Cancel and Update address orders by
// the id the caller submitted them with.
type Driver interface {
	Submit(info order.Info) *order.Order
	Cancel(s session.Session, id order.ID) error
	Update(s session.Session, id order.ID, r order.ExecutionReport) error
	Recover(record order.Record) (*order.Order, error)
	Close() error
}

// Mirror appends every report of src after PENDING_NEW to dst, rebased onto
// dst's chain. dst and src must not be the same order.
func Mirror(dst, src *order.Order, onError func(error)) {
	src.Monitor(func(r order.ExecutionReport) {
		if r.Status == order.StatusPendingNew {
			return
		}
		err := dst.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
			next, err := order.Continue(last, r)
			return next, err == nil, err
		})
		if err != nil && onError != nil {
			onError(err)
		}
	})
}
