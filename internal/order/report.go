package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrOverfill          = errors.New("fill exceeds order quantity")
	ErrReportSequence    = errors.New("execution report out of sequence")
)

// ExecutionReport is an immutable snapshot of an order's state. Each report
// is derived from the previous one with BuildUpdatedReport.
type ExecutionReport struct {
	ID                 ID              `json:"id"`
	Timestamp          time.Time       `json:"timestamp"`
	Sequence           int             `json:"sequence"`
	Status             Status          `json:"status"`
	LastQuantity       int64           `json:"last_quantity"`
	LastPrice          decimal.Decimal `json:"last_price"`
	CumulativeQuantity int64           `json:"cumulative_quantity"`
	LiquidityFlag      string          `json:"liquidity_flag,omitempty"`
	LastMarket         string          `json:"last_market,omitempty"`
	ExecutionFee       decimal.Decimal `json:"execution_fee"`
	ProcessingFee      decimal.Decimal `json:"processing_fee"`
	Commission         decimal.Decimal `json:"commission"`
	Text               string          `json:"text,omitempty"`
	Tags               []Tag           `json:"tags,omitempty"`
}

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusPendingNew: {
		StatusNew, StatusRejected, StatusPendingCancel, StatusCanceled, StatusExpired,
	},
	StatusNew: {
		StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusRejected,
		StatusPendingCancel, StatusSuspended, StatusDoneForDay,
	},
	StatusPartiallyFilled: {
		StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired,
		StatusPendingCancel, StatusSuspended, StatusDoneForDay,
	},
	StatusPendingCancel: {
		StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired,
	},
	StatusSuspended: {
		StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusPendingCancel,
	},
	StatusDoneForDay: {
		StatusNew, StatusCanceled, StatusExpired,
	},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BuildInitialReport creates the PENDING_NEW report of a new order.
func BuildInitialReport(id ID, ts time.Time) ExecutionReport {
	return ExecutionReport{
		ID:            id,
		Timestamp:     ts,
		Sequence:      0,
		Status:        StatusPendingNew,
		LastPrice:     decimal.Zero,
		ExecutionFee:  decimal.Zero,
		ProcessingFee: decimal.Zero,
		Commission:    decimal.Zero,
	}
}

// BuildUpdatedReport derives the next report in the chain. Fees, text and
// tags are not carried forward; they describe a single report.
func BuildUpdatedReport(prev ExecutionReport, status Status, ts time.Time,
	lastQty int64, lastPrice decimal.Decimal) (ExecutionReport, error) {
	if !CanTransition(prev.Status, status) {
		return ExecutionReport{}, fmt.Errorf("%w: %s -> %s (order %d)", ErrIllegalTransition, prev.Status, status, prev.ID)
	}
	if lastQty < 0 {
		return ExecutionReport{}, fmt.Errorf("%w: negative last quantity %d", ErrOverfill, lastQty)
	}
	return ExecutionReport{
		ID:                 prev.ID,
		Timestamp:          ts,
		Sequence:           prev.Sequence + 1,
		Status:             status,
		LastQuantity:       lastQty,
		LastPrice:          lastPrice,
		CumulativeQuantity: prev.CumulativeQuantity + lastQty,
		ExecutionFee:       decimal.Zero,
		ProcessingFee:      decimal.Zero,
		Commission:         decimal.Zero,
	}, nil
}

// MustBuildUpdatedReport is BuildUpdatedReport for internal paths where an
// illegal transition is a programming error.
func MustBuildUpdatedReport(prev ExecutionReport, status Status, ts time.Time,
	lastQty int64, lastPrice decimal.Decimal) ExecutionReport {
	r, err := BuildUpdatedReport(prev, status, ts, lastQty, lastPrice)
	if err != nil {
		panic(err)
	}
	return r
}

// Continue rebases r (typically a report produced for another order, such as
// a driver order) onto prev so that sequence and cumulative quantity follow
// prev's chain. Descriptive fields of r are kept.
func Continue(prev ExecutionReport, r ExecutionReport) (ExecutionReport, error) {
	next, err := BuildUpdatedReport(prev, r.Status, r.Timestamp, r.LastQuantity, r.LastPrice)
	if err != nil {
		return ExecutionReport{}, err
	}
	next.LiquidityFlag = r.LiquidityFlag
	next.LastMarket = r.LastMarket
	next.ExecutionFee = r.ExecutionFee
	next.ProcessingFee = r.ProcessingFee
	next.Commission = r.Commission
	next.Text = r.Text
	if len(r.Tags) > 0 {
		next.Tags = append([]Tag(nil), r.Tags...)
	}
	return next, nil
}
