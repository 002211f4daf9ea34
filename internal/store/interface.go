package store

import (
	"context"
	"errors"

	"ordergate/internal/order"
)

var ErrClosed = errors.New("data store closed")

// SequencedValue tags a stored value with the account it is indexed by and
// its position in the store's global sequence.
type SequencedValue[T any] struct {
	Value    T      `json:"value"`
	Account  string `json:"account"`
	Sequence uint64 `json:"sequence"`
}

type (
	SequencedOrderInfo   = SequencedValue[order.Info]
	SequencedOrderRecord = SequencedValue[order.Record]
	SequencedReport      = SequencedValue[order.ExecutionReport]
)

// DataStore persists order submissions and execution reports.
type DataStore interface {
	// LoadOrder returns the submission of id with every report stored for it.
	LoadOrder(ctx context.Context, id order.ID) (SequencedOrderRecord, bool, error)
	// LoadOrderSubmissions returns the records of the query's account in
	// sequence order.
	LoadOrderSubmissions(ctx context.Context, q AccountQuery) ([]SequencedOrderRecord, error)
	// LoadExecutionReports returns the reports of the query's account in
	// sequence order.
	LoadExecutionReports(ctx context.Context, q AccountQuery) ([]SequencedReport, error)
	StoreOrder(ctx context.Context, info SequencedOrderInfo) error
	StoreReports(ctx context.Context, reports []SequencedReport) error
	Close() error
}

// InitialSequences are the next free sequences of an account, used to
// resume sequencing after a restart.
type InitialSequences struct {
	NextOrderSequence  uint64
	NextReportSequence uint64
}

// SequenceLoader is implemented by stores that can resume sequencing.
type SequenceLoader interface {
	LoadInitialSequences(ctx context.Context, account string) (InitialSequences, error)
}
