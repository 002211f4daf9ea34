package store

import (
	"context"
	"fmt"
	"sync"

	"ordergate/internal/order"
)

type OperationKind int

const (
	OpLoadOrder OperationKind = iota + 1
	OpLoadOrderSubmissions
	OpLoadExecutionReports
	OpStoreOrder
	OpStoreReports
)

func (k OperationKind) String() string {
	switch k {
	case OpLoadOrder:
		return "LoadOrder"
	case OpLoadOrderSubmissions:
		return "LoadOrderSubmissions"
	case OpLoadExecutionReports:
		return "LoadExecutionReports"
	case OpStoreOrder:
		return "StoreOrder"
	case OpStoreReports:
		return "StoreReports"
	default:
		return fmt.Sprintf("Operation(%d)", int(k))
	}
}

// Result is the outcome of an Operation. Only the fields of the operation's
// kind are read.
type Result struct {
	Record  SequencedOrderRecord
	Found   bool
	Records []SequencedOrderRecord
	Reports []SequencedReport
	Err     error
}

// Operation is one supervised store call. The caller stays blocked until
// the operation is resolved.
type Operation struct {
	Sequence uint64
	Kind     OperationKind

	OrderID order.ID
	Query   AccountQuery
	Info    SequencedOrderInfo
	Reports []SequencedReport

	once   sync.Once
	result chan Result
}

// Resolve completes the operation. Only the first resolution counts.
func (op *Operation) Resolve(r Result) bool {
	resolved := false
	op.once.Do(func() {
		op.result <- r
		resolved = true
	})
	return resolved
}

func (op *Operation) Fail(err error) bool {
	return op.Resolve(Result{Err: err})
}

// Forward runs the operation against ds and resolves it with the outcome.
func (op *Operation) Forward(ctx context.Context, ds DataStore) bool {
	return op.Resolve(op.run(ctx, ds))
}

func (op *Operation) run(ctx context.Context, ds DataStore) Result {
	var r Result
	switch op.Kind {
	case OpLoadOrder:
		r.Record, r.Found, r.Err = ds.LoadOrder(ctx, op.OrderID)
	case OpLoadOrderSubmissions:
		r.Records, r.Err = ds.LoadOrderSubmissions(ctx, op.Query)
	case OpLoadExecutionReports:
		r.Reports, r.Err = ds.LoadExecutionReports(ctx, op.Query)
	case OpStoreOrder:
		r.Err = ds.StoreOrder(ctx, op.Info)
	case OpStoreReports:
		r.Err = ds.StoreReports(ctx, op.Reports)
	default:
		r.Err = fmt.Errorf("unknown operation %s", op.Kind)
	}
	return r
}

// SupervisedStore wraps a DataStore. Unsupervised, calls go straight to the
// wrapped store. Supervised, every call is numbered, published on
// Operations and held until something resolves it, which lets tests
// complete concurrent store calls in any order.
type SupervisedStore struct {
	underlying DataStore
	ops        chan *Operation

	mu         sync.Mutex
	supervised bool

	pubMu sync.Mutex
	next  uint64

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func NewSupervisedStore(underlying DataStore, buffer int) *SupervisedStore {
	if buffer <= 0 {
		buffer = 64
	}
	return &SupervisedStore{
		underlying: underlying,
		ops:        make(chan *Operation, buffer),
		done:       make(chan struct{}),
	}
}

// SetSupervised switches mode. Calls already dispatched finish in the mode
// they started in.
func (s *SupervisedStore) SetSupervised(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supervised = on
}

func (s *SupervisedStore) IsSupervised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervised
}

// Operations delivers supervised operations in sequence order.
func (s *SupervisedStore) Operations() <-chan *Operation {
	return s.ops
}

func (s *SupervisedStore) LoadOrder(ctx context.Context, id order.ID) (SequencedOrderRecord, bool, error) {
	r := s.dispatch(ctx, &Operation{Kind: OpLoadOrder, OrderID: id})
	return r.Record, r.Found, r.Err
}

func (s *SupervisedStore) LoadOrderSubmissions(ctx context.Context, q AccountQuery) ([]SequencedOrderRecord, error) {
	r := s.dispatch(ctx, &Operation{Kind: OpLoadOrderSubmissions, Query: q})
	return r.Records, r.Err
}

func (s *SupervisedStore) LoadExecutionReports(ctx context.Context, q AccountQuery) ([]SequencedReport, error) {
	r := s.dispatch(ctx, &Operation{Kind: OpLoadExecutionReports, Query: q})
	return r.Reports, r.Err
}

func (s *SupervisedStore) StoreOrder(ctx context.Context, info SequencedOrderInfo) error {
	return s.dispatch(ctx, &Operation{Kind: OpStoreOrder, Info: info}).Err
}

func (s *SupervisedStore) StoreReports(ctx context.Context, reports []SequencedReport) error {
	return s.dispatch(ctx, &Operation{Kind: OpStoreReports, Reports: reports}).Err
}

// LoadInitialSequences is never supervised.
func (s *SupervisedStore) LoadInitialSequences(ctx context.Context, account string) (InitialSequences, error) {
	loader, ok := s.underlying.(SequenceLoader)
	if !ok {
		return InitialSequences{NextOrderSequence: 1, NextReportSequence: 1}, nil
	}
	return loader.LoadInitialSequences(ctx, account)
}

// Close closes the wrapped store once. Operations still pending stay
// resolvable and their callers keep waiting for them.
func (s *SupervisedStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.underlying.Close()
	})
	return s.closeErr
}

func (s *SupervisedStore) dispatch(ctx context.Context, op *Operation) Result {
	if !s.IsSupervised() {
		return op.run(ctx, s.underlying)
	}
	op.result = make(chan Result, 1)
	if err := s.publish(ctx, op); err != nil {
		return Result{Err: err}
	}
	select {
	case r := <-op.result:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (s *SupervisedStore) publish(ctx context.Context, op *Operation) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.next++
	op.Sequence = s.next
	select {
	case s.ops <- op:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
