package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"ordergate/internal/order"
)

// LocalStore keeps everything in memory.
type LocalStore struct {
	mu          sync.Mutex
	submissions []SequencedOrderInfo
	byID        map[order.ID]int
	reports     []SequencedReport
	byOrder     map[order.ID][]order.ExecutionReport
	closed      bool
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		byID:    make(map[order.ID]int),
		byOrder: make(map[order.ID][]order.ExecutionReport),
	}
}

func (s *LocalStore) LoadOrder(_ context.Context, id order.ID) (SequencedOrderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SequencedOrderRecord{}, false, ErrClosed
	}
	idx, ok := s.byID[id]
	if !ok {
		return SequencedOrderRecord{}, false, nil
	}
	return s.recordLocked(s.submissions[idx]), true, nil
}

func (s *LocalStore) LoadOrderSubmissions(_ context.Context, q AccountQuery) ([]SequencedOrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	records := make([]SequencedOrderRecord, 0, len(s.submissions))
	for _, info := range s.submissions {
		if info.Account == q.Account {
			records = append(records, s.recordLocked(info))
		}
	}
	return Select(q, records, recordTimestamp), nil
}

func (s *LocalStore) LoadExecutionReports(_ context.Context, q AccountQuery) ([]SequencedReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return Select(q, s.reports, reportTimestamp), nil
}

// StoreOrder replaces any submission previously stored under the same id.
func (s *LocalStore) StoreOrder(_ context.Context, info SequencedOrderInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if idx, ok := s.byID[info.Value.ID]; ok {
		s.submissions[idx] = info
		return nil
	}
	s.submissions = insertSorted(s.submissions, info)
	s.reindexLocked()
	return nil
}

func (s *LocalStore) StoreReports(_ context.Context, reports []SequencedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, r := range reports {
		s.reports = insertSorted(s.reports, r)
		s.byOrder[r.Value.ID] = append(s.byOrder[r.Value.ID], r.Value)
	}
	return nil
}

func (s *LocalStore) LoadInitialSequences(_ context.Context, account string) (InitialSequences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return InitialSequences{}, ErrClosed
	}
	seqs := InitialSequences{NextOrderSequence: 1, NextReportSequence: 1}
	for _, info := range s.submissions {
		if info.Account == account && info.Sequence >= seqs.NextOrderSequence {
			seqs.NextOrderSequence = info.Sequence + 1
		}
	}
	for _, r := range s.reports {
		if r.Account == account && r.Sequence >= seqs.NextReportSequence {
			seqs.NextReportSequence = r.Sequence + 1
		}
	}
	return seqs, nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LocalStore) recordLocked(info SequencedOrderInfo) SequencedOrderRecord {
	reports := append([]order.ExecutionReport(nil), s.byOrder[info.Value.ID]...)
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].Sequence < reports[j].Sequence })
	return SequencedOrderRecord{
		Value:    order.Record{Info: info.Value, Reports: reports},
		Account:  info.Account,
		Sequence: info.Sequence,
	}
}

func (s *LocalStore) reindexLocked() {
	for i, info := range s.submissions {
		s.byID[info.Value.ID] = i
	}
}

func insertSorted[T any](values []SequencedValue[T], v SequencedValue[T]) []SequencedValue[T] {
	idx := sort.Search(len(values), func(i int) bool { return values[i].Sequence > v.Sequence })
	values = append(values, SequencedValue[T]{})
	copy(values[idx+1:], values[idx:])
	values[idx] = v
	return values
}

func recordTimestamp(r order.Record) time.Time { return r.Info.Timestamp }

func reportTimestamp(r order.ExecutionReport) time.Time { return r.Timestamp }
