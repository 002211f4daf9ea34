package servlet

import (
	"errors"
	"sync"

	"ordergate/internal/store"
)

// ErrSlowSubscriber closes a subscription whose buffer filled up.
var ErrSlowSubscriber = errors.New("subscriber fell behind")

// Subscription is a live feed of one account's sequenced values, starting
// right after the snapshot it was returned with.
type Subscription[T any] struct {
	ch     chan store.SequencedValue[T]
	filter store.Filter
	end    uint64

	once   sync.Once
	err    error
	cancel func()
}

func newSubscription[T any](q store.AccountQuery, buffer int) *Subscription[T] {
	return &Subscription[T]{
		ch:     make(chan store.SequencedValue[T], buffer),
		filter: q.Filter,
		end:    q.Range.End,
	}
}

// Updates is closed when the subscription ends.
func (s *Subscription[T]) Updates() <-chan store.SequencedValue[T] {
	return s.ch
}

// Err reports why the subscription ended, nil for Close.
func (s *Subscription[T]) Err() error {
	return s.err
}

// Close ends the subscription.
func (s *Subscription[T]) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// offer runs under the account's publish lock. It returns false once the
// subscription is finished and should be dropped.
func (s *Subscription[T]) offer(v store.SequencedValue[T]) bool {
	if s.end != 0 && v.Sequence > s.end {
		s.finish(nil)
		return false
	}
	if !s.filter.Match(v.Value) {
		return true
	}
	select {
	case s.ch <- v:
		return true
	default:
		s.finish(ErrSlowSubscriber)
		return false
	}
}

// finish runs under the account's publish lock.
func (s *Subscription[T]) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// QueryResult is a snapshot plus, for real-time queries, the live feed that
// continues it without gaps or duplicates.
type QueryResult[T any] struct {
	Snapshot     []store.SequencedValue[T]
	Subscription *Subscription[T]
}

func publishTo[T any](subs []*Subscription[T], v store.SequencedValue[T]) []*Subscription[T] {
	kept := subs[:0]
	for _, sub := range subs {
		if sub.offer(v) {
			kept = append(kept, sub)
		}
	}
	for i := len(kept); i < len(subs); i++ {
		subs[i] = nil
	}
	return kept
}

func removeSubscription[T any](subs []*Subscription[T], target *Subscription[T]) []*Subscription[T] {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
