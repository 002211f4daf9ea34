package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var ErrInvalidQuery = errors.New("invalid query")

// Range bounds a query by sequence and by timestamp. Zero bounds are open.
// A RealTime range also follows values stored after the snapshot.
type Range struct {
	Start     uint64    `json:"start,omitempty"`
	End       uint64    `json:"end,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	RealTime  bool      `json:"real_time,omitempty"`
}

func (r Range) Contains(sequence uint64, ts time.Time) bool {
	if sequence < r.Start {
		return false
	}
	if r.End != 0 && sequence > r.End {
		return false
	}
	if !r.StartTime.IsZero() && ts.Before(r.StartTime) {
		return false
	}
	if !r.EndTime.IsZero() && ts.After(r.EndTime) {
		return false
	}
	return true
}

type LimitType string

const (
	LimitHead LimitType = "HEAD"
	LimitTail LimitType = "TAIL"
)

// SnapshotLimit caps the snapshot to the first (HEAD) or last (TAIL) Size
// values. A zero Size is unlimited.
type SnapshotLimit struct {
	Type LimitType `json:"type,omitempty"`
	Size int       `json:"size,omitempty"`
}

type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "le"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "ge"
	OpIn           Operator = "in"
)

// Condition tests the JSON value at Path, a gjson path such as
// "info.fields.security.symbol" or "status".
type Condition struct {
	Path  string   `json:"path"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Filter is a conjunction of conditions.
type Filter []Condition

// AccountQuery selects the values indexed by one account.
type AccountQuery struct {
	Account string        `json:"account"`
	Range   Range         `json:"range"`
	Limit   SnapshotLimit `json:"limit"`
	Filter  Filter        `json:"filter,omitempty"`
}

func (q AccountQuery) Validate() error {
	if strings.TrimSpace(q.Account) == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidQuery)
	}
	if q.Range.End != 0 && q.Range.End < q.Range.Start {
		return fmt.Errorf("%w: range end %d precedes start %d", ErrInvalidQuery, q.Range.End, q.Range.Start)
	}
	switch q.Limit.Type {
	case "", LimitHead, LimitTail:
	default:
		return fmt.Errorf("%w: unknown snapshot limit %q", ErrInvalidQuery, q.Limit.Type)
	}
	if q.Limit.Size < 0 {
		return fmt.Errorf("%w: negative snapshot limit %d", ErrInvalidQuery, q.Limit.Size)
	}
	for i, c := range q.Filter {
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("%w: filter[%d] path is required", ErrInvalidQuery, i)
		}
		switch c.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("%w: filter[%d] %s needs a list value", ErrInvalidQuery, i, c.Op)
			}
		default:
			return fmt.Errorf("%w: filter[%d] unknown operator %q", ErrInvalidQuery, i, c.Op)
		}
	}
	return nil
}

// Match reports whether the JSON encoding of v satisfies every condition.
func (f Filter) Match(v any) bool {
	if len(f) == 0 {
		return true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return f.MatchJSON(raw)
}

func (f Filter) MatchJSON(raw []byte) bool {
	for _, c := range f {
		if !c.match(gjson.GetBytes(raw, c.Path)) {
			return false
		}
	}
	return true
}

func (c Condition) match(res gjson.Result) bool {
	if !res.Exists() {
		return c.Op == OpNotEqual
	}
	if c.Op == OpIn {
		list, _ := c.Value.([]any)
		for _, item := range list {
			if compare(res, item) == 0 {
				return true
			}
		}
		return false
	}
	cmp := compare(res, c.Value)
	switch c.Op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// compare orders res against want numerically when both read as numbers
// (prices are encoded as strings) and as text otherwise.
func compare(res gjson.Result, want any) int {
	got := res.String()
	text := fmt.Sprint(want)
	a, errA := decimal.NewFromString(got)
	b, errB := decimal.NewFromString(text)
	if errA == nil && errB == nil {
		return a.Cmp(b)
	}
	return strings.Compare(got, text)
}

// Select applies q's range, filter and snapshot limit to values, which
// must be in sequence order.
func Select[T any](q AccountQuery, values []SequencedValue[T], timestamp func(T) time.Time) []SequencedValue[T] {
	out := make([]SequencedValue[T], 0, len(values))
	for _, v := range values {
		if v.Account != q.Account || !q.Range.Contains(v.Sequence, timestamp(v.Value)) {
			continue
		}
		if !q.Filter.Match(v.Value) {
			continue
		}
		out = append(out, v)
	}
	return applyLimit(q.Limit, out)
}

func applyLimit[T any](l SnapshotLimit, values []SequencedValue[T]) []SequencedValue[T] {
	if l.Size == 0 || len(values) <= l.Size {
		return values
	}
	if l.Type == LimitTail {
		return values[len(values)-l.Size:]
	}
	return values[:l.Size]
}
