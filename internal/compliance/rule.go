package compliance

import (
	"time"

	"ordergate/internal/order"
	"ordergate/internal/security"
)

const (
	ReasonSymbolRestricted    = "Submissions not allowed for this symbol."
	ReasonBuyingPowerExceeded = "Order exceeds available buying power."
	ReasonNoBbo               = "No BBO quote available."
	ReasonInvalidPrice        = "Invalid price."
	ReasonOpposingOrder       = "Opposing order can not be submitted yet."
)

// Violation is the result of a failed check. A nil *Violation means the
// order passed.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string {
	return v.Reason
}

func violate(reason string) *Violation {
	return &Violation{Reason: reason}
}

// Rule checks orders of one directory entry.
//
// Submit checks a new order. Cancel checks a cancel request. Add makes the
// rule aware of an order that did not go through Submit, such as one
// recovered after a restart or one outside the rule's filter.
type Rule interface {
	Submit(o *order.Order) *Violation
	Cancel(o *order.Order) *Violation
	Add(o *order.Order)
}

// RuleSet runs its rules in order and stops at the first violation.
type RuleSet []Rule

func (s RuleSet) Submit(o *order.Order) *Violation {
	for _, r := range s {
		if v := r.Submit(o); v != nil {
			return v
		}
	}
	return nil
}

func (s RuleSet) Cancel(o *order.Order) *Violation {
	for _, r := range s {
		if v := r.Cancel(o); v != nil {
			return v
		}
	}
	return nil
}

func (s RuleSet) Add(o *order.Order) {
	for _, r := range s {
		r.Add(o)
	}
}

// SecurityFilter applies its rule only to securities in the set. Orders
// outside it are still passed to Add so the rule keeps a complete view.
type SecurityFilter struct {
	securities *security.SecuritySet
	rule       Rule
}

func NewSecurityFilter(securities *security.SecuritySet, rule Rule) *SecurityFilter {
	return &SecurityFilter{securities: securities, rule: rule}
}

func (f *SecurityFilter) Submit(o *order.Order) *Violation {
	if !f.securities.Contains(o.Info().Fields.Security) {
		f.rule.Add(o)
		return nil
	}
	return f.rule.Submit(o)
}

func (f *SecurityFilter) Cancel(o *order.Order) *Violation {
	if !f.securities.Contains(o.Info().Fields.Security) {
		return nil
	}
	return f.rule.Cancel(o)
}

func (f *SecurityFilter) Add(o *order.Order) {
	f.rule.Add(o)
}

// TimeFilter applies its rule inside the UTC time-of-day window
// [start, end). A window with end before start wraps midnight; start == end
// means the whole day.
type TimeFilter struct {
	start, end time.Duration
	now        func() time.Time
	rule       Rule
}

func NewTimeFilter(start, end time.Duration, now func() time.Time, rule Rule) *TimeFilter {
	if now == nil {
		now = time.Now
	}
	return &TimeFilter{start: start, end: end, now: now, rule: rule}
}

func (f *TimeFilter) active() bool {
	if f.start == f.end {
		return true
	}
	t := f.now().UTC()
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
	if f.start < f.end {
		return tod >= f.start && tod < f.end
	}
	return tod >= f.start || tod < f.end
}

func (f *TimeFilter) Submit(o *order.Order) *Violation {
	if !f.active() {
		f.rule.Add(o)
		return nil
	}
	return f.rule.Submit(o)
}

func (f *TimeFilter) Cancel(o *order.Order) *Violation {
	if !f.active() {
		return nil
	}
	return f.rule.Cancel(o)
}

func (f *TimeFilter) Add(o *order.Order) {
	f.rule.Add(o)
}

// SymbolRestriction rejects submissions for the restricted securities.
type SymbolRestriction struct {
	restricted *security.SecuritySet
}

func NewSymbolRestriction(restricted *security.SecuritySet) *SymbolRestriction {
	return &SymbolRestriction{restricted: restricted}
}

func (r *SymbolRestriction) Submit(o *order.Order) *Violation {
	if r.restricted.Contains(o.Info().Fields.Security) {
		return violate(ReasonSymbolRestricted)
	}
	return nil
}

func (r *SymbolRestriction) Cancel(*order.Order) *Violation { return nil }

func (r *SymbolRestriction) Add(*order.Order) {}
