package compliance

import (
	"context"
	"reflect"
	"sync"
	"time"

	"ordergate/internal/order"
)

// BuildFunc builds the rule of an entry.
type BuildFunc func(entry RuleEntry) (Rule, error)

// ParentsFunc lists the directories whose rules also apply to an account,
// typically its trading groups.
type ParentsFunc func(account string) []string

type builtRule struct {
	entry RuleEntry
	rule  Rule
}

type directory struct {
	mu      sync.Mutex
	parents []string
	rules   []*builtRule
	orders  []*order.Order
}

// Engine evaluates the rules of every directory. An account is checked
// against its own entries first and then against those of its parents.
// Rules of one directory run under that directory's lock.
type Engine struct {
	build    BuildFunc
	parents  ParentsFunc
	reporter Reporter
	now      func() time.Time

	mu          sync.Mutex
	directories map[string]*directory
	entries     map[uint64]RuleEntry
}

func NewEngine(build BuildFunc, parents ParentsFunc, reporter Reporter) *Engine {
	if parents == nil {
		parents = func(string) []string { return nil }
	}
	return &Engine{
		build:       build,
		parents:     parents,
		reporter:    reporter,
		now:         time.Now,
		directories: make(map[string]*directory),
		entries:     make(map[uint64]RuleEntry),
	}
}

// Submit checks a new order. The returned *Violation is the first violation
// of an ACTIVE rule; PASSIVE violations are only reported.
func (e *Engine) Submit(o *order.Order) *Violation {
	info := o.Info()
	account := info.Fields.Account
	own := e.load(account)
	var blocked *Violation
	for _, dir := range e.chain(own) {
		dir.mu.Lock()
		dir.orders = append(dir.orders, o)
		if blocked == nil {
			blocked = e.run(dir, info.SubmissionAccount, info.ID, func(r Rule) *Violation { return r.Submit(o) })
		}
		dir.mu.Unlock()
	}
	return blocked
}

// Cancel checks a cancel request made by account.
func (e *Engine) Cancel(account string, o *order.Order) *Violation {
	info := o.Info()
	own := e.load(info.Fields.Account)
	for _, dir := range e.chain(own) {
		dir.mu.Lock()
		v := e.run(dir, account, info.ID, func(r Rule) *Violation { return r.Cancel(o) })
		dir.mu.Unlock()
		if v != nil {
			return v
		}
	}
	return nil
}

// Add makes every applicable rule aware of o without checking it.
func (e *Engine) Add(o *order.Order) {
	own := e.load(o.Info().Fields.Account)
	for _, dir := range e.chain(own) {
		dir.mu.Lock()
		dir.orders = append(dir.orders, o)
		for _, r := range dir.rules {
			r.rule.Add(o)
		}
		dir.mu.Unlock()
	}
}

// Apply replaces the set of rule entries. Entries whose schema changed are
// rebuilt and primed with the orders already known to their directory;
// entries missing from the set are removed.
func (e *Engine) Apply(entries []RuleEntry) {
	next := make(map[uint64]RuleEntry, len(entries))
	for _, entry := range entries {
		next[entry.ID] = entry
	}
	e.mu.Lock()
	var removed []RuleEntry
	for id, old := range e.entries {
		if _, ok := next[id]; !ok {
			old.State = StateDeleted
			removed = append(removed, old)
		}
	}
	e.mu.Unlock()
	for _, entry := range removed {
		e.Update(entry)
	}
	for _, entry := range entries {
		e.Update(entry)
	}
}

// Update installs, changes or deletes a single entry.
func (e *Engine) Update(entry RuleEntry) {
	e.mu.Lock()
	prev, existed := e.entries[entry.ID]
	if entry.State == StateDeleted {
		delete(e.entries, entry.ID)
	} else {
		e.entries[entry.ID] = entry
	}
	e.mu.Unlock()

	if existed && prev.Directory != entry.Directory {
		e.remove(prev)
	}
	dir := e.load(entry.Directory)
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for i, r := range dir.rules {
		if r.entry.ID != entry.ID {
			continue
		}
		if entry.State != StateDeleted && reflect.DeepEqual(r.entry.Schema, entry.Schema) {
			r.entry = entry
			return
		}
		dir.rules = append(dir.rules[:i], dir.rules[i+1:]...)
		break
	}
	if entry.State == StateDeleted {
		return
	}
	rule, err := e.build(entry)
	if err != nil {
		complianceLog.Errorf("build rule id=%d name=%s: %v", entry.ID, entry.Schema.Name, err)
		return
	}
	for _, o := range dir.orders {
		rule.Add(o)
	}
	dir.rules = append(dir.rules, &builtRule{entry: entry, rule: rule})
}

// Entries returns the installed entries.
func (e *Engine) Entries() []RuleEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, entry)
	}
	return out
}

func (e *Engine) remove(entry RuleEntry) {
	dir := e.load(entry.Directory)
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for i, r := range dir.rules {
		if r.entry.ID == entry.ID {
			dir.rules = append(dir.rules[:i], dir.rules[i+1:]...)
			return
		}
	}
}

func (e *Engine) run(dir *directory, account string, id order.ID, check func(Rule) *Violation) *Violation {
	for _, r := range dir.rules {
		if r.entry.State == StateDisabled {
			continue
		}
		v := check(r.rule)
		if v == nil {
			continue
		}
		e.report(ViolationRecord{
			EntryID:   r.entry.ID,
			Account:   account,
			OrderID:   id,
			Name:      r.entry.Schema.Name,
			Reason:    v.Reason,
			Timestamp: e.now().UTC(),
		})
		if r.entry.State == StateActive {
			return v
		}
	}
	return nil
}

func (e *Engine) report(record ViolationRecord) {
	complianceLog.Infof("violation entry=%d rule=%s account=%s order=%d: %s",
		record.EntryID, record.Name, record.Account, record.OrderID, record.Reason)
	if e.reporter == nil {
		return
	}
	if err := e.reporter.ReportViolation(context.Background(), record); err != nil {
		complianceLog.Warnf("persist violation order=%d: %v", record.OrderID, err)
	}
}

// chain returns the account's own directory followed by its parents.
func (e *Engine) chain(own *directory) []*directory {
	out := []*directory{own}
	for _, p := range own.parents {
		out = append(out, e.load(p))
	}
	return out
}

func (e *Engine) load(name string) *directory {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.directories[name]
	if !ok {
		dir = &directory{parents: e.parents(name)}
		e.directories[name] = dir
	}
	return dir
}
