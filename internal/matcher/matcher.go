// Package matcher crosses bids and asks of the gateway's own clients before
// they reach the venue.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ordergate/internal/driver"
	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/pkg/queue"
	"ordergate/internal/security"
	"ordergate/internal/session"
	"ordergate/internal/uid"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var matcherLog = logger.With("matcher")

const (
	ReasonNoBbo  = "No BBO quote available."
	ReasonClosed = "Internal matcher closed."

	// TagTradeMatchID carries the id shared by both sides of an internal
	// match (FIX TrdMatchID).
	TagTradeMatchID = 880

	// LiquidityInternal flags fills produced by an internal match.
	LiquidityInternal = "I"
)

var errMatchTimeout = errors.New("passive order did not settle in time")

type Config struct {
	// RootAccount is the account the matcher cancels and resubmits passive
	// orders under.
	RootAccount string
	// MatchTimeout bounds the wait for a passive order's driver order to be
	// acknowledged and then canceled.
	MatchTimeout time.Duration
}

// Matcher is a driver that keeps a book of every supported order and
// matches incoming orders against it before passing the remainder on to
// the wrapped driver.
//
// A passive order is matched by canceling its driver order, filling the
// internal match against what was still live, and resubmitting the rest
// under a fresh driver id. Driver fills that race with the cancel are
// forwarded and reduce what can be matched.
type Matcher struct {
	cfg    Config
	quotes marketdata.Source
	ids    uid.Client
	inner  driver.Driver
	root   session.Session
	now    func() time.Time

	reports *queue.Serial

	mu        sync.Mutex
	closed    bool
	books     map[security.Security]*book
	entries   map[order.ID]*entry
	driverIDs map[order.ID]order.ID
}

func New(cfg Config, quotes marketdata.Source, ids uid.Client, inner driver.Driver) *Matcher {
	if cfg.RootAccount == "" {
		cfg.RootAccount = "root"
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = 5 * time.Second
	}
	return &Matcher{
		cfg:       cfg,
		quotes:    quotes,
		ids:       ids,
		inner:     inner,
		root:      session.New(cfg.RootAccount, true),
		now:       func() time.Time { return time.Now().UTC() },
		reports:   queue.New("matcher reports"),
		books:     make(map[security.Security]*book),
		entries:   make(map[order.ID]*entry),
		driverIDs: make(map[order.ID]order.ID),
	}
}

// supported reports whether the matcher books the order; everything else
// goes straight to the driver.
func supported(f order.Fields) bool {
	switch f.TimeInForce.Type {
	case order.TIFDay, order.TIFGTC, order.TIFIOC, order.TIFGTX, order.TIFGTD:
	default:
		return false
	}
	if f.Type != order.TypeLimit && f.Type != order.TypeMarket {
		return false
	}
	return f.Quantity > 0
}

func (m *Matcher) Submit(info order.Info) *order.Order {
	if !supported(info.Fields) {
		m.mapID(info.ID, info.ID)
		return m.inner.Submit(info)
	}
	e := newEntry(info)
	m.mu.Lock()
	m.entries[info.ID] = e
	m.mu.Unlock()
	b := m.book(info.Fields.Security)
	if b == nil || !b.queue.Push(func() { m.match(b, e) }) {
		if err := e.order.Transition(order.StatusRejected, m.now(), 0, decimal.Zero, ReasonClosed); err != nil {
			matcherLog.Errorf("reject order %d: %v", info.ID, err)
		}
	}
	return e.order
}

func (m *Matcher) Cancel(s session.Session, id order.ID) error {
	e, ok := m.entry(id)
	if !ok {
		return m.inner.Cancel(s, m.driverID(id))
	}
	return m.onBook(e, func() {
		e.canceling.Store(true)
		if err := m.inner.Cancel(s, m.driverID(id)); err != nil {
			e.canceling.Store(false)
			matcherLog.Warnf("cancel order %d: %v", id, err)
		}
	})
}

func (m *Matcher) Update(s session.Session, id order.ID, r order.ExecutionReport) error {
	e, ok := m.entry(id)
	if !ok {
		driverID := m.driverID(id)
		r.ID = driverID
		return m.inner.Update(s, driverID, r)
	}
	return m.onBook(e, func() {
		driverID := m.driverID(id)
		r.ID = driverID
		if err := m.inner.Update(s, driverID, r); err != nil {
			matcherLog.Warnf("update order %d: %v", id, err)
		}
	})
}

// Recover hands the order to the driver. Recovered orders are not booked.
func (m *Matcher) Recover(record order.Record) (*order.Order, error) {
	o, err := m.inner.Recover(record)
	if err != nil {
		return nil, err
	}
	m.mapID(record.Info.ID, record.Info.ID)
	return o, nil
}

func (m *Matcher) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.Unlock()
	for _, b := range books {
		b.queue.Close()
	}
	m.reports.Close()
	return m.inner.Close()
}

// Depth returns the number of booked bids and asks for sec.
func (m *Matcher) Depth(sec security.Security) (bids, asks int) {
	m.mu.Lock()
	b, ok := m.books[sec]
	m.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return b.depth()
}

func (m *Matcher) onBook(e *entry, task func()) error {
	b := m.book(e.info.Fields.Security)
	if b == nil || !b.queue.Push(task) {
		return driver.ErrClosed
	}
	return nil
}

type fill struct {
	status   order.Status
	quantity int64
	price    decimal.Decimal
	matchID  string
}

// match runs on the security's queue.
func (m *Matcher) match(b *book, e *entry) {
	fields := e.info.Fields
	bbo, ok := m.quotes.LoadBbo(fields.Security)
	if !ok {
		if err := e.order.Transition(order.StatusRejected, m.now(), 0, decimal.Zero, ReasonNoBbo); err != nil {
			matcherLog.Errorf("reject order %d: %v", e.info.ID, err)
		}
		return
	}
	touch := bbo.Ask.Price
	if fields.Side == order.SideAsk {
		touch = bbo.Bid.Price
	}
	price := offerPrice(fields)
	remaining := fields.Quantity
	var fills []fill
	for _, passive := range b.passive(fields.Side) {
		if remaining == 0 {
			break
		}
		if passive.canceling.Load() {
			continue
		}
		if passive.remainingQuantity() <= 0 {
			b.remove(passive.info.Fields.Side, passive)
			continue
		}
		if !crosses(fields.Side, price, offerPrice(passive.info.Fields), touch) {
			continue
		}
		f, left, err := m.internalMatch(e, passive, remaining, touch)
		if err != nil {
			matcherLog.Warnf("match order %d against %d: %v", e.info.ID, passive.info.ID, err)
			continue
		}
		if f.quantity != 0 {
			fills = append(fills, f)
			remaining -= f.quantity
		}
		if !left {
			b.remove(passive.info.Fields.Side, passive)
		}
	}
	if len(fills) > 0 {
		m.reportActiveFills(e, fills)
	}
	if remaining == 0 {
		return
	}
	e.mu.Lock()
	e.remaining = remaining
	e.mu.Unlock()
	b.insert(e)
	m.submitToDriver(e.info.SubmissionAccount, fields.WithQuantity(remaining), e)
}

func (m *Matcher) reportActiveFills(e *entry, fills []fill) {
	e.mu.Lock()
	e.pendingNew = false
	e.mu.Unlock()
	if err := e.order.Transition(order.StatusNew, m.now(), 0, decimal.Zero, ""); err != nil {
		matcherLog.Errorf("acknowledge order %d: %v", e.info.ID, err)
		return
	}
	for _, f := range fills {
		if err := e.order.With(m.fillReport(f)); err != nil {
			matcherLog.Errorf("fill order %d: %v", e.info.ID, err)
		}
	}
}

// internalMatch matches up to quantity of active against passive. left
// reports whether passive still has quantity booked.
func (m *Matcher) internalMatch(active, passive *entry, quantity int64, touch decimal.Decimal) (fill, bool, error) {
	passive.matching.Store(true)
	if !passive.waitLive(m.cfg.MatchTimeout) {
		passive.matching.Store(false)
		return fill{}, true, fmt.Errorf("%w: order %d not acknowledged", errMatchTimeout, passive.info.ID)
	}
	if err := m.inner.Cancel(m.root, m.driverID(passive.info.ID)); err != nil {
		passive.matching.Store(false)
		return fill{}, true, err
	}
	if !passive.waitTerminal(m.cfg.MatchTimeout) {
		passive.matching.Store(false)
		return fill{}, true, fmt.Errorf("%w: order %d not canceled", errMatchTimeout, passive.info.ID)
	}
	passive.matching.Store(false)
	passive.resetDriverState()

	passive.mu.Lock()
	matched := min(passive.remaining, quantity)
	passive.remaining -= matched
	left := passive.remaining
	passive.mu.Unlock()
	if matched <= 0 {
		return fill{}, false, nil
	}

	price := matchPrice(passive.info.Fields, active.info.Fields, touch)
	matchID := uuid.NewString()
	activeFill := fill{status: order.StatusPartiallyFilled, quantity: matched, price: price, matchID: matchID}
	if matched == quantity {
		activeFill.status = order.StatusFilled
	}
	passiveFill := fill{status: order.StatusPartiallyFilled, quantity: matched, price: price, matchID: matchID}
	if left == 0 {
		passiveFill.status = order.StatusFilled
	}
	if err := passive.order.With(m.fillReport(passiveFill)); err != nil {
		matcherLog.Errorf("fill order %d: %v", passive.info.ID, err)
	}
	matcherLog.Infof("internal match %s: %d @ %s, active=%d passive=%d",
		matchID, matched, price, active.info.ID, passive.info.ID)
	if left > 0 {
		m.submitToDriver(m.root.Account, passive.info.Fields.WithQuantity(left), passive)
	}
	return activeFill, left > 0, nil
}

// matchPrice is the passive limit price. A passive market order takes the
// active limit, or the touch when both are market orders.
func matchPrice(passive, active order.Fields, touch decimal.Decimal) decimal.Decimal {
	if passive.Type == order.TypeLimit {
		return passive.Price
	}
	if active.Type == order.TypeLimit {
		return active.Price
	}
	return touch
}

func (m *Matcher) fillReport(f fill) func(order.ExecutionReport) (order.ExecutionReport, bool, error) {
	return func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		next, err := order.BuildUpdatedReport(last, f.status, m.now(), f.quantity, f.price)
		if err != nil {
			return order.ExecutionReport{}, false, err
		}
		next.LiquidityFlag = LiquidityInternal
		next.Tags = []order.Tag{{Key: TagTradeMatchID, Value: f.matchID}}
		return next, true, nil
	}
}

// submitToDriver sends fields to the driver on behalf of e. The first driver
// order reuses the order's own id; later ones get a fresh id.
func (m *Matcher) submitToDriver(account string, fields order.Fields, e *entry) {
	e.mu.Lock()
	resubmission := e.driverOrder != nil
	e.mu.Unlock()
	id := e.info.ID
	if resubmission {
		next, err := m.ids.LoadNextID(context.Background())
		if err != nil {
			matcherLog.Errorf("resubmit order %d: %v", e.info.ID, err)
			e.mu.Lock()
			e.remaining = 0
			e.mu.Unlock()
			if err := e.order.Transition(order.StatusCanceled, m.now(), 0, decimal.Zero, "Resubmission failed."); err != nil {
				matcherLog.Errorf("cancel order %d: %v", e.info.ID, err)
			}
			return
		}
		id = order.ID(next)
	}
	m.mapID(e.info.ID, id)
	driverOrder := m.inner.Submit(order.Info{
		Fields:            fields,
		SubmissionAccount: account,
		ID:                id,
		ShortingFlag:      e.info.ShortingFlag,
		Timestamp:         m.now(),
	})
	e.mu.Lock()
	e.driverOrder = driverOrder
	e.mu.Unlock()
	driverOrder.Monitor(func(r order.ExecutionReport) {
		m.reports.Push(func() { m.onReport(e, r) })
	})
}

// onReport runs on the report queue for every report of e's driver orders.
func (m *Matcher) onReport(e *entry, r order.ExecutionReport) {
	if r.Status == order.StatusPendingNew {
		return
	}
	e.setLive()
	e.mu.Lock()
	if e.pendingNew {
		e.pendingNew = false
	} else if r.Status == order.StatusNew {
		e.mu.Unlock()
		return
	}
	e.remaining -= r.LastQuantity
	e.mu.Unlock()

	if e.matching.Load() && !e.canceling.Load() && r.LastQuantity == 0 {
		if order.IsTerminal(r.Status) {
			e.setTerminal()
			return
		}
		if r.Status == order.StatusPendingCancel {
			return
		}
	}
	err := e.order.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		if r.Status == order.StatusRejected && !order.CanTransition(last.Status, r.Status) {
			r.Status = order.StatusCanceled
		}
		next, err := order.Continue(last, r)
		return next, err == nil, err
	})
	if err != nil {
		matcherLog.Errorf("forward report of order %d: %v", e.info.ID, err)
	}
	if order.IsTerminal(r.Status) {
		e.mu.Lock()
		e.remaining = 0
		e.mu.Unlock()
		e.setTerminal()
	}
}

func (m *Matcher) book(sec security.Security) *book {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	b, ok := m.books[sec]
	if !ok {
		b = &book{queue: queue.New("matcher " + sec.String())}
		m.books[sec] = b
	}
	return b
}

func (m *Matcher) entry(id order.ID) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Matcher) mapID(id, driverID order.ID) {
	m.mu.Lock()
	m.driverIDs[id] = driverID
	m.mu.Unlock()
}

func (m *Matcher) driverID(id order.ID) order.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if driverID, ok := m.driverIDs[id]; ok {
		return driverID
	}
	return id
}
