// Package servlet is the request-facing side of the gateway. It assigns ids,
// routes orders through the driver chain, persists every submission and
// report, and republishes them to subscribed clients in sequence.
package servlet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordergate/internal/driver"
	"ordergate/internal/logger"
	"ordergate/internal/order"
	"ordergate/internal/pkg/queue"
	"ordergate/internal/security"
	"ordergate/internal/session"
	"ordergate/internal/store"
	"ordergate/internal/uid"
)

var servletLog = logger.With("servlet")

var (
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrOrderNotFound           = errors.New("order not found")
	ErrInvalidOrder            = errors.New("invalid order")
	ErrClosed                  = errors.New("servlet closed")
)

const ReasonInsufficientPermissions = "Insufficient permissions to execute order."

// AccountSource lists the accounts whose orders are recovered on Open.
type AccountSource interface {
	Accounts() []string
}

type Config struct {
	Markets *security.MarketDatabase
	// Destinations overrides a market's preferred destination, keyed by
	// market code.
	Destinations map[string]string
	// SessionStart bounds recovery to submissions made since.
	SessionStart       time.Time
	SubscriptionBuffer int
}

type Servlet struct {
	cfg      Config
	accounts AccountSource
	ids      uid.Client
	driver   driver.Driver
	store    store.DataStore
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	seqMu    sync.Mutex
	sequence uint64

	mu        sync.Mutex
	orders    map[order.ID]*order.Order
	books     map[string]*accountBook
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// accountBook is the per-account publishing state. mu is the account's
// publish lock: persistence, publication and subscription all happen under
// it, which is what keeps snapshots and live feeds gap-free.
type accountBook struct {
	name  string
	queue *queue.Serial

	mu         sync.Mutex
	orderSubs  []*Subscription[order.Record]
	reportSubs []*Subscription[order.ExecutionReport]
	positions  map[security.Security]int64
}

func New(cfg Config, accounts AccountSource, ids uid.Client, drv driver.Driver, ds store.DataStore) *Servlet {
	if cfg.Markets == nil {
		cfg.Markets = security.DefaultMarketDatabase()
	}
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Servlet{
		cfg:      cfg,
		accounts: accounts,
		ids:      ids,
		driver:   drv,
		store:    ds,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		orders:   make(map[order.ID]*order.Order),
		books:    make(map[string]*accountBook),
	}
}

// NewOrderSingle submits an order on behalf of sess. The submission is
// persisted and published before the order reaches the driver. An order for
// an account sess may not trade for is stored and published as REJECTED.
func (s *Servlet) NewOrderSingle(ctx context.Context, sess session.Session, fields order.Fields) (store.SequencedOrderInfo, error) {
	fields = s.applyDefaults(sess, fields)
	if err := validateFields(fields); err != nil {
		return store.SequencedOrderInfo{}, err
	}
	a := s.book(fields.Account)
	if a == nil {
		return store.SequencedOrderInfo{}, ErrClosed
	}
	id, err := s.ids.LoadNextID(ctx)
	if err != nil {
		return store.SequencedOrderInfo{}, fmt.Errorf("load order id: %w", err)
	}

	a.mu.Lock()
	info := order.Info{
		Fields:            fields,
		SubmissionAccount: sess.Account,
		ID:                order.ID(id),
		ShortingFlag:      a.isShort(fields),
		Timestamp:         s.now(),
	}
	sequenced := store.SequencedOrderInfo{Value: info, Account: fields.Account, Sequence: s.nextSequence()}
	if err := s.store.StoreOrder(ctx, sequenced); err != nil {
		s.releaseSequence(sequenced.Sequence)
		a.mu.Unlock()
		return store.SequencedOrderInfo{}, fmt.Errorf("store order %d: %w", id, err)
	}
	a.orderSubs = publishTo(a.orderSubs, store.SequencedOrderRecord{
		Value:    order.Record{Info: info},
		Account:  sequenced.Account,
		Sequence: sequenced.Sequence,
	})
	a.mu.Unlock()

	var o *order.Order
	if sess.HasPermission(fields.Account) {
		o = s.driver.Submit(info)
	} else {
		servletLog.Warnf("account %s may not trade for %s, rejecting order %d", sess.Account, fields.Account, id)
		o = order.BuildRejectedOrder(info, ReasonInsufficientPermissions)
	}
	s.track(a, o, 0)
	return sequenced, nil
}

// CancelOrder asks the driver to cancel id. The order moves to
// PENDING_CANCEL and reaches CANCELED only once the venue confirms.
func (s *Servlet) CancelOrder(sess session.Session, id order.ID) error {
	o, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	info := o.Info()
	if sess.Account != info.SubmissionAccount && !sess.HasPermission(info.Fields.Account) {
		return ErrInsufficientPermissions
	}
	if order.IsTerminal(o.Status()) {
		return nil
	}
	return s.driver.Cancel(sess, id)
}

// UpdateOrder applies a manual report. Only administrators may update.
func (s *Servlet) UpdateOrder(sess session.Session, id order.ID, r order.ExecutionReport) error {
	if !sess.Administrator {
		return ErrInsufficientPermissions
	}
	o, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if status := o.Status(); !order.CanTransition(status, r.Status) {
		return fmt.Errorf("%w: %s -> %s (order %d)", order.ErrIllegalTransition, status, r.Status, id)
	}
	r.ID = id
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	return s.driver.Update(sess, id, r)
}

// LoadOrderByID reports an order the caller may not see as not found.
func (s *Servlet) LoadOrderByID(ctx context.Context, sess session.Session, id order.ID) (store.SequencedOrderRecord, bool, error) {
	rec, ok, err := s.store.LoadOrder(ctx, id)
	if err != nil || !ok {
		return store.SequencedOrderRecord{}, false, err
	}
	info := rec.Value.Info
	if sess.Account != info.SubmissionAccount && !sess.HasPermission(info.Fields.Account) {
		return store.SequencedOrderRecord{}, false, nil
	}
	return rec, true, nil
}

// QueryOrderSubmissions loads the submissions matching q. A real-time query
// also returns a subscription that picks up exactly where the snapshot ends.
// Accounts the caller may not see yield an empty result.
func (s *Servlet) QueryOrderSubmissions(ctx context.Context, sess session.Session, q store.AccountQuery) (QueryResult[order.Record], error) {
	if err := q.Validate(); err != nil {
		return QueryResult[order.Record]{}, err
	}
	if !sess.HasPermission(q.Account) {
		return QueryResult[order.Record]{}, nil
	}
	a := s.book(q.Account)
	if a == nil {
		return QueryResult[order.Record]{}, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot, err := s.store.LoadOrderSubmissions(ctx, q)
	if err != nil {
		return QueryResult[order.Record]{}, err
	}
	res := QueryResult[order.Record]{Snapshot: snapshot}
	if q.Range.RealTime {
		sub := newSubscription[order.Record](q, s.cfg.SubscriptionBuffer)
		sub.cancel = func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.orderSubs = removeSubscription(a.orderSubs, sub)
			sub.finish(nil)
		}
		a.orderSubs = append(a.orderSubs, sub)
		res.Subscription = sub
	}
	return res, nil
}

// QueryExecutionReports is QueryOrderSubmissions for execution reports.
func (s *Servlet) QueryExecutionReports(ctx context.Context, sess session.Session, q store.AccountQuery) (QueryResult[order.ExecutionReport], error) {
	if err := q.Validate(); err != nil {
		return QueryResult[order.ExecutionReport]{}, err
	}
	if !sess.HasPermission(q.Account) {
		return QueryResult[order.ExecutionReport]{}, nil
	}
	a := s.book(q.Account)
	if a == nil {
		return QueryResult[order.ExecutionReport]{}, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot, err := s.store.LoadExecutionReports(ctx, q)
	if err != nil {
		return QueryResult[order.ExecutionReport]{}, err
	}
	res := QueryResult[order.ExecutionReport]{Snapshot: snapshot}
	if q.Range.RealTime {
		sub := newSubscription[order.ExecutionReport](q, s.cfg.SubscriptionBuffer)
		sub.cancel = func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.reportSubs = removeSubscription(a.reportSubs, sub)
			sub.finish(nil)
		}
		a.reportSubs = append(a.reportSubs, sub)
		res.Subscription = sub
	}
	return res, nil
}

// Open resumes sequencing from the store and recovers the orders submitted
// since the session start. Live orders are handed back to the driver.
func (s *Servlet) Open(ctx context.Context) error {
	accounts := s.accounts.Accounts()
	sort.Strings(accounts)
	if loader, ok := s.store.(store.SequenceLoader); ok {
		var last uint64
		for _, account := range accounts {
			seqs, err := loader.LoadInitialSequences(ctx, account)
			if err != nil {
				return fmt.Errorf("load sequences of %s: %w", account, err)
			}
			last = max(last, seqs.NextOrderSequence-1, seqs.NextReportSequence-1)
		}
		s.seqMu.Lock()
		s.sequence = max(s.sequence, last)
		s.seqMu.Unlock()
	}
	recovered := 0
	for _, account := range accounts {
		n, err := s.recoverAccount(ctx, account)
		if err != nil {
			return err
		}
		recovered += n
	}
	servletLog.Infof("recovered %d live orders of %d accounts, next sequence %d", recovered, len(accounts), s.peekSequence()+1)
	return nil
}

func (s *Servlet) recoverAccount(ctx context.Context, account string) (int, error) {
	records, err := s.store.LoadOrderSubmissions(ctx, store.AccountQuery{
		Account: account,
		Range:   store.Range{StartTime: s.cfg.SessionStart},
	})
	if err != nil {
		return 0, fmt.Errorf("load submissions of %s: %w", account, err)
	}
	a := s.book(account)
	if a == nil {
		return 0, ErrClosed
	}
	live := 0
	for _, rec := range records {
		a.mu.Lock()
		a.applyFills(rec.Value.Info.Fields, rec.Value.Reports)
		a.mu.Unlock()

		o := order.FromRecord(rec.Value)
		if !order.IsTerminal(o.Status()) {
			recovered, err := s.driver.Recover(rec.Value)
			if err != nil {
				servletLog.Warnf("recover order %d: %v", rec.Value.Info.ID, err)
			} else {
				o = recovered
				live++
			}
		}
		skip := 0
		if n := len(rec.Value.Reports); n > 0 {
			skip = rec.Value.Reports[n-1].Sequence + 1
		}
		s.track(a, o, skip)
	}
	return live, nil
}

// Close stops the driver, flushes pending reports to the store and ends
// every subscription. It is safe to call more than once.
func (s *Servlet) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		books := make([]*accountBook, 0, len(s.books))
		for _, a := range s.books {
			books = append(books, a)
		}
		s.mu.Unlock()

		var errs []error
		if err := s.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
		for _, a := range books {
			a.queue.Close()
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.cancel()
		for _, a := range books {
			a.closeSubscriptions()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// track registers o and persists and publishes its reports from report
// sequence skip on.
func (s *Servlet) track(a *accountBook, o *order.Order, skip int) {
	s.mu.Lock()
	s.orders[o.ID()] = o
	s.mu.Unlock()
	fields := o.Info().Fields
	o.Monitor(func(r order.ExecutionReport) {
		if r.Sequence < skip {
			return
		}
		if !a.queue.Push(func() { s.publishReport(a, fields, r) }) {
			servletLog.Warnf("dropping report %d of order %d after close", r.Sequence, r.ID)
		}
	})
}

// publishReport runs on the account's queue.
func (s *Servlet) publishReport(a *accountBook, fields order.Fields, r order.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := store.SequencedReport{Value: r, Account: a.name, Sequence: s.nextSequence()}
	if err := s.store.StoreReports(s.ctx, []store.SequencedReport{v}); err != nil {
		s.releaseSequence(v.Sequence)
		servletLog.Errorf("store report %d of order %d: %v", r.Sequence, r.ID, err)
		return
	}
	a.applyFills(fields, []order.ExecutionReport{r})
	a.reportSubs = publishTo(a.reportSubs, v)
}

func (s *Servlet) nextSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.sequence++
	return s.sequence
}

// releaseSequence hands back seq after a failed write, provided no later
// sequence was allocated since.
func (s *Servlet) releaseSequence(seq uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.sequence == seq {
		s.sequence--
	}
}

func (s *Servlet) peekSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.sequence
}

func (s *Servlet) lookup(id order.ID) (*order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

// book returns the publishing state of account, or nil once closed.
func (s *Servlet) book(account string) *accountBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	a, ok := s.books[account]
	if !ok {
		a = &accountBook{
			name:      account,
			queue:     queue.New("servlet " + account),
			positions: make(map[security.Security]int64),
		}
		s.books[account] = a
	}
	return a
}

func (s *Servlet) applyDefaults(sess session.Session, f order.Fields) order.Fields {
	f = f.Clone()
	if f.Account == "" {
		f.Account = sess.Account
	}
	if m, ok := s.cfg.Markets.Lookup(f.Security.Market); ok {
		f.Security.Market = m.Code
		if f.Security.Country == security.CountryNone {
			f.Security.Country = m.Country
		}
		if f.Currency == security.CurrencyNone {
			f.Currency = m.Currency
		}
		if f.Destination == "" {
			f.Destination = m.PreferredDestination
			if dest, ok := s.cfg.Destinations[m.Code]; ok {
				f.Destination = dest
			}
		}
	}
	if f.TimeInForce.Type == order.TIFNone {
		f.TimeInForce.Type = order.TIFDay
	}
	return f
}

func validateFields(f order.Fields) error {
	switch {
	case f.Security.Symbol == "" || f.Security.IsWildcard():
		return fmt.Errorf("%w: security %q", ErrInvalidOrder, f.Security)
	case f.Side != order.SideBid && f.Side != order.SideAsk:
		return fmt.Errorf("%w: side %s", ErrInvalidOrder, f.Side)
	case f.Type == order.TypeNone:
		return fmt.Errorf("%w: missing order type", ErrInvalidOrder)
	case f.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d", ErrInvalidOrder, f.Quantity)
	case f.Type == order.TypeLimit && !f.Price.IsPositive():
		return fmt.Errorf("%w: limit price %s", ErrInvalidOrder, f.Price)
	}
	return nil
}

// isShort reports whether an ask for fields sells more than the account's
// long position. Runs under a.mu.
func (a *accountBook) isShort(f order.Fields) bool {
	if f.Side != order.SideAsk {
		return false
	}
	return f.Quantity > max(a.positions[f.Security], 0)
}

// applyFills runs under a.mu.
func (a *accountBook) applyFills(f order.Fields, reports []order.ExecutionReport) {
	for _, r := range reports {
		if r.LastQuantity > 0 {
			a.positions[f.Security] += f.Side.Direction() * r.LastQuantity
		}
	}
}

func (a *accountBook) closeSubscriptions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.orderSubs {
		sub.finish(ErrClosed)
	}
	for _, sub := range a.reportSubs {
		sub.finish(ErrClosed)
	}
	a.orderSubs = nil
	a.reportSubs = nil
}
