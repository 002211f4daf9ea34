package driver

import (
	"fmt"
	"sync"
	"time"

	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/security"
	"ordergate/internal/session"

	"github.com/shopspring/decimal"
)

var simLog = logger.With("venue")

type simEventKind int

const (
	simSubmit simEventKind = iota
	simCancel
	simQuote
	simResume
)

type simEvent struct {
	kind  simEventKind
	order *order.Order
	sec   security.Security
	bbo   marketdata.Bbo
}

// SimulatorConfig tunes the paper venue.
type SimulatorConfig struct {
	// Latency delays the acknowledgement of every submission.
	Latency time.Duration
	// LastMarket is stamped on fills.
	LastMarket string
}

// Simulator is a paper venue. Orders are acknowledged, filled in full at the
// touch when marketable, otherwise rested until a quote crosses them. IOC
// and FOK orders that do not fill on arrival are canceled.
//
// All state changes happen on a single event loop, so reports of one order
// are produced in order and never concurrently.
type Simulator struct {
	quotes marketdata.Source
	cfg    SimulatorConfig

	msgCh  chan simEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	orders  map[order.ID]*order.Order
	resting map[security.Security][]*order.Order
}

func NewSimulator(quotes marketdata.Source, cfg SimulatorConfig) *Simulator {
	return &Simulator{
		quotes:  quotes,
		cfg:     cfg,
		msgCh:   make(chan simEvent, 256),
		stopCh:  make(chan struct{}),
		orders:  make(map[order.ID]*order.Order),
		resting: make(map[security.Security][]*order.Order),
	}
}

func (s *Simulator) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

// OnBbo feeds a published quote into the loop; register it with
// BboCache.Subscribe.
func (s *Simulator) OnBbo(sec security.Security, bbo marketdata.Bbo) {
	_ = s.send(simEvent{kind: simQuote, sec: sec, bbo: bbo})
}

func (s *Simulator) Submit(info order.Info) *order.Order {
	o := order.New(info)
	s.mu.Lock()
	s.orders[info.ID] = o
	s.mu.Unlock()

	ev := simEvent{kind: simSubmit, order: o}
	if s.cfg.Latency > 0 {
		time.AfterFunc(s.cfg.Latency, func() { s.enqueueOrReject(ev) })
	} else {
		s.enqueueOrReject(ev)
	}
	return o
}

func (s *Simulator) enqueueOrReject(ev simEvent) {
	if err := s.send(ev); err != nil {
		_ = ev.order.Transition(order.StatusRejected, time.Now().UTC(), 0, decimal.Zero, VenueUnavailable)
	}
}

func (s *Simulator) Cancel(_ session.Session, id order.ID) error {
	o, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.send(simEvent{kind: simCancel, order: o})
}

// Update appends an externally produced report, such as a manual correction
// from an administrator, onto the order's chain.
func (s *Simulator) Update(_ session.Session, id order.ID, r order.ExecutionReport) error {
	o, err := s.lookup(id)
	if err != nil {
		return err
	}
	return o.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		next, err := order.Continue(last, r)
		return next, err == nil, err
	})
}

func (s *Simulator) Recover(record order.Record) (*order.Order, error) {
	o := order.FromRecord(record)
	s.mu.Lock()
	s.orders[record.Info.ID] = o
	s.mu.Unlock()
	if order.IsTerminal(o.Status()) {
		return o, nil
	}
	kind := simResume
	if o.Status() == order.StatusPendingNew {
		kind = simSubmit
	}
	if err := s.send(simEvent{kind: kind, order: o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Simulator) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

func (s *Simulator) lookup(id order.ID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, nil
}

func (s *Simulator) send(ev simEvent) error {
	select {
	case <-s.stopCh:
		return ErrClosed
	default:
	}
	select {
	case s.msgCh <- ev:
		return nil
	case <-s.stopCh:
		return ErrClosed
	}
}

func (s *Simulator) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.msgCh:
			s.handle(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Simulator) handle(ev simEvent) {
	defer func() {
		if r := recover(); r != nil {
			simLog.Errorf("event %d panicked: %v", ev.kind, r)
		}
	}()
	switch ev.kind {
	case simSubmit:
		s.onSubmit(ev.order)
	case simResume:
		if !s.tryFill(ev.order) {
			s.rest(ev.order)
		}
	case simCancel:
		s.onCancel(ev.order)
	case simQuote:
		s.onQuote(ev.sec)
	}
}

func (s *Simulator) onSubmit(o *order.Order) {
	now := time.Now().UTC()
	if o.Status() != order.StatusPendingNew {
		return
	}
	if err := o.Transition(order.StatusNew, now, 0, decimal.Zero, ""); err != nil {
		simLog.Warnf("ack order %d: %v", o.ID(), err)
		return
	}
	if s.tryFill(o) {
		return
	}
	switch o.Info().Fields.TimeInForce.Type {
	case order.TIFIOC, order.TIFFOK:
		_ = o.Transition(order.StatusCanceled, now, 0, decimal.Zero, "")
		return
	}
	s.rest(o)
}

func (s *Simulator) onCancel(o *order.Order) {
	if order.IsTerminal(o.Status()) {
		return
	}
	now := time.Now().UTC()
	if o.Status() != order.StatusPendingCancel {
		if err := o.Transition(order.StatusPendingCancel, now, 0, decimal.Zero, ""); err != nil {
			simLog.Warnf("cancel order %d: %v", o.ID(), err)
			return
		}
	}
	_ = o.Transition(order.StatusCanceled, now, 0, decimal.Zero, "")
	s.unrest(o)
}

func (s *Simulator) onQuote(sec security.Security) {
	s.mu.Lock()
	book := s.resting[sec]
	s.mu.Unlock()
	for _, o := range book {
		if order.IsTerminal(o.Status()) || s.tryFill(o) {
			s.unrest(o)
		}
	}
}

// tryFill fills the whole remaining quantity at the opposite touch when the
// order is marketable.
func (s *Simulator) tryFill(o *order.Order) bool {
	fields := o.Info().Fields
	bbo, ok := s.quotes.LoadBbo(fields.Security)
	if !ok {
		return false
	}
	var touch decimal.Decimal
	if fields.Side == order.SideBid {
		touch = bbo.Ask.Price
		if !touch.IsPositive() || (fields.Type != order.TypeMarket && fields.Price.LessThan(touch)) {
			return false
		}
	} else {
		touch = bbo.Bid.Price
		if !touch.IsPositive() || (fields.Type != order.TypeMarket && fields.Price.GreaterThan(touch)) {
			return false
		}
	}
	err := o.With(func(last order.ExecutionReport) (order.ExecutionReport, bool, error) {
		if order.IsTerminal(last.Status) || last.Status == order.StatusPendingNew {
			return order.ExecutionReport{}, false, nil
		}
		remaining := fields.Quantity - last.CumulativeQuantity
		if remaining <= 0 {
			return order.ExecutionReport{}, false, nil
		}
		next, err := order.BuildUpdatedReport(last, order.StatusFilled, time.Now().UTC(), remaining, touch)
		if err != nil {
			return order.ExecutionReport{}, false, err
		}
		next.LastMarket = s.cfg.LastMarket
		next.LiquidityFlag = "R"
		return next, true, nil
	})
	if err != nil {
		simLog.Warnf("fill order %d: %v", o.ID(), err)
		return false
	}
	return o.Status() == order.StatusFilled
}

func (s *Simulator) rest(o *order.Order) {
	sec := o.Info().Fields.Security
	s.mu.Lock()
	s.resting[sec] = append(s.resting[sec], o)
	s.mu.Unlock()
}

func (s *Simulator) unrest(o *order.Order) {
	sec := o.Info().Fields.Security
	s.mu.Lock()
	defer s.mu.Unlock()
	book := s.resting[sec]
	for i, r := range book {
		if r == o {
			s.resting[sec] = append(book[:i:i], book[i+1:]...)
			return
		}
	}
}
