package servlet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordergate/internal/compliance"
	"ordergate/internal/driver/drivertest"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/security"
	"ordergate/internal/servlet"
	"ordergate/internal/session"
	"ordergate/internal/store"
	"ordergate/internal/uid"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var tst = security.New("TST", "XNAS", security.CountryNone)

type MockIDs struct {
	mock.Mock
}

func (m *MockIDs) LoadNextID(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockIDs) Close() error { return nil }

// MockStore fails writes on demand and otherwise behaves like a
// LocalStore.
type MockStore struct {
	mock.Mock
	*store.LocalStore
}

func (m *MockStore) StoreOrder(ctx context.Context, info store.SequencedOrderInfo) error {
	if err := m.Called(ctx, info).Error(0); err != nil {
		return err
	}
	return m.LocalStore.StoreOrder(ctx, info)
}

func (m *MockStore) StoreReports(ctx context.Context, reports []store.SequencedReport) error {
	if err := m.Called(ctx, reports).Error(0); err != nil {
		return err
	}
	return m.LocalStore.StoreReports(ctx, reports)
}

type harness struct {
	t         *testing.T
	directory *session.Directory
	venue     *drivertest.Driver
	store     *store.LocalStore
	servlet   *servlet.Servlet
}

func testDirectory() *session.Directory {
	return session.NewDirectory([]session.Account{
		{Name: "alice"}, {Name: "bob"}, {Name: "carol"}, {Name: "admin", Admin: true},
	}, []session.TradingGroup{
		{Name: "desk", Managers: []string{"bob"}, Traders: []string{"alice"}},
	})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, directory: testDirectory(), venue: drivertest.New(), store: store.NewLocalStore()}
	h.servlet = servlet.New(servlet.Config{}, h.directory, uid.NewLocalClient(100), h.venue, h.store)
	require.NoError(t, h.servlet.Open(context.Background()))
	t.Cleanup(func() { _ = h.servlet.Close() })
	return h
}

func (h *harness) session(account string) session.Session {
	h.t.Helper()
	s, err := h.directory.Open(account)
	require.NoError(h.t, err)
	return s
}

func bid(account string, qty int64, price string) order.Fields {
	return order.Fields{
		Account:  account,
		Security: tst,
		Type:     order.TypeLimit,
		Side:     order.SideBid,
		Quantity: qty,
		Price:    decimal.RequireFromString(price),
	}
}

func ask(account string, qty int64, price string) order.Fields {
	f := bid(account, qty, price)
	f.Side = order.SideAsk
	return f
}

func realtime(account string) store.AccountQuery {
	return store.AccountQuery{Account: account, Range: store.Range{RealTime: true}}
}

func nextValue[T any](t *testing.T, sub *servlet.Subscription[T]) store.SequencedValue[T] {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
		return store.SequencedValue[T]{}
	}
}

func expectNoValue[T any](t *testing.T, sub *servlet.Subscription[T], wait time.Duration) {
	t.Helper()
	select {
	case v := <-sub.Updates():
		t.Fatalf("unexpected update %d", v.Sequence)
	case <-time.After(wait):
	}
}

func TestNewOrderSingle_PersistsAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")

	subs, err := h.servlet.QueryOrderSubmissions(ctx, alice, realtime("alice"))
	require.NoError(t, err)
	assert.Empty(t, subs.Snapshot)
	reports, err := h.servlet.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)

	info, err := h.servlet.NewOrderSingle(ctx, alice, bid("", 100, "10"))
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Account)
	assert.Equal(t, security.Currency("USD"), info.Value.Fields.Currency)
	assert.Equal(t, "NASDAQ", info.Value.Fields.Destination)
	assert.Equal(t, security.CountryUS, info.Value.Fields.Security.Country)
	assert.Equal(t, order.TIFDay, info.Value.Fields.TimeInForce.Type)
	assert.Equal(t, order.ID(100), info.Value.ID)

	published := nextValue(t, subs.Subscription)
	assert.Equal(t, info.Sequence, published.Sequence)
	assert.Equal(t, info.Value.ID, published.Value.Info.ID)

	o := h.venue.NextSubmission(t)
	assert.Equal(t, order.StatusPendingNew, nextValue(t, reports.Subscription).Value.Status)
	drivertest.Accept(t, o)
	drivertest.Fill(t, o, decimal.RequireFromString("10"), 100)

	newReport := nextValue(t, reports.Subscription)
	filled := nextValue(t, reports.Subscription)
	assert.Equal(t, order.StatusNew, newReport.Value.Status)
	assert.Equal(t, order.StatusFilled, filled.Value.Status)
	assert.Greater(t, filled.Sequence, newReport.Sequence)
	assert.Greater(t, newReport.Sequence, info.Sequence)

	rec, ok, err := h.store.LoadOrder(ctx, info.Value.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Value.Reports, 3)
}

func TestNewOrderSingle_RejectsWithoutPermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reports, err := h.servlet.QueryExecutionReports(ctx, h.session("alice"), realtime("alice"))
	require.NoError(t, err)

	info, err := h.servlet.NewOrderSingle(ctx, h.session("carol"), bid("alice", 100, "10"))
	require.NoError(t, err)
	assert.Equal(t, "carol", info.Value.SubmissionAccount)
	h.venue.ExpectNoSubmission(t, 50*time.Millisecond)

	assert.Equal(t, order.StatusPendingNew, nextValue(t, reports.Subscription).Value.Status)
	rejected := nextValue(t, reports.Subscription)
	assert.Equal(t, order.StatusRejected, rejected.Value.Status)
	assert.Equal(t, servlet.ReasonInsufficientPermissions, rejected.Value.Text)
}

func TestNewOrderSingle_ManagerTradesForTrader(t *testing.T) {
	h := newHarness(t)
	info, err := h.servlet.NewOrderSingle(context.Background(), h.session("bob"), bid("alice", 100, "10"))
	require.NoError(t, err)
	o := h.venue.NextSubmission(t)
	assert.Equal(t, info.Value.ID, o.ID())
	assert.Equal(t, "bob", o.Info().SubmissionAccount)
}

func TestNewOrderSingle_ComplianceViolation(t *testing.T) {
	directory := testDirectory()
	builder, err := compliance.NewBuilder(compliance.Dependencies{
		Markets: security.DefaultMarketDatabase(),
		Quotes:  marketdata.NewBboCache(),
	})
	require.NoError(t, err)
	engine := compliance.NewEngine(builder.Build, directory.GroupsOf, nil)
	engine.Update(compliance.RuleEntry{
		ID:        1,
		Directory: "alice",
		Schema: compliance.Schema{
			Name:       compliance.SchemaSymbolRestriction,
			Parameters: map[string]any{"symbols": []any{"TST.NSDQ"}},
		},
	})
	venue := drivertest.New()
	s := servlet.New(servlet.Config{}, directory, uid.NewLocalClient(1), compliance.NewCheckDriver(engine, venue), store.NewLocalStore())
	t.Cleanup(func() { _ = s.Close() })

	alice, err := directory.Open("alice")
	require.NoError(t, err)
	ctx := context.Background()
	reports, err := s.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)
	_, err = s.NewOrderSingle(ctx, alice, bid("alice", 100, "10"))
	require.NoError(t, err)
	venue.ExpectNoSubmission(t, 50*time.Millisecond)

	nextValue(t, reports.Subscription)
	rejected := nextValue(t, reports.Subscription)
	assert.Equal(t, order.StatusRejected, rejected.Value.Status)
	assert.Equal(t, compliance.ReasonSymbolRestricted, rejected.Value.Text)
}

func TestNewOrderSingle_InvalidFields(t *testing.T) {
	h := newHarness(t)
	tests := map[string]order.Fields{
		"no quantity":   bid("alice", 0, "10"),
		"no side":       func() order.Fields { f := bid("alice", 1, "10"); f.Side = order.SideNone; return f }(),
		"no limit":      bid("alice", 1, "0"),
		"wildcard":      func() order.Fields { f := bid("alice", 1, "10"); f.Security.Symbol = "*"; return f }(),
		"no order type": func() order.Fields { f := bid("alice", 1, "10"); f.Type = order.TypeNone; return f }(),
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.servlet.NewOrderSingle(context.Background(), h.session("alice"), fields)
			assert.ErrorIs(t, err, servlet.ErrInvalidOrder)
		})
	}
}

func TestNewOrderSingle_IDFailure(t *testing.T) {
	ids := new(MockIDs)
	ids.On("LoadNextID", mock.Anything).Return(uint64(0), errors.New("uid down")).Once()
	venue := drivertest.New()
	s := servlet.New(servlet.Config{}, testDirectory(), ids, venue, store.NewLocalStore())
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.NewOrderSingle(context.Background(), session.New("alice", false), bid("alice", 1, "10"))
	assert.ErrorContains(t, err, "uid down")
	venue.ExpectNoSubmission(t, 20*time.Millisecond)
	ids.AssertExpectations(t)
}

func TestNewOrderSingle_StoreFailureSkipsDriver(t *testing.T) {
	ds := &MockStore{LocalStore: store.NewLocalStore()}
	ds.On("StoreOrder", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	venue := drivertest.New()
	s := servlet.New(servlet.Config{}, testDirectory(), uid.NewLocalClient(1), venue, ds)
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.NewOrderSingle(context.Background(), session.New("alice", false), bid("alice", 1, "10"))
	assert.ErrorContains(t, err, "disk full")
	venue.ExpectNoSubmission(t, 20*time.Millisecond)
	ds.AssertExpectations(t)
}

func TestStoreFailure_LeavesNoSequenceGap(t *testing.T) {
	ctx := context.Background()
	ds := &MockStore{LocalStore: store.NewLocalStore()}
	failed := make(chan struct{})
	ds.On("StoreOrder", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	ds.On("StoreOrder", mock.Anything, mock.Anything).Return(nil)
	ds.On("StoreReports", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once().
		Run(func(mock.Arguments) { close(failed) })
	ds.On("StoreReports", mock.Anything, mock.Anything).Return(nil)
	venue := drivertest.New()
	s := servlet.New(servlet.Config{}, testDirectory(), uid.NewLocalClient(1), venue, ds)
	t.Cleanup(func() { _ = s.Close() })
	alice := session.New("alice", false)

	reports, err := s.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)

	_, err = s.NewOrderSingle(ctx, alice, bid("alice", 1, "10"))
	require.ErrorContains(t, err, "disk full")
	info, err := s.NewOrderSingle(ctx, alice, bid("alice", 1, "10"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Sequence)

	o := venue.NextSubmission(t)
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("pending new report was not written")
	}
	drivertest.Accept(t, o)
	r := nextValue(t, reports.Subscription)
	assert.Equal(t, order.StatusNew, r.Value.Status)
	assert.Equal(t, uint64(2), r.Sequence)
	ds.AssertExpectations(t)
}

func TestSupervisedStore_PersistBeforePublish(t *testing.T) {
	ctx := context.Background()
	local := store.NewLocalStore()
	supervised := store.NewSupervisedStore(local, 0)
	venue := drivertest.New()
	directory := testDirectory()
	s := servlet.New(servlet.Config{}, directory, uid.NewLocalClient(1), venue, supervised)
	t.Cleanup(func() { _ = s.Close() })
	alice := session.New("alice", false)

	subs, err := s.QueryOrderSubmissions(ctx, alice, realtime("alice"))
	require.NoError(t, err)
	supervised.SetSupervised(true)

	done := make(chan error, 1)
	go func() {
		_, err := s.NewOrderSingle(ctx, alice, bid("alice", 100, "10"))
		done <- err
	}()

	var op *store.Operation
	select {
	case op = <-supervised.Operations():
	case <-time.After(2 * time.Second):
		t.Fatal("no store operation")
	}
	assert.Equal(t, store.OpStoreOrder, op.Kind)
	expectNoValue(t, subs.Subscription, 50*time.Millisecond)
	venue.ExpectNoSubmission(t, 10*time.Millisecond)

	require.True(t, op.Forward(ctx, local))
	require.NoError(t, <-done)
	nextValue(t, subs.Subscription)
	o := venue.NextSubmission(t)

	select {
	case op = <-supervised.Operations():
	case <-time.After(2 * time.Second):
		t.Fatal("no report operation")
	}
	assert.Equal(t, store.OpStoreReports, op.Kind)
	require.Len(t, op.Reports, 1)
	assert.Equal(t, o.ID(), op.Reports[0].Value.ID)
	supervised.SetSupervised(false)
	op.Forward(ctx, local)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	info, err := h.servlet.NewOrderSingle(ctx, h.session("alice"), bid("alice", 100, "10"))
	require.NoError(t, err)
	o := h.venue.NextSubmission(t)
	drivertest.Accept(t, o)

	assert.ErrorIs(t, h.servlet.CancelOrder(h.session("carol"), info.Value.ID), servlet.ErrInsufficientPermissions)
	assert.ErrorIs(t, h.servlet.CancelOrder(h.session("alice"), 999), servlet.ErrOrderNotFound)

	require.NoError(t, h.servlet.CancelOrder(h.session("bob"), info.Value.ID))
	assert.Equal(t, []order.ID{info.Value.ID}, h.venue.Cancels())
	assert.Equal(t, order.StatusPendingCancel, o.Status())

	drivertest.CancelOrder(t, o)
	require.NoError(t, h.servlet.CancelOrder(h.session("alice"), info.Value.ID), "canceling a finished order is a no-op")
	assert.Len(t, h.venue.Cancels(), 1)
}

func TestUpdateOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := h.session("admin")
	reports, err := h.servlet.QueryExecutionReports(ctx, admin, realtime("alice"))
	require.NoError(t, err)
	info, err := h.servlet.NewOrderSingle(ctx, h.session("alice"), bid("alice", 100, "10"))
	require.NoError(t, err)
	o := h.venue.NextSubmission(t)
	drivertest.Accept(t, o)
	nextValue(t, reports.Subscription)
	nextValue(t, reports.Subscription)

	fill := order.ExecutionReport{Status: order.StatusPartiallyFilled, LastQuantity: 30, LastPrice: decimal.NewFromInt(10)}
	assert.ErrorIs(t, h.servlet.UpdateOrder(h.session("alice"), info.Value.ID, fill), servlet.ErrInsufficientPermissions)
	assert.ErrorIs(t, h.servlet.UpdateOrder(admin, info.Value.ID,
		order.ExecutionReport{Status: order.StatusPendingNew}), order.ErrIllegalTransition)
	assert.ErrorIs(t, h.servlet.UpdateOrder(admin, 999, fill), servlet.ErrOrderNotFound)

	require.NoError(t, h.servlet.UpdateOrder(admin, info.Value.ID, fill))
	updated := nextValue(t, reports.Subscription)
	assert.Equal(t, order.StatusPartiallyFilled, updated.Value.Status)
	assert.Equal(t, int64(30), updated.Value.CumulativeQuantity)
}

func TestLoadOrderByID_HidesForeignOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	info, err := h.servlet.NewOrderSingle(ctx, h.session("alice"), bid("alice", 100, "10"))
	require.NoError(t, err)

	_, ok, err := h.servlet.LoadOrderByID(ctx, h.session("carol"), info.Value.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, account := range []string{"alice", "bob", "admin"} {
		rec, ok, err := h.servlet.LoadOrderByID(ctx, h.session(account), info.Value.ID)
		require.NoError(t, err)
		require.True(t, ok, account)
		assert.Equal(t, info.Value.ID, rec.Value.Info.ID)
	}
}

func TestQuery_ForeignAccountIsEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.servlet.NewOrderSingle(ctx, h.session("alice"), bid("alice", 100, "10"))
	require.NoError(t, err)

	res, err := h.servlet.QueryOrderSubmissions(ctx, h.session("carol"), realtime("alice"))
	require.NoError(t, err)
	assert.Empty(t, res.Snapshot)
	assert.Nil(t, res.Subscription)

	_, err = h.servlet.QueryOrderSubmissions(ctx, h.session("carol"), store.AccountQuery{})
	assert.Error(t, err)
}

func TestQuery_SnapshotThenLiveWithoutGap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")
	first, err := h.servlet.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)

	_, err = h.servlet.NewOrderSingle(ctx, alice, bid("alice", 100, "10"))
	require.NoError(t, err)
	o := h.venue.NextSubmission(t)
	drivertest.Accept(t, o)
	nextValue(t, first.Subscription)
	nextValue(t, first.Subscription)

	res, err := h.servlet.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)
	require.Len(t, res.Snapshot, 2)
	last := res.Snapshot[1].Sequence

	drivertest.Fill(t, o, decimal.NewFromInt(10), 40)
	live := nextValue(t, res.Subscription)
	assert.Greater(t, live.Sequence, last)
	assert.Equal(t, order.StatusPartiallyFilled, live.Value.Status)
	expectNoValue(t, res.Subscription, 20*time.Millisecond)

	res.Subscription.Close()
	_, open := <-res.Subscription.Updates()
	assert.False(t, open)
	assert.NoError(t, res.Subscription.Err())
}

func TestQuery_LiveFeedHonorsFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")
	q := realtime("alice")
	q.Filter = store.Filter{{Path: "info.fields.side", Op: store.OpEqual, Value: "ASK"}}
	res, err := h.servlet.QueryOrderSubmissions(ctx, alice, q)
	require.NoError(t, err)

	_, err = h.servlet.NewOrderSingle(ctx, alice, bid("alice", 100, "10"))
	require.NoError(t, err)
	sold, err := h.servlet.NewOrderSingle(ctx, alice, ask("alice", 100, "11"))
	require.NoError(t, err)

	got := nextValue(t, res.Subscription)
	assert.Equal(t, sold.Value.ID, got.Value.Info.ID)
}

func TestShortingFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")
	reports, err := h.servlet.QueryExecutionReports(ctx, alice, realtime("alice"))
	require.NoError(t, err)

	short, err := h.servlet.NewOrderSingle(ctx, alice, ask("alice", 10, "10"))
	require.NoError(t, err)
	assert.True(t, short.Value.ShortingFlag)
	h.venue.NextSubmission(t)
	nextValue(t, reports.Subscription)

	_, err = h.servlet.NewOrderSingle(ctx, alice, bid("alice", 100, "10"))
	require.NoError(t, err)
	o := h.venue.NextSubmission(t)
	drivertest.Accept(t, o)
	drivertest.Fill(t, o, decimal.NewFromInt(10), 100)
	for i := 0; i < 3; i++ {
		nextValue(t, reports.Subscription)
	}

	covered, err := h.servlet.NewOrderSingle(ctx, alice, ask("alice", 60, "10"))
	require.NoError(t, err)
	assert.False(t, covered.Value.ShortingFlag)
	oversold, err := h.servlet.NewOrderSingle(ctx, alice, ask("alice", 160, "10"))
	require.NoError(t, err)
	assert.True(t, oversold.Value.ShortingFlag)
}

func TestOpen_RecoversLiveOrders(t *testing.T) {
	ctx := context.Background()
	ds := store.NewLocalStore()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	live := order.Info{Fields: bid("alice", 100, "10"), SubmissionAccount: "alice", ID: 7, Timestamp: start.Add(time.Hour)}
	done := order.Info{Fields: bid("alice", 50, "10"), SubmissionAccount: "alice", ID: 8, Timestamp: start.Add(time.Hour)}
	require.NoError(t, ds.StoreOrder(ctx, store.SequencedOrderInfo{Value: live, Account: "alice", Sequence: 1}))
	require.NoError(t, ds.StoreOrder(ctx, store.SequencedOrderInfo{Value: done, Account: "alice", Sequence: 2}))
	liveNew := order.MustBuildUpdatedReport(order.BuildInitialReport(7, live.Timestamp), order.StatusNew, live.Timestamp, 0, decimal.Zero)
	doneFill := order.MustBuildUpdatedReport(
		order.MustBuildUpdatedReport(order.BuildInitialReport(8, done.Timestamp), order.StatusNew, done.Timestamp, 0, decimal.Zero),
		order.StatusFilled, done.Timestamp, 50, decimal.NewFromInt(10))
	require.NoError(t, ds.StoreReports(ctx, []store.SequencedReport{
		{Value: order.BuildInitialReport(7, live.Timestamp), Account: "alice", Sequence: 3},
		{Value: liveNew, Account: "alice", Sequence: 4},
		{Value: doneFill, Account: "alice", Sequence: 5},
	}))

	venue := drivertest.New()
	s := servlet.New(servlet.Config{SessionStart: start}, testDirectory(), uid.NewLocalClient(1000), venue, ds)
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { _ = s.Close() })

	recovered, ok := venue.Order(7)
	require.True(t, ok)
	assert.Equal(t, order.StatusNew, recovered.Status())
	_, ok = venue.Order(8)
	assert.False(t, ok, "finished orders stay with the servlet")

	alice := session.New("alice", false)
	reports, err := s.QueryExecutionReports(ctx, alice, store.AccountQuery{
		Account: "alice", Range: store.Range{Start: 6, RealTime: true},
	})
	require.NoError(t, err)
	assert.Empty(t, reports.Snapshot, "recovered reports are not stored twice")

	drivertest.Fill(t, recovered, decimal.NewFromInt(10), 100)
	filled := nextValue(t, reports.Subscription)
	assert.Equal(t, uint64(6), filled.Sequence)
	assert.Equal(t, order.StatusFilled, filled.Value.Status)

	next, err := s.NewOrderSingle(ctx, alice, ask("alice", 100, "10"))
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, uint64(6))
	assert.False(t, next.Value.ShortingFlag, "covered by the recovered long position of 150")
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.servlet.QueryOrderSubmissions(ctx, h.session("alice"), realtime("alice"))
	require.NoError(t, err)

	require.NoError(t, h.servlet.Close())
	require.NoError(t, h.servlet.Close())
	assert.True(t, h.venue.Closed())

	_, open := <-res.Subscription.Updates()
	assert.False(t, open)
	assert.ErrorIs(t, res.Subscription.Err(), servlet.ErrClosed)

	_, err = h.servlet.NewOrderSingle(ctx, h.session("alice"), bid("alice", 1, "10"))
	assert.ErrorIs(t, err, servlet.ErrClosed)
}
