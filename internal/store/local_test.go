package store

import (
	"context"
	"testing"
	"time"

	"ordergate/internal/order"
	"ordergate/internal/security"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseTime = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	tst      = security.New("TST", "XNAS", security.CountryUS)
	abc      = security.New("ABC", "XNAS", security.CountryUS)
)

func sequencedInfo(account string, seq uint64, id order.ID, sec security.Security, qty int64) SequencedOrderInfo {
	fields := order.MakeLimitOrder(account, sec, "USD", order.SideBid, "NSDQ", qty, decimal.NewFromInt(10))
	return SequencedOrderInfo{
		Value: order.Info{
			Fields:            fields,
			SubmissionAccount: account,
			ID:                id,
			Timestamp:         baseTime.Add(time.Duration(seq) * time.Second),
		},
		Account:  account,
		Sequence: seq,
	}
}

func sequencedReports(account string, seq uint64, id order.ID, statuses ...order.Status) []SequencedReport {
	r := order.BuildInitialReport(id, baseTime)
	out := []SequencedReport{{Value: r, Account: account, Sequence: seq}}
	for _, status := range statuses {
		seq++
		var qty int64
		if status == order.StatusFilled {
			qty = 100
		}
		r = order.MustBuildUpdatedReport(r, status, r.Timestamp.Add(time.Second), qty, decimal.NewFromInt(10))
		out = append(out, SequencedReport{Value: r, Account: account, Sequence: seq})
	}
	return out
}

func TestLocalStore_LoadOrder(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	require.NoError(t, s.StoreOrder(ctx, sequencedInfo("alice", 1, 7, tst, 100)))
	require.NoError(t, s.StoreReports(ctx, sequencedReports("alice", 1, 7, order.StatusNew, order.StatusFilled)))

	rec, ok, err := s.LoadOrder(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Account)
	assert.Equal(t, order.ID(7), rec.Value.Info.ID)
	require.Len(t, rec.Value.Reports, 3)
	assert.Equal(t, order.StatusFilled, rec.Value.Reports[2].Status)

	_, ok, err = s.LoadOrder(ctx, 8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_QueriesByAccount(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	require.NoError(t, s.StoreOrder(ctx, sequencedInfo("alice", 3, 3, abc, 300)))
	require.NoError(t, s.StoreOrder(ctx, sequencedInfo("alice", 1, 1, tst, 100)))
	require.NoError(t, s.StoreOrder(ctx, sequencedInfo("bob", 2, 2, tst, 200)))

	records, err := s.LoadOrderSubmissions(ctx, AccountQuery{Account: "alice"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, uint64(3), records[1].Sequence)

	records, err = s.LoadOrderSubmissions(ctx, AccountQuery{
		Account: "alice",
		Filter:  Filter{{Path: "info.fields.security.symbol", Op: OpEqual, Value: "ABC"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, order.ID(3), records[0].Value.Info.ID)

	records, err = s.LoadOrderSubmissions(ctx, AccountQuery{Account: "alice", Limit: SnapshotLimit{Type: LimitTail, Size: 1}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(3), records[0].Sequence)
}

func TestLocalStore_ExecutionReportRange(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	require.NoError(t, s.StoreReports(ctx, sequencedReports("alice", 1, 1, order.StatusNew, order.StatusCanceled)))
	require.NoError(t, s.StoreReports(ctx, sequencedReports("bob", 4, 2, order.StatusNew)))

	reports, err := s.LoadExecutionReports(ctx, AccountQuery{Account: "alice", Range: Range{Start: 2}})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, order.StatusNew, reports[0].Value.Status)
	assert.Equal(t, order.StatusCanceled, reports[1].Value.Status)

	seqs, err := s.LoadInitialSequences(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, InitialSequences{NextOrderSequence: 1, NextReportSequence: 4}, seqs)
}

func TestLocalStore_Closed(t *testing.T) {
	s := NewLocalStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err := s.StoreOrder(context.Background(), sequencedInfo("alice", 1, 1, tst, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = s.LoadOrder(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
