package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *ledger.Database {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "dca.db"))
	require.NoError(t, err)
	return ledger.NewDatabase(db)
}

func TestNextTargetTimeOnlyMovesForward(t *testing.T) {
	previous := time.Unix(1_000_000, 0)

	// on time: one interval later
	next := NextTargetTime(previous, types.IntervalHourly, 0, previous)
	assert.Equal(t, previous.Add(time.Hour), next)

	// late by three hours: catch up to asOf instead of replaying slots
	late := previous.Add(3 * time.Hour)
	assert.Equal(t, late, NextTargetTime(previous, types.IntervalHourly, 0, late))

	// advancing twice from the same base is strictly increasing
	again := NextTargetTime(next, types.IntervalHourly, 0, previous)
	assert.True(t, again.After(next))

	for _, interval := range []types.TimeInterval{
		types.IntervalEverySecond, types.IntervalDaily, types.IntervalMonthly,
	} {
		got := NextTargetTime(previous, interval, 0, previous.Add(-time.Hour))
		assert.True(t, got.After(previous), interval)
	}
}

func TestDueTimeTriggersPagesWithCursor(t *testing.T) {
	db := newTestLedger(t)
	idx := NewIndex()

	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, db.SaveTrigger(types.NewTimeTrigger(id, time.Unix(int64(100*id), 0))))
	}
	require.NoError(t, db.SaveTrigger(types.NewTimeTrigger(6, time.Unix(10_000, 0))))

	asOf := time.Unix(1_000, 0)
	first, token, err := idx.DueTimeTriggers(db, asOf, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, first)
	require.NotEmpty(t, token)

	second, token, err := idx.DueTimeTriggers(db, asOf, 2, token)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, second)

	third, token, err := idx.DueTimeTriggers(db, asOf, 2, token)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, third)
	assert.Empty(t, token)
}

func TestDueTimeTriggersRejectsMalformedCursor(t *testing.T) {
	db := newTestLedger(t)

	_, _, err := NewIndex().DueTimeTriggers(db, time.Now(), 10, "%%%")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestLookupByOrderIndexAndRemove(t *testing.T) {
	db := newTestLedger(t)
	idx := NewIndex()

	trigger := types.NewPriceTrigger(9, decimal.NewFromInt(10))
	orderIdx := uint64(77)
	trigger.OrderIdx = &orderIdx
	trigger.State = types.SagaOrderOpen
	require.NoError(t, db.SaveTrigger(trigger))
	require.NoError(t, db.PutOrderIndex(orderIdx, 9))

	vaultID, err := idx.LookupByOrderIndex(db, orderIdx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), vaultID)

	ids, _, err := idx.PriceTriggers(db, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, ids)

	require.NoError(t, idx.Remove(db, trigger))
	_, err = idx.LookupByOrderIndex(db, orderIdx)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = db.GetTrigger(9)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAdvanceClearsPendingRequest(t *testing.T) {
	db := newTestLedger(t)
	idx := NewIndex()
	vault := &types.Vault{ID: 1, Interval: types.IntervalDaily}

	trigger := types.NewTimeTrigger(1, time.Unix(86_400, 0))
	trigger.Begin(types.SagaAwaitingSwapConfirmation, "req", decimal.NewFromInt(5), time.Unix(86_400, 0))
	require.NoError(t, db.SaveTrigger(trigger))

	require.NoError(t, idx.Advance(db, vault, trigger, time.Unix(86_400, 0)))

	stored, err := db.GetTrigger(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2*86_400), stored.TargetTime)
	assert.Equal(t, types.SagaIdle, stored.State)
	assert.Nil(t, stored.PendingRequestID)
}

type fakeRunner struct {
	triggers      []uint64
	disbursements []uint64
	recomputes    int
	failFor       map[uint64]error
}

func (f *fakeRunner) RunTrigger(_ context.Context, vaultID uint64) error {
	f.triggers = append(f.triggers, vaultID)
	return f.failFor[vaultID]
}

func (f *fakeRunner) RunDisbursement(_ context.Context, vaultID uint64) error {
	f.disbursements = append(f.disbursements, vaultID)
	return nil
}

func (f *fakeRunner) RecomputeAdjustments(context.Context) error {
	f.recomputes++
	return nil
}

func TestProcessorSweep(t *testing.T) {
	db := newTestLedger(t)
	now := time.Unix(5_000, 0)

	require.NoError(t, db.SaveTrigger(types.NewTimeTrigger(1, time.Unix(1_000, 0))))
	require.NoError(t, db.SaveTrigger(types.NewTimeTrigger(2, time.Unix(2_000, 0))))
	require.NoError(t, db.SaveTrigger(types.NewTimeTrigger(3, time.Unix(9_000, 0))))
	require.NoError(t, db.SaveTrigger(types.NewPriceTrigger(4, decimal.NewFromInt(3))))
	require.NoError(t, db.UpsertDisbursementTask(&types.DisbursementTask{VaultID: 5, DueTime: 4_000}))
	require.NoError(t, db.UpsertDisbursementTask(&types.DisbursementTask{VaultID: 6, DueTime: 6_000}))

	runner := &fakeRunner{failFor: map[uint64]error{
		1: types.Errorf(types.CodeNotDue, "not due"),
		2: errors.New("venue down"),
	}}
	p := NewProcessor(db, runner, nil, func() time.Time { return now }, time.Second, time.Hour)

	stats, err := p.SweepWithStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 4}, runner.triggers)
	assert.Equal(t, []uint64{5}, runner.disbursements)
	assert.Equal(t, 1, runner.recomputes)
	assert.Equal(t, SweepStats{TimeTriggers: 2, PriceTriggers: 1, Disbursements: 1, Failures: 1}, stats)

	// adjustments wait for their own interval
	require.NoError(t, p.Sweep(context.Background()))
	assert.Equal(t, 1, runner.recomputes)
}
