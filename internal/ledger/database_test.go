package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "dca.db"))
	require.NoError(t, err)
	return NewDatabase(db)
}

func TestNextSequenceIsContiguousPerResource(t *testing.T) {
	d := newTestDatabase(t)

	for want := uint64(1); want <= 3; want++ {
		got, err := d.NextSequence(StreamEvents, 7)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := d.NextSequence(StreamEvents, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other)

	executions, err := d.NextSequence(StreamExecutions, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), executions)
}

func TestTransactionRollsBackSequenceAndRows(t *testing.T) {
	d := newTestDatabase(t)
	boom := errors.New("boom")

	err := d.Transaction(func(tx *Database) error {
		require.NoError(t, tx.AppendEvent(&types.Event{ResourceID: 1, Type: types.EventVaultCreated}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := d.EventsByResource(1, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, d.AppendEvent(&types.Event{ResourceID: 1, Type: types.EventVaultCreated}))
	events, err = d.EventsByResource(1, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Sequence)
}

func TestVaultRoundTrip(t *testing.T) {
	d := newTestDatabase(t)

	vault := &types.Vault{
		Owner:             "alice",
		PairAddress:       "pair-1",
		Position:          types.PositionEnter,
		Balance:           types.NewCoin(1000, "uusdc"),
		SwapAmount:        decimal.NewFromInt(100),
		Interval:          types.IntervalDaily,
		SlippageTolerance: decimal.NewNullDecimal(decimal.RequireFromString("0.05")),
		SwappedAmount:     types.ZeroCoin("uusdc"),
		ReceivedAmount:    types.ZeroCoin("uatom"),
		Status:            types.VaultStatusActive,
	}
	require.NoError(t, d.CreateVault(vault))
	assert.Equal(t, uint64(1), vault.ID)

	got, err := d.GetVault(vault.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "uusdc", got.Balance.Denom)
	assert.True(t, got.SlippageTolerance.Valid)
	assert.False(t, got.TargetPrice.Valid)

	_, err = d.GetVault(99)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDueTimeTriggersOrderingAndPaging(t *testing.T) {
	d := newTestDatabase(t)

	require.NoError(t, d.SaveTrigger(types.NewTimeTrigger(3, time.Unix(100, 0))))
	require.NoError(t, d.SaveTrigger(types.NewTimeTrigger(1, time.Unix(200, 0))))
	require.NoError(t, d.SaveTrigger(types.NewTimeTrigger(2, time.Unix(100, 0))))
	require.NoError(t, d.SaveTrigger(types.NewTimeTrigger(4, time.Unix(500, 0))))

	busy := types.NewTimeTrigger(5, time.Unix(50, 0))
	busy.Begin(types.SagaAwaitingSwapConfirmation, "req", decimal.NewFromInt(1), time.Unix(50, 0))
	require.NoError(t, d.SaveTrigger(busy))

	first, err := d.DueTimeTriggers(300, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(2), first[0].VaultID)
	assert.Equal(t, uint64(3), first[1].VaultID)

	rest, err := d.DueTimeTriggers(300, first[1].TargetTime, first[1].VaultID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(1), rest[0].VaultID)
}

func TestTriggerByRequestID(t *testing.T) {
	d := newTestDatabase(t)

	trigger := types.NewTimeTrigger(1, time.Unix(100, 0))
	trigger.Begin(types.SagaAwaitingSwapConfirmation, "req-1", decimal.NewFromInt(10), time.Unix(100, 0))
	require.NoError(t, d.SaveTrigger(trigger))
	require.NoError(t, d.SaveTrigger(types.NewTimeTrigger(2, time.Unix(100, 0))))

	got, err := d.TriggerByRequestID("req-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.VaultID)
	assert.True(t, got.PendingAmount.Equal(decimal.NewFromInt(10)))

	got.Finish(types.SagaIdle)
	require.NoError(t, d.SaveTrigger(got))

	_, err = d.TriggerByRequestID("req-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDisbursementTaskUpsert(t *testing.T) {
	d := newTestDatabase(t)

	require.NoError(t, d.UpsertDisbursementTask(&types.DisbursementTask{VaultID: 1, DueTime: 500}))
	require.NoError(t, d.UpsertDisbursementTask(&types.DisbursementTask{VaultID: 1, DueTime: 300}))
	require.NoError(t, d.UpsertDisbursementTask(&types.DisbursementTask{VaultID: 2, DueTime: 900}))

	due, err := d.DueDisbursementTasks(400, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].VaultID)
	assert.Equal(t, int64(300), due[0].DueTime)
}

func TestOrderIndex(t *testing.T) {
	d := newTestDatabase(t)

	require.NoError(t, d.PutOrderIndex(42, 7))
	entry, err := d.GetOrderIndex(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), entry.VaultID)

	require.NoError(t, d.DeleteOrderIndex(42))
	_, err = d.GetOrderIndex(42)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCustomSwapFeeMissingIsNil(t *testing.T) {
	d := newTestDatabase(t)

	fee, err := d.CustomSwapFee("uatom")
	require.NoError(t, err)
	assert.Nil(t, fee)

	require.NoError(t, d.SaveCustomSwapFee(&types.CustomSwapFee{Denom: "uatom", Percent: decimal.RequireFromString("0.001")}))
	fee, err = d.CustomSwapFee("uatom")
	require.NoError(t, err)
	require.NotNil(t, fee)
	assert.True(t, fee.Percent.Equal(decimal.RequireFromString("0.001")))
}
