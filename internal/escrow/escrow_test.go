package escrow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/events"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/settlement"
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

func dcaPlusVault(status types.VaultStatus) *types.Vault {
	return &types.Vault{
		Owner:          "alice",
		PairAddress:    "pair",
		Position:       types.PositionEnter,
		Balance:        types.ZeroCoin("uusdc"),
		SwapAmount:     decimal.NewFromInt(1000),
		Interval:       types.IntervalDaily,
		SwappedAmount:  types.NewCoin(3000, "uusdc"),
		ReceivedAmount: types.NewCoin(330, "uatom"),
		Status:         status,
		DcaPlusEnabled: true,
		DcaPlus: types.DcaPlus{
			EscrowLevel:      decimal.RequireFromString("0.05"),
			Escrowed:         decimal.NewFromInt(16),
			TotalDeposited:   decimal.NewFromInt(3000),
			StandardSwapped:  decimal.NewFromInt(3000),
			StandardReceived: decimal.NewFromInt(300),
		},
	}
}

func TestBenchmark(t *testing.T) {
	v := dcaPlusVault(types.VaultStatusCompleted)
	assert.True(t, Benchmark(v, decimal.NewFromInt(1)).Equal(decimal.NewFromInt(300)))

	// 1000 still unswapped on the standard schedule at an average price of
	// 3000/330, scaled by the coefficient
	v.DcaPlus.StandardSwapped = decimal.NewFromInt(2000)
	v.DcaPlus.StandardReceived = decimal.NewFromInt(200)
	assert.True(t, Benchmark(v, decimal.NewFromInt(1)).Equal(decimal.NewFromInt(310)))
	assert.True(t, Benchmark(v, decimal.RequireFromString("0.5")).Equal(decimal.NewFromInt(255)))
}

func TestClaimChargesPerformanceFee(t *testing.T) {
	db := newTestLedger(t)
	transfers := settlement.NewService()
	s := NewService(Settings{FeeCollector: "fees", PerformanceFeePercent: decimal.RequireFromString("0.2")}, events.NewLog(), transfers)

	v := dcaPlusVault(types.VaultStatusCompleted)
	require.NoError(t, db.CreateVault(v))

	block := types.Block{Height: 10, Time: time.Unix(1_000, 0)}
	require.NoError(t, s.ScheduleDisbursement(db, v.ID, block.Time))

	d, err := s.Claim(db, block, v.ID)
	require.NoError(t, err)
	assert.True(t, d.Outperformance.Equal(decimal.NewFromInt(30)))
	assert.True(t, d.PerformanceFee.Amount.Equal(decimal.NewFromInt(6)))
	assert.True(t, d.Returned.Amount.Equal(decimal.NewFromInt(10)))

	fees, err := transfers.Balances(db, "fees")
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.True(t, fees[0].Pending.Equal(decimal.NewFromInt(6)))

	stored, err := db.GetVault(v.ID)
	require.NoError(t, err)
	assert.True(t, stored.DcaPlus.Escrowed.IsZero())

	evts, err := db.EventsByResource(v.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, types.EventEscrowDisbursed, evts[0].Type)

	_, err = s.Claim(db, block, v.ID)
	assert.ErrorIs(t, err, types.ErrNotEligible)
}

func TestClaimFeeIsCappedByEscrow(t *testing.T) {
	db := newTestLedger(t)
	s := NewService(Settings{FeeCollector: "fees", PerformanceFeePercent: decimal.NewFromInt(1)}, events.NewLog(), settlement.NewService())

	v := dcaPlusVault(types.VaultStatusCancelled)
	require.NoError(t, db.CreateVault(v))
	block := types.Block{Height: 10, Time: time.Unix(1_000, 0)}
	require.NoError(t, s.ScheduleDisbursement(db, v.ID, block.Time))

	d, err := s.Claim(db, block, v.ID)
	require.NoError(t, err)
	assert.True(t, d.PerformanceFee.Amount.Equal(decimal.NewFromInt(16)))
	assert.True(t, d.Returned.Amount.IsZero())
}

func TestClaimEligibility(t *testing.T) {
	db := newTestLedger(t)
	s := NewService(Settings{FeeCollector: "fees"}, events.NewLog(), settlement.NewService())
	block := types.Block{Height: 10, Time: time.Unix(1_000, 0)}

	active := dcaPlusVault(types.VaultStatusActive)
	require.NoError(t, db.CreateVault(active))

	_, err := s.Claim(db, block, active.ID)
	assert.ErrorIs(t, err, types.ErrNotEligible, "no task")

	require.NoError(t, s.ScheduleDisbursement(db, active.ID, block.Time.Add(time.Hour)))
	_, err = s.Claim(db, block, active.ID)
	assert.ErrorIs(t, err, types.ErrNotEligible, "not due")

	// rescheduling is an upsert
	require.NoError(t, s.ScheduleDisbursement(db, active.ID, block.Time))
	tasks, err := s.DueDisbursementTasks(db, block.Time, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = s.Claim(db, block, active.ID)
	assert.ErrorIs(t, err, types.ErrNotEligible, "not terminal")
}
