package adjustment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
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

func executionAt(sent, received int64) types.Execution {
	return types.Execution{
		Outcome:  types.OutcomeSuccess,
		Sent:     types.NewCoin(sent, "uusdc"),
		Received: types.NewCoin(received, "uatom"),
	}
}

func TestCoefficient(t *testing.T) {
	history := []types.Execution{executionAt(1000, 100), executionAt(1000, 100)}

	tests := []struct {
		name     string
		position types.PositionType
		current  string
		want     string
	}{
		{"enter at average", types.PositionEnter, "10", "1"},
		{"enter cheaper now", types.PositionEnter, "8", "1.25"},
		{"enter clamped high", types.PositionEnter, "2", "1.5"},
		{"enter clamped low", types.PositionEnter, "40", "0.5"},
		{"exit richer now", types.PositionExit, "0.12", "1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Coefficient(tt.position, history, decimal.RequireFromString(tt.current))
			require.True(t, ok)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}

	_, ok := Coefficient(types.PositionEnter, nil, decimal.NewFromInt(10))
	assert.False(t, ok)
}

func TestRecomputeUsesRecentExecutions(t *testing.T) {
	db := newTestLedger(t)
	require.NoError(t, db.SavePair(&types.Pair{Address: "pair", BaseDenom: "uatom", QuoteDenom: "uusdc"}))

	sim := venue.NewSimulator()
	sim.SetPrice("pair", decimal.NewFromInt(8))
	s := NewService(sim, 10)
	block := types.Block{Height: 1, Time: time.Unix(1_000, 0)}
	ctx := context.Background()

	// no history keeps the default
	adjustment, err := s.Recompute(ctx, db, block, "pair", types.PositionEnter)
	require.NoError(t, err)
	assert.True(t, adjustment.Value.Equal(decimal.NewFromInt(1)))

	e := executionAt(1000, 100)
	e.VaultID = 1
	e.PairAddress = "pair"
	e.Position = types.PositionEnter
	e.BlockTime = block.Time
	require.NoError(t, db.AppendExecution(&e))

	adjustment, err = s.Recompute(ctx, db, block, "pair", types.PositionEnter)
	require.NoError(t, err)
	assert.True(t, adjustment.Value.Equal(decimal.RequireFromString("1.25")))

	value, err := s.Get(db, "pair", types.PositionEnter)
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.RequireFromString("1.25")))

	all, err := s.RecomputeAll(ctx, db, block)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetValidates(t *testing.T) {
	db := newTestLedger(t)
	require.NoError(t, db.SavePair(&types.Pair{Address: "pair", BaseDenom: "uatom", QuoteDenom: "uusdc"}))
	s := NewService(venue.NewSimulator(), 0)
	block := types.Block{Height: 1, Time: time.Unix(1_000, 0)}

	_, err := s.Set(db, block, "pair", types.PositionEnter, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = s.Set(db, block, "pair", types.PositionType("sideways"), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = s.Set(db, block, "missing", types.PositionEnter, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.Set(db, block, "pair", types.PositionExit, decimal.RequireFromString("0.9"))
	require.NoError(t, err)
	value, err := s.Get(db, "pair", types.PositionExit)
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.RequireFromString("0.9")))
}
