package config

import (
	"context"
	"os"
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

// unsetenv clears key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadDefaults(t *testing.T) {
	unsetenv(t, "DCA_ESCROW_LEVEL")
	unsetenv(t, "DCA_API_CREDENTIALS")
	unsetenv(t, "DCA_PROCESS_INTERVAL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.EscrowLevel.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 10*time.Second, cfg.ProcessInterval)
	assert.Equal(t, map[string]string{"test-api-key": "test-api-secret"}, cfg.APICredentials)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DCA_SWAP_FEE_PERCENT", "0.001")
	t.Setenv("DCA_ADJUSTMENT_INTERVAL", "15m")
	t.Setenv("DCA_API_CREDENTIALS", "k1:s1,k2:s2")
	t.Setenv("DCA_ADMIN_ADDRESS", "governance")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SwapFeePercent.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 15*time.Minute, cfg.AdjustmentInterval)
	assert.Equal(t, "s2", cfg.APICredentials["k2"])
	assert.Equal(t, "governance", cfg.AdminAddress)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"DCA_ESCROW_LEVEL":     "1.5",
		"DCA_DEFAULT_SLIPPAGE": "-0.1",
		"DCA_PAGE_LIMIT":       "0",
		"DCA_SETTLE_INTERVAL":  "not-a-duration",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

const marketYAML = `
pairs:
  - address: pair-atom-usdc
    base_denom: uatom
    quote_denom: uusdc
    price: "9.5"
custom_fees:
  - denom: uatom
    percent: "0.002"
swap_adjustments:
  - pair: pair-atom-usdc
    position: enter
    value: "1.2"
venue:
  max_latency_ms: 0
  variance: 0
`

func TestParseMarket(t *testing.T) {
	m, err := ParseMarket([]byte(marketYAML))
	require.NoError(t, err)

	require.Len(t, m.Pairs, 1)
	assert.Equal(t, "uusdc", m.Pairs[0].QuoteDenom)
	assert.Equal(t, 1.0, m.Venue.SuccessRate)
	assert.Equal(t, types.PositionEnter, m.SwapAdjustments[0].Position)
}

func TestParseMarketValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no pairs", "pairs: []"},
		{"same denom", "pairs: [{address: p, base_denom: a, quote_denom: a, price: '1'}]"},
		{"bad price", "pairs: [{address: p, base_denom: a, quote_denom: b, price: '0'}]"},
		{"unknown adjustment pair", "pairs: [{address: p, base_denom: a, quote_denom: b, price: '1'}]\nswap_adjustments: [{pair: q, position: enter, value: '1'}]"},
		{"fee above one", "pairs: [{address: p, base_denom: a, quote_denom: b, price: '1'}]\ncustom_fees: [{denom: a, percent: '2'}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarket([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestMarketApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	require.NoError(t, os.WriteFile(path, []byte(marketYAML), 0o600))

	m, err := LoadMarket(path)
	require.NoError(t, err)

	gdb, err := database.NewDatabase(filepath.Join(t.TempDir(), "dca.db"))
	require.NoError(t, err)
	db := ledger.NewDatabase(gdb)
	sim := venue.NewSimulator()

	require.NoError(t, m.Apply(db, sim))

	pair, err := db.GetPair("pair-atom-usdc")
	require.NoError(t, err)
	assert.Equal(t, "uatom", pair.BaseDenom)

	fee, err := db.CustomSwapFee("uatom")
	require.NoError(t, err)
	require.NotNil(t, fee)
	assert.True(t, fee.Percent.Equal(decimal.RequireFromString("0.002")))

	adj, err := db.GetSwapAdjustment("pair-atom-usdc", types.PositionEnter)
	require.NoError(t, err)
	assert.True(t, adj.Value.Equal(decimal.RequireFromString("1.2")))

	price, err := sim.Price(context.Background(), "pair-atom-usdc")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("9.5")))
}

func TestLoadMarketDefaults(t *testing.T) {
	m, err := LoadMarket("")
	require.NoError(t, err)
	assert.NoError(t, m.Validate())
	assert.Len(t, m.Pairs, 2)
}
