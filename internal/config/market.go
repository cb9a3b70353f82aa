package config

import (
	"fmt"
	"os"

	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Market is the static market definition: the registered pairs, their
// starting prices, fee overrides and initial swap adjustments.
type Market struct {
	Pairs           []PairConfig       `yaml:"pairs"`
	CustomFees      []CustomFeeConfig  `yaml:"custom_fees,omitempty"`
	SwapAdjustments []AdjustmentConfig `yaml:"swap_adjustments,omitempty"`
	Venue           VenueConfig        `yaml:"venue"`
}

type PairConfig struct {
	Address    string `yaml:"address"`
	BaseDenom  string `yaml:"base_denom"`
	QuoteDenom string `yaml:"quote_denom"`
	Price      string `yaml:"price"`
}

type CustomFeeConfig struct {
	Denom   string `yaml:"denom"`
	Percent string `yaml:"percent"`
}

type AdjustmentConfig struct {
	Pair     string             `yaml:"pair"`
	Position types.PositionType `yaml:"position"`
	Value    string             `yaml:"value"`
}

// VenueConfig tunes the simulated venue.
type VenueConfig struct {
	MinLatencyMs int     `yaml:"min_latency_ms"`
	MaxLatencyMs int     `yaml:"max_latency_ms"`
	Variance     float64 `yaml:"variance"`
	SuccessRate  float64 `yaml:"success_rate"`
}

// DefaultMarket is used when no market file is configured.
func DefaultMarket() *Market {
	return &Market{
		Pairs: []PairConfig{
			{Address: "pair-atom-usdc", BaseDenom: "uatom", QuoteDenom: "uusdc", Price: "10"},
			{Address: "pair-osmo-usdc", BaseDenom: "uosmo", QuoteDenom: "uusdc", Price: "0.5"},
		},
		Venue: VenueConfig{
			MinLatencyMs: 5,
			MaxLatencyMs: 20,
			Variance:     0.002,
			SuccessRate:  1,
		},
	}
}

// LoadMarket reads a market file, or returns DefaultMarket for an empty path.
func LoadMarket(path string) (*Market, error) {
	if path == "" {
		return DefaultMarket(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market file: %w", err)
	}
	return ParseMarket(raw)
}

// ParseMarket decodes and validates a YAML market definition.
func ParseMarket(raw []byte) (*Market, error) {
	var m Market
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse market file: %w", err)
	}
	if m.Venue.SuccessRate == 0 {
		m.Venue.SuccessRate = 1
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func positive(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

func (m *Market) Validate() error {
	if len(m.Pairs) == 0 {
		return fmt.Errorf("market defines no pairs")
	}
	seen := make(map[string]bool, len(m.Pairs))
	for _, p := range m.Pairs {
		if p.Address == "" || p.BaseDenom == "" || p.QuoteDenom == "" {
			return fmt.Errorf("pair %q is missing an address or denom", p.Address)
		}
		if p.BaseDenom == p.QuoteDenom {
			return fmt.Errorf("pair %s trades %s against itself", p.Address, p.BaseDenom)
		}
		if seen[p.Address] {
			return fmt.Errorf("pair %s is defined twice", p.Address)
		}
		seen[p.Address] = true
		if _, err := positive("pair "+p.Address+" price", p.Price); err != nil {
			return err
		}
	}
	for _, f := range m.CustomFees {
		d, err := decimal.NewFromString(f.Percent)
		if err != nil {
			return fmt.Errorf("custom fee %s: %w", f.Denom, err)
		}
		if err := fraction("custom fee "+f.Denom, d); err != nil {
			return err
		}
	}
	for _, a := range m.SwapAdjustments {
		if !seen[a.Pair] {
			return fmt.Errorf("swap adjustment references unknown pair %s", a.Pair)
		}
		if !a.Position.Valid() {
			return fmt.Errorf("swap adjustment for %s has invalid position %q", a.Pair, a.Position)
		}
		if _, err := positive("swap adjustment "+a.Pair, a.Value); err != nil {
			return err
		}
	}
	if m.Venue.SuccessRate < 0 || m.Venue.SuccessRate > 1 {
		return fmt.Errorf("venue success rate must be between 0 and 1")
	}
	return nil
}

// Apply registers the market in the ledger and primes the simulated venue.
func (m *Market) Apply(db *ledger.Database, sim *venue.Simulator) error {
	return db.Transaction(func(tx *ledger.Database) error {
		for _, p := range m.Pairs {
			if err := tx.SavePair(&types.Pair{Address: p.Address, BaseDenom: p.BaseDenom, QuoteDenom: p.QuoteDenom}); err != nil {
				return fmt.Errorf("register pair %s: %w", p.Address, err)
			}
			if sim != nil {
				sim.SetPrice(p.Address, decimal.RequireFromString(p.Price))
			}
		}
		for _, f := range m.CustomFees {
			if err := tx.SaveCustomSwapFee(&types.CustomSwapFee{Denom: f.Denom, Percent: decimal.RequireFromString(f.Percent)}); err != nil {
				return fmt.Errorf("save custom fee %s: %w", f.Denom, err)
			}
		}
		for _, a := range m.SwapAdjustments {
			if err := tx.SaveSwapAdjustment(&types.SwapAdjustment{
				PairAddress: a.Pair,
				Position:    a.Position,
				Value:       decimal.RequireFromString(a.Value),
			}); err != nil {
				return fmt.Errorf("save swap adjustment %s: %w", a.Pair, err)
			}
		}

		if sim != nil {
			sim.MinLatency = m.Venue.MinLatencyMs
			sim.MaxLatency = m.Venue.MaxLatencyMs
			sim.Variance = m.Venue.Variance
			sim.SuccessRate = m.Venue.SuccessRate
		}

		log.Info().
			Int("pairs", len(m.Pairs)).
			Int("custom_fees", len(m.CustomFees)).
			Int("swap_adjustments", len(m.SwapAdjustments)).
			Msg("market loaded")
		return nil
	})
}
