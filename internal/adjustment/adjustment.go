// Package adjustment maintains the per-pair DCA+ swap adjustment
// coefficients.
package adjustment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	minCoefficient = decimal.RequireFromString("0.5")
	maxCoefficient = decimal.RequireFromString("1.5")
)

// Service derives coefficients from recent execution prices.
type Service struct {
	venue  venue.Venue
	window int
}

// NewService creates an adjustment service looking back over the last
// window successful executions of a pair.
func NewService(v venue.Venue, window int) *Service {
	if window <= 0 {
		window = 30
	}
	return &Service{venue: v, window: window}
}

// Get returns the coefficient of a pair and direction, defaulting to 1.
func (s *Service) Get(db *ledger.Database, pairAddress string, position types.PositionType) (decimal.Decimal, error) {
	adjustment, err := db.GetSwapAdjustment(pairAddress, position)
	if errors.Is(err, types.ErrNotFound) {
		return decimal.NewFromInt(1), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return adjustment.Value, nil
}

// Set stores a coefficient directly.
// Parameters:
//   - pairAddress: a registered pair
//   - position: enter or exit
//   - value: a positive multiplier
func (s *Service) Set(tx *ledger.Database, block types.Block, pairAddress string, position types.PositionType, value decimal.Decimal) (*types.SwapAdjustment, error) {
	if !value.IsPositive() {
		return nil, types.Errorf(types.CodeInvalidInput, "swap adjustment must be positive, got %s", value)
	}
	if !position.Valid() {
		return nil, types.Errorf(types.CodeInvalidInput, "invalid position %q", position)
	}
	if _, err := tx.GetPair(pairAddress); err != nil {
		return nil, err
	}

	adjustment := &types.SwapAdjustment{
		PairAddress: pairAddress,
		Position:    position,
		Value:       value,
		UpdatedAt:   block.Time,
	}
	if err := tx.SaveSwapAdjustment(adjustment); err != nil {
		return nil, fmt.Errorf("failed to save swap adjustment: %w", err)
	}

	log.Info().
		Str("pair", pairAddress).
		Str("position", string(position)).
		Str("value", value.String()).
		Msg("swap adjustment set")
	return adjustment, nil
}

// Coefficient compares the volume weighted price of executions with the
// current price. Above 1 means the current price is better than the recent
// average, so a DCA+ vault buys (or sells) more this tranche.
func Coefficient(position types.PositionType, executions []types.Execution, current decimal.Decimal) (decimal.Decimal, bool) {
	sent, received := decimal.Zero, decimal.Zero
	for _, e := range executions {
		sent = sent.Add(e.Sent.Amount)
		received = received.Add(e.Received.Amount)
	}
	if !sent.IsPositive() || !received.IsPositive() || !current.IsPositive() {
		return decimal.Zero, false
	}

	var value decimal.Decimal
	if position == types.PositionEnter {
		// quote paid per base received
		value = sent.Div(received).Div(current)
	} else {
		// quote received per base sold
		value = current.Div(received.Div(sent))
	}

	value = decimal.Max(minCoefficient, decimal.Min(maxCoefficient, value))
	return value.Round(4), true
}

// Recompute derives a new coefficient for one pair and direction. With no
// execution history the stored value is kept.
func (s *Service) Recompute(ctx context.Context, tx *ledger.Database, block types.Block, pairAddress string, position types.PositionType) (*types.SwapAdjustment, error) {
	logger := log.With().
		Str("pair", pairAddress).
		Str("position", string(position)).
		Str("service", "adjustment").
		Logger()

	if !position.Valid() {
		return nil, types.Errorf(types.CodeInvalidInput, "invalid position %q", position)
	}
	if _, err := tx.GetPair(pairAddress); err != nil {
		return nil, err
	}

	executions, err := tx.RecentSuccessfulExecutions(pairAddress, position, s.window)
	if err != nil {
		return nil, err
	}
	current, err := s.venue.Price(ctx, pairAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price for %s: %w", pairAddress, err)
	}

	value, ok := Coefficient(position, executions, current)
	if !ok {
		existing, err := s.Get(tx, pairAddress, position)
		if err != nil {
			return nil, err
		}
		logger.Debug().Msg("no execution history, keeping coefficient")
		value = existing
	}

	adjustment := &types.SwapAdjustment{
		PairAddress: pairAddress,
		Position:    position,
		Value:       value,
		UpdatedAt:   block.Time,
	}
	if err := tx.SaveSwapAdjustment(adjustment); err != nil {
		return nil, fmt.Errorf("failed to save swap adjustment: %w", err)
	}

	logger.Info().
		Int("executions", len(executions)).
		Str("price", current.String()).
		Str("value", value.String()).
		Msg("swap adjustment recomputed")
	return adjustment, nil
}

// RecomputeAll refreshes both directions of every registered pair.
func (s *Service) RecomputeAll(ctx context.Context, tx *ledger.Database, block types.Block) ([]types.SwapAdjustment, error) {
	pairs, err := tx.ListPairs()
	if err != nil {
		return nil, err
	}

	var out []types.SwapAdjustment
	for _, pair := range pairs {
		for _, position := range []types.PositionType{types.PositionEnter, types.PositionExit} {
			adjustment, err := s.Recompute(ctx, tx, block, pair.Address, position)
			if err != nil {
				return nil, fmt.Errorf("recompute %s/%s: %w", pair.Address, position, err)
			}
			out = append(out, *adjustment)
		}
	}
	return out, nil
}
