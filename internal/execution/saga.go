// Package execution runs one tranche of a vault across the venue
// request/confirmation boundary.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dca/internal/escrow"
	"github.com/ksred/klear-dca/internal/events"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/scheduler"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Settings struct {
	FeeCollector    string
	SwapFeePercent  decimal.Decimal
	DefaultSlippage decimal.Decimal
}

// Status is how far one saga step got.
type Status string

const (
	StatusSwapSubmitted       Status = "swap_submitted"
	StatusSkipped             Status = "skipped"
	StatusLimitOrderSubmitted Status = "limit_order_submitted"
	StatusOrderOpen           Status = "order_open"
	StatusWithdrawalRequested Status = "withdrawal_requested"
	StatusRetractionRequested Status = "retraction_requested"
	StatusRejected            Status = "rejected"
	StatusSettled             Status = "settled"
	StatusCompleted           Status = "completed"
	StatusRetracted           Status = "retracted"
)

// Result describes the outcome of an initiating or confirmation call.
type Result struct {
	VaultID    uint64            `json:"vault_id"`
	Status     Status            `json:"status"`
	SkipReason events.SkipReason `json:"skip_reason,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Tranche    *types.Coin       `json:"tranche,omitempty"`
	Execution  *types.Execution  `json:"execution,omitempty"`
}

type Saga struct {
	settings  Settings
	venue     venue.Venue
	events    *events.Log
	index     *scheduler.Index
	transfers *settlement.Service
	escrow    *escrow.Service
}

func NewSaga(settings Settings, v venue.Venue, eventLog *events.Log, index *scheduler.Index, transfers *settlement.Service, escrowService *escrow.Service) *Saga {
	return &Saga{
		settings:  settings,
		venue:     v,
		events:    eventLog,
		index:     index,
		transfers: transfers,
		escrow:    escrowService,
	}
}

func newRequestID() string {
	return uuid.New().String()
}

// Execute is the initiating call for one vault. It checks that the trigger is
// due, persists the pending request and queues the venue message on outbox.
func (s *Saga) Execute(ctx context.Context, tx *ledger.Database, block types.Block, vaultID uint64, outbox *venue.Outbox) (*Result, error) {
	logger := log.With().Uint64("vault_id", vaultID).Int64("height", block.Height).Logger()

	vault, err := tx.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	trigger, err := tx.GetTrigger(vaultID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	if vault.IsTerminal() {
		// a retraction that never reached the venue is issued again
		if vault.Status == types.VaultStatusCancelled && trigger != nil && trigger.State == types.SagaOrderOpen && trigger.OrderIdx != nil {
			return s.retract(tx, block, vault, trigger, outbox, logger)
		}
		return nil, types.Errorf(types.CodeAlreadyTerminal, "vault %d is %s", vaultID, vault.Status)
	}
	if trigger == nil {
		return nil, types.Errorf(types.CodeNotFound, "vault %d has no trigger", vaultID)
	}

	switch trigger.Kind {
	case types.TriggerKindTime:
		return s.executeTime(ctx, tx, block, vault, trigger, outbox, logger)
	case types.TriggerKindPrice:
		return s.executePrice(ctx, tx, block, vault, trigger, outbox, logger)
	default:
		return nil, fmt.Errorf("vault %d has unknown trigger kind %q", vaultID, trigger.Kind)
	}
}

// tranche is the amount the next swap offers: the swap amount, scaled by the
// swap adjustment for DCA+ vaults, capped at the balance.
func (s *Saga) tranche(tx *ledger.Database, vault *types.Vault) (decimal.Decimal, error) {
	amount := vault.SwapAmount
	if vault.DcaPlusEnabled {
		adjustment, err := tx.GetSwapAdjustment(vault.PairAddress, vault.Position)
		switch {
		case err == nil:
			if adjusted := types.FloorMul(vault.SwapAmount, adjustment.Value); adjusted.IsPositive() {
				amount = adjusted
			}
		case !errors.Is(err, types.ErrNotFound):
			return decimal.Zero, err
		}
	}
	return decimal.Min(amount, vault.Balance.Amount), nil
}

func priceConditionMet(position types.PositionType, price, threshold decimal.Decimal) bool {
	if position == types.PositionEnter {
		return price.LessThanOrEqual(threshold)
	}
	return price.GreaterThanOrEqual(threshold)
}

func (s *Saga) executeTime(ctx context.Context, tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, outbox *venue.Outbox, logger zerolog.Logger) (*Result, error) {
	if trigger.State != types.SagaIdle {
		return nil, types.Errorf(types.CodeInFlight, "vault %d is %s", vault.ID, trigger.State)
	}
	if !trigger.IsDue(block.Time) {
		return nil, types.Errorf(types.CodeNotDue, "vault %d is not due until %d", vault.ID, trigger.TargetTime)
	}

	if vault.Status == types.VaultStatusScheduled {
		vault.Status = types.VaultStatusActive
	}

	if !vault.Balance.IsPositive() {
		if err := s.complete(tx, block, vault, trigger); err != nil {
			return nil, err
		}
		return &Result{VaultID: vault.ID, Status: StatusCompleted}, nil
	}

	amount, err := s.tranche(tx, vault)
	if err != nil {
		return nil, err
	}
	tranche := types.Coin{Amount: amount, Denom: vault.Balance.Denom}

	var assetPrice decimal.NullDecimal
	if vault.PriceThreshold.Valid {
		price, err := s.venue.Price(ctx, vault.PairAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch price for %s: %w", vault.PairAddress, err)
		}
		assetPrice = decimal.NewNullDecimal(price)
	}

	if _, err := s.events.Append(tx, block, vault.ID, types.EventExecutionTriggered, events.ExecutionTriggered{
		Tranche:    tranche,
		AssetPrice: assetPrice,
	}); err != nil {
		return nil, err
	}

	if assetPrice.Valid && !priceConditionMet(vault.Position, assetPrice.Decimal, vault.PriceThreshold.Decimal) {
		logger.Info().
			Str("price", assetPrice.Decimal.String()).
			Str("threshold", vault.PriceThreshold.Decimal.String()).
			Msg("price condition not met, skipping tranche")

		execution, err := s.skip(tx, block, vault, types.OutcomeSkippedPrice, events.SkipPriceConditionNotMet)
		if err != nil {
			return nil, err
		}
		if err := s.index.Advance(tx, vault, trigger, block.Time); err != nil {
			return nil, err
		}
		if err := tx.SaveVault(vault); err != nil {
			return nil, fmt.Errorf("failed to save vault: %w", err)
		}
		return &Result{VaultID: vault.ID, Status: StatusSkipped, SkipReason: events.SkipPriceConditionNotMet, Execution: execution}, nil
	}

	slippage := s.settings.DefaultSlippage
	if vault.SlippageTolerance.Valid {
		slippage = vault.SlippageTolerance.Decimal
	}

	requestID := newRequestID()
	trigger.Begin(types.SagaAwaitingSwapConfirmation, requestID, amount, block.Time)
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}

	outbox.Add(venue.Message{
		Kind:        venue.KindSwap,
		RequestID:   requestID,
		VaultID:     vault.ID,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		Offer:       tranche,
		MaxSpread:   decimal.NewNullDecimal(slippage),
	})

	logger.Info().Str("request_id", requestID).Str("tranche", tranche.String()).Msg("swap submitted")
	return &Result{VaultID: vault.ID, Status: StatusSwapSubmitted, RequestID: requestID, Tranche: &tranche}, nil
}

func (s *Saga) executePrice(ctx context.Context, tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, outbox *venue.Outbox, logger zerolog.Logger) (*Result, error) {
	switch trigger.State {
	case types.SagaIdle:
		return s.PlaceLimitOrder(tx, block, vault, trigger, outbox)
	case types.SagaOrderOpen:
	default:
		return nil, types.Errorf(types.CodeInFlight, "vault %d is %s", vault.ID, trigger.State)
	}

	if trigger.OrderIdx == nil {
		return nil, fmt.Errorf("vault %d has an open price trigger without an order", vault.ID)
	}
	status, err := s.venue.QueryOrder(ctx, *trigger.OrderIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to query order %d: %w", *trigger.OrderIdx, err)
	}
	if !status.Filled.IsPositive() {
		return nil, types.Errorf(types.CodeNotDue, "order %d of vault %d has no fills", *trigger.OrderIdx, vault.ID)
	}

	filled := types.Coin{Amount: decimal.Min(status.Filled, trigger.OrderAmount), Denom: vault.Balance.Denom}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventExecutionTriggered, events.ExecutionTriggered{
		Tranche:    filled,
		AssetPrice: trigger.TargetPrice,
	}); err != nil {
		return nil, err
	}

	requestID := newRequestID()
	trigger.Begin(types.SagaAwaitingWithdrawalConfirmation, requestID, filled.Amount, block.Time)
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}
	vault.Status = types.VaultStatusActive
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}

	outbox.Add(venue.Message{
		Kind:        venue.KindWithdrawOrder,
		RequestID:   requestID,
		VaultID:     vault.ID,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		OrderIdx:    *trigger.OrderIdx,
	})

	logger.Info().
		Str("request_id", requestID).
		Uint64("order_idx", *trigger.OrderIdx).
		Str("filled", filled.String()).
		Msg("withdrawal requested")
	return &Result{VaultID: vault.ID, Status: StatusWithdrawalRequested, RequestID: requestID, Tranche: &filled}, nil
}

// PlaceLimitOrder offers min(swap amount, balance) at the trigger's target
// price. The trigger must be idle.
func (s *Saga) PlaceLimitOrder(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, outbox *venue.Outbox) (*Result, error) {
	if trigger.Kind != types.TriggerKindPrice || trigger.State != types.SagaIdle {
		return nil, types.Errorf(types.CodeInFlight, "vault %d cannot place an order while %s", vault.ID, trigger.State)
	}
	amount := decimal.Min(vault.SwapAmount, vault.Balance.Amount)
	if !amount.IsPositive() {
		return nil, types.Errorf(types.CodeInvalidInput, "vault %d has no balance to offer", vault.ID)
	}
	offer := types.Coin{Amount: amount, Denom: vault.Balance.Denom}

	requestID := newRequestID()
	trigger.Begin(types.SagaAwaitingOrderSubmission, requestID, amount, block.Time)
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	outbox.Add(venue.Message{
		Kind:        venue.KindLimitOrder,
		RequestID:   requestID,
		VaultID:     vault.ID,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		Offer:       offer,
		Price:       trigger.TargetPrice,
	})

	log.Info().
		Uint64("vault_id", vault.ID).
		Str("request_id", requestID).
		Str("offer", offer.String()).
		Str("price", trigger.TargetPrice.Decimal.String()).
		Msg("limit order submitted")
	return &Result{VaultID: vault.ID, Status: StatusLimitOrderSubmitted, RequestID: requestID, Tranche: &offer}, nil
}

func (s *Saga) retract(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, outbox *venue.Outbox, logger zerolog.Logger) (*Result, error) {
	requestID := newRequestID()
	if trigger.State == types.SagaAwaitingRetraction {
		trigger.PendingRequestID = &requestID
		trigger.PendingAsOf = block.Unix()
	} else {
		trigger.Begin(types.SagaAwaitingRetraction, requestID, vault.Balance.Amount, block.Time)
	}
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}
	outbox.Add(venue.RetractOrder(requestID, vault.ID, vault.PairAddress, *trigger.OrderIdx))

	logger.Info().Str("request_id", requestID).Uint64("order_idx", *trigger.OrderIdx).Msg("retraction requested")
	return &Result{VaultID: vault.ID, Status: StatusRetractionRequested, RequestID: requestID}, nil
}

var expectedState = map[venue.MessageKind]types.SagaState{
	venue.KindSwap:          types.SagaAwaitingSwapConfirmation,
	venue.KindLimitOrder:    types.SagaAwaitingOrderSubmission,
	venue.KindWithdrawOrder: types.SagaAwaitingWithdrawalConfirmation,
	venue.KindRetractOrder:  types.SagaAwaitingRetraction,
}

// Confirm applies a venue answer to the saga waiting on it. A confirmation
// whose request is no longer pending fails with NotFound, so replays have no
// effect.
func (s *Saga) Confirm(ctx context.Context, tx *ledger.Database, block types.Block, conf venue.Confirmation, outbox *venue.Outbox) (*Result, error) {
	state, ok := expectedState[conf.Kind]
	if !ok {
		return nil, types.Errorf(types.CodeInvalidInput, "unknown confirmation kind %q", conf.Kind)
	}

	trigger, err := tx.TriggerByRequestID(conf.RequestID)
	if err != nil {
		return nil, err
	}
	if trigger.State != state {
		return nil, types.Errorf(types.CodeNotFound, "no pending %s request %s", conf.Kind, conf.RequestID)
	}
	if conf.Rejection == venue.RejectionNone {
		if err := checkAmounts(conf, trigger); err != nil {
			return nil, err
		}
	}
	vault, err := tx.GetVault(trigger.VaultID)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Uint64("vault_id", vault.ID).
		Str("request_id", conf.RequestID).
		Str("kind", string(conf.Kind)).
		Logger()

	switch conf.Kind {
	case venue.KindSwap:
		return s.confirmSwap(tx, block, vault, trigger, conf, logger)
	case venue.KindLimitOrder:
		return s.confirmLimitOrder(tx, block, vault, trigger, conf, logger)
	case venue.KindWithdrawOrder:
		return s.confirmWithdrawal(tx, block, vault, trigger, conf, outbox, logger)
	default:
		return s.confirmRetraction(tx, block, vault, trigger, conf, outbox, logger)
	}
}

// checkAmounts bounds a confirmation by what the venue was given: a swap by
// its tranche, a withdrawal or retraction by the resting order.
func checkAmounts(conf venue.Confirmation, trigger *types.Trigger) error {
	if conf.Sent.IsNegative() || conf.Received.IsNegative() || conf.Returned.IsNegative() {
		return types.Errorf(types.CodeInvalidInput, "confirmation %s has a negative amount", conf.RequestID)
	}
	var limit decimal.Decimal
	switch conf.Kind {
	case venue.KindSwap:
		limit = trigger.PendingAmount
	case venue.KindWithdrawOrder:
		limit = trigger.OrderAmount
	case venue.KindRetractOrder:
		limit = decimal.Min(trigger.OrderAmount, trigger.PendingAmount)
	default:
		return nil
	}
	if conf.Sent.GreaterThan(limit) {
		return types.Errorf(types.CodeInvalidInput, "confirmation %s sent %s, more than the %s offered", conf.RequestID, conf.Sent, limit)
	}
	return nil
}

func (s *Saga) confirmSwap(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, conf venue.Confirmation, logger zerolog.Logger) (*Result, error) {
	asOf := time.Unix(trigger.PendingAsOf, 0)

	if conf.Rejection != venue.RejectionNone {
		outcome, reason := types.OutcomeFailed, events.SkipSwapFailed
		if conf.Rejection == venue.RejectionSlippage {
			outcome, reason = types.OutcomeSkippedSlippage, events.SkipSlippageExceeded
		}
		logger.Warn().Str("rejection", string(conf.Rejection)).Msg("swap rejected, balance untouched")

		execution, err := s.skip(tx, block, vault, outcome, reason)
		if err != nil {
			return nil, err
		}
		if err := s.index.Advance(tx, vault, trigger, asOf); err != nil {
			return nil, err
		}
		return &Result{VaultID: vault.ID, Status: StatusSkipped, SkipReason: reason, Execution: execution}, nil
	}

	sent := conf.Sent
	if !sent.IsPositive() {
		return nil, types.Errorf(types.CodeInvalidInput, "swap confirmation %s sent nothing", conf.RequestID)
	}
	execution, err := s.settle(tx, block, vault, sent, conf.Received)
	if err != nil {
		return nil, err
	}

	if !vault.Balance.IsPositive() {
		if err := s.complete(tx, block, vault, trigger); err != nil {
			return nil, err
		}
		return &Result{VaultID: vault.ID, Status: StatusCompleted, Execution: execution}, nil
	}

	if err := s.index.Advance(tx, vault, trigger, asOf); err != nil {
		return nil, err
	}
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}
	logger.Info().Str("balance", vault.Balance.String()).Int64("next", trigger.TargetTime).Msg("tranche settled")
	return &Result{VaultID: vault.ID, Status: StatusSettled, Execution: execution}, nil
}

func (s *Saga) confirmLimitOrder(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, conf venue.Confirmation, logger zerolog.Logger) (*Result, error) {
	if conf.Rejection != venue.RejectionNone {
		trigger.Finish(types.SagaIdle)
		if err := tx.SaveTrigger(trigger); err != nil {
			return nil, fmt.Errorf("failed to save trigger: %w", err)
		}
		logger.Warn().Str("rejection", string(conf.Rejection)).Msg("limit order rejected")
		return &Result{VaultID: vault.ID, Status: StatusRejected}, nil
	}

	offer := types.Coin{Amount: trigger.PendingAmount, Denom: vault.Balance.Denom}
	orderIdx := conf.OrderIdx
	trigger.OrderIdx = &orderIdx
	trigger.OrderAmount = offer.Amount
	trigger.Finish(types.SagaOrderOpen)
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}
	if err := tx.PutOrderIndex(orderIdx, vault.ID); err != nil {
		return nil, fmt.Errorf("failed to index order %d: %w", orderIdx, err)
	}

	if _, err := s.events.Append(tx, block, vault.ID, types.EventLimitOrderPlaced, events.LimitOrderPlaced{
		OrderIdx:    orderIdx,
		Offer:       offer,
		TargetPrice: trigger.TargetPrice.Decimal,
	}); err != nil {
		return nil, err
	}

	logger.Info().Uint64("order_idx", orderIdx).Str("offer", offer.String()).Msg("limit order placed")
	return &Result{VaultID: vault.ID, Status: StatusOrderOpen}, nil
}

func (s *Saga) confirmWithdrawal(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, conf venue.Confirmation, outbox *venue.Outbox, logger zerolog.Logger) (*Result, error) {
	if trigger.OrderIdx == nil {
		return nil, fmt.Errorf("vault %d is withdrawing without an order", vault.ID)
	}
	vaultID, err := s.index.LookupByOrderIndex(tx, *trigger.OrderIdx)
	if err != nil {
		return nil, err
	}
	if vaultID != vault.ID || (conf.OrderIdx != 0 && conf.OrderIdx != *trigger.OrderIdx) {
		return nil, types.Errorf(types.CodeNotFound, "order %d does not belong to vault %d", conf.OrderIdx, vault.ID)
	}

	if conf.Rejection != venue.RejectionNone {
		trigger.Abandon()
		if err := tx.SaveTrigger(trigger); err != nil {
			return nil, fmt.Errorf("failed to save trigger: %w", err)
		}
		logger.Warn().Str("rejection", string(conf.Rejection)).Msg("withdrawal rejected")
		return &Result{VaultID: vault.ID, Status: StatusRejected}, nil
	}

	asOf := time.Unix(trigger.PendingAsOf, 0)
	var execution *types.Execution
	sent := conf.Sent
	if sent.IsPositive() {
		if execution, err = s.settle(tx, block, vault, sent, conf.Received); err != nil {
			return nil, err
		}
		trigger.OrderAmount = trigger.OrderAmount.Sub(sent)
	}

	if trigger.OrderAmount.IsPositive() {
		trigger.Finish(types.SagaOrderOpen)
		if err := tx.SaveTrigger(trigger); err != nil {
			return nil, fmt.Errorf("failed to save trigger: %w", err)
		}
		if err := tx.SaveVault(vault); err != nil {
			return nil, fmt.Errorf("failed to save vault: %w", err)
		}
		logger.Info().Str("remaining", trigger.OrderAmount.String()).Msg("partial fill settled")
		return &Result{VaultID: vault.ID, Status: StatusOrderOpen, Execution: execution}, nil
	}

	if !vault.Balance.IsPositive() {
		if err := s.complete(tx, block, vault, trigger); err != nil {
			return nil, err
		}
		return &Result{VaultID: vault.ID, Status: StatusCompleted, Execution: execution}, nil
	}

	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}

	if vault.RepeatLimitOrders {
		if err := tx.DeleteOrderIndex(*trigger.OrderIdx); err != nil {
			return nil, err
		}
		trigger.OrderIdx = nil
		trigger.OrderAmount = decimal.Zero
		trigger.Finish(types.SagaIdle)
		result, err := s.PlaceLimitOrder(tx, block, vault, trigger, outbox)
		if err != nil {
			return nil, err
		}
		result.Execution = execution
		return result, nil
	}

	if err := s.index.ConvertToTime(tx, vault, trigger, asOf); err != nil {
		return nil, err
	}
	logger.Info().Str("balance", vault.Balance.String()).Msg("order filled, continuing on schedule")
	return &Result{VaultID: vault.ID, Status: StatusSettled, Execution: execution}, nil
}

func (s *Saga) confirmRetraction(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger, conf venue.Confirmation, outbox *venue.Outbox, logger zerolog.Logger) (*Result, error) {
	if conf.Rejection != venue.RejectionNone {
		// the order stays open; the next sweep issues the retraction again
		trigger.Abandon()
		if err := tx.SaveTrigger(trigger); err != nil {
			return nil, fmt.Errorf("failed to save trigger: %w", err)
		}
		logger.Warn().Str("rejection", string(conf.Rejection)).Msg("retraction rejected")
		return &Result{VaultID: vault.ID, Status: StatusRejected}, nil
	}

	var (
		execution *types.Execution
		err       error
	)
	if sent := conf.Sent; sent.IsPositive() {
		if execution, err = s.settle(tx, block, vault, sent, conf.Received); err != nil {
			return nil, err
		}
	}

	refund := vault.Balance
	if _, err := s.transfers.Transfer(tx, vault.ID, vault.Owner, refund, "retracted order refund"); err != nil {
		return nil, err
	}
	vault.Balance = types.ZeroCoin(vault.Balance.Denom)

	if err := s.index.Remove(tx, trigger); err != nil {
		return nil, err
	}
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}

	logger.Info().Str("refunded", refund.String()).Msg("order retracted")
	return &Result{VaultID: vault.ID, Status: StatusRetracted, Execution: execution}, nil
}

// Abandon reverts the pending request of a trigger whose venue message could
// not be dispatched.
func (s *Saga) Abandon(tx *ledger.Database, requestID string) error {
	trigger, err := tx.TriggerByRequestID(requestID)
	if err != nil {
		return err
	}
	trigger.Abandon()
	if err := tx.SaveTrigger(trigger); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	log.Warn().Uint64("vault_id", trigger.VaultID).Str("request_id", requestID).Str("state", string(trigger.State)).Msg("pending request abandoned")
	return nil
}
