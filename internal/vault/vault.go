// Package vault implements the vault lifecycle outside the execution saga:
// creation, deposits and cancellation.
package vault

import (
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
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CreateRequest carries everything needed to open a vault.
type CreateRequest struct {
	Owner             string              `json:"owner"`
	Label             string              `json:"label"`
	PairAddress       string              `json:"pair_address" binding:"required"`
	Position          types.PositionType  `json:"position" binding:"required"`
	SwapAmount        decimal.Decimal     `json:"swap_amount"`
	Interval          types.TimeInterval  `json:"time_interval" binding:"required"`
	IntervalSeconds   int64               `json:"interval_seconds"`
	SlippageTolerance decimal.NullDecimal `json:"slippage_tolerance"`
	TargetPrice       decimal.NullDecimal `json:"target_price"`
	PriceThreshold    decimal.NullDecimal `json:"price_threshold"`
	TargetStartTime   *int64              `json:"target_start_time"`
	RepeatLimitOrders bool                `json:"repeat_limit_orders"`
	Destinations      []types.Destination `json:"destinations"`
	DcaPlus           bool                `json:"dca_plus"`
	Funds             []types.Coin        `json:"funds"`
}

type Service struct {
	escrowLevel decimal.Decimal
	events      *events.Log
	transfers   *settlement.Service
	index       *scheduler.Index
	escrow      *escrow.Service
}

func NewService(escrowLevel decimal.Decimal, eventLog *events.Log, transfers *settlement.Service, index *scheduler.Index, escrowService *escrow.Service) *Service {
	return &Service{
		escrowLevel: escrowLevel,
		events:      eventLog,
		transfers:   transfers,
		index:       index,
		escrow:      escrowService,
	}
}

func isWholeAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Floor())
}

func singleCoin(funds []types.Coin) (types.Coin, error) {
	if len(funds) != 1 {
		return types.Coin{}, types.Errorf(types.CodeInvalidInput, "exactly one funding coin is required, got %d", len(funds))
	}
	coin := funds[0]
	if !isWholeAmount(coin.Amount) {
		return types.Coin{}, types.Errorf(types.CodeInvalidInput, "funds must be a positive whole amount, got %s", coin.Amount)
	}
	return coin, nil
}

func validateDestinations(destinations []types.Destination) error {
	if len(destinations) > types.MaxDestinations {
		return types.Errorf(types.CodeInvalidInput, "at most %d destinations are allowed", types.MaxDestinations)
	}
	if len(destinations) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, d := range destinations {
		if d.Address == "" {
			return types.Errorf(types.CodeInvalidInput, "destination address is required")
		}
		if !d.Allocation.IsPositive() {
			return types.Errorf(types.CodeInvalidInput, "destination %s has a non-positive allocation", d.Address)
		}
		total = total.Add(d.Allocation)
	}
	if !total.Equal(decimal.NewFromInt(1)) {
		return types.Errorf(types.CodeInvalidInput, "destination allocations must sum to 1, got %s", total)
	}
	return nil
}

func (s *Service) validate(tx *ledger.Database, block types.Block, req CreateRequest) (*types.Pair, types.Coin, error) {
	if req.Owner == "" {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "owner is required")
	}
	funds, err := singleCoin(req.Funds)
	if err != nil {
		return nil, types.Coin{}, err
	}
	if !req.Position.Valid() {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "invalid position %q", req.Position)
	}

	pair, err := tx.GetPair(req.PairAddress)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "pair %s is not registered", req.PairAddress)
		}
		return nil, types.Coin{}, err
	}
	if want := pair.SwapDenom(req.Position); funds.Denom != want {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "funds denom %s does not match pair swap denom %s", funds.Denom, want)
	}

	if !isWholeAmount(req.SwapAmount) {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "swap amount must be a positive whole amount")
	}
	if req.SwapAmount.GreaterThan(funds.Amount) {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "swap amount %s exceeds funds %s", req.SwapAmount, funds.Amount)
	}
	if !req.Interval.Valid(req.IntervalSeconds) {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "invalid time interval %q", req.Interval)
	}

	if req.SlippageTolerance.Valid {
		st := req.SlippageTolerance.Decimal
		if st.IsNegative() || st.GreaterThan(decimal.NewFromInt(1)) {
			return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "slippage tolerance must be between 0 and 1")
		}
	}
	if req.TargetPrice.Valid && !req.TargetPrice.Decimal.IsPositive() {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "target price must be positive")
	}
	if req.PriceThreshold.Valid && !req.PriceThreshold.Decimal.IsPositive() {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "price threshold must be positive")
	}
	if req.TargetStartTime != nil && req.TargetPrice.Valid {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "target start time and target price are mutually exclusive")
	}
	if req.TargetStartTime != nil && *req.TargetStartTime <= block.Unix() {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "target start time must be in the future")
	}
	if req.DcaPlus && req.TargetPrice.Valid {
		return nil, types.Coin{}, types.Errorf(types.CodeInvalidInput, "dca+ vaults must use a time trigger")
	}
	if err := validateDestinations(req.Destinations); err != nil {
		return nil, types.Coin{}, err
	}

	return pair, funds, nil
}

// Create opens a vault funded with a single coin and attaches its trigger.
// A price-triggered vault comes back with an idle price trigger; the caller
// places its first limit order in the same transaction.
func (s *Service) Create(tx *ledger.Database, block types.Block, req CreateRequest) (*types.Vault, *types.Trigger, error) {
	pair, funds, err := s.validate(tx, block, req)
	if err != nil {
		return nil, nil, err
	}

	status := types.VaultStatusActive
	if req.TargetStartTime != nil || req.TargetPrice.Valid {
		status = types.VaultStatusScheduled
	}

	vault := &types.Vault{
		Owner:             req.Owner,
		Label:             req.Label,
		PairAddress:       pair.Address,
		Position:          req.Position,
		Balance:           funds,
		SwapAmount:        req.SwapAmount,
		Interval:          req.Interval,
		IntervalSeconds:   req.IntervalSeconds,
		SlippageTolerance: req.SlippageTolerance,
		TargetPrice:       req.TargetPrice,
		PriceThreshold:    req.PriceThreshold,
		RepeatLimitOrders: req.RepeatLimitOrders,
		StartTime:         req.TargetStartTime,
		SwappedAmount:     types.ZeroCoin(funds.Denom),
		ReceivedAmount:    types.ZeroCoin(pair.ReceiveDenom(req.Position)),
		Status:            status,
		DcaPlusEnabled:    req.DcaPlus,
		DcaPlus: types.DcaPlus{
			EscrowLevel:      decimal.Zero,
			Escrowed:         decimal.Zero,
			TotalDeposited:   decimal.Zero,
			StandardSwapped:  decimal.Zero,
			StandardReceived: decimal.Zero,
		},
	}
	if req.DcaPlus {
		vault.DcaPlus.EscrowLevel = s.escrowLevel
		vault.DcaPlus.TotalDeposited = funds.Amount
	}
	if err := vault.SetDestinations(req.Destinations); err != nil {
		return nil, nil, fmt.Errorf("failed to encode destinations: %w", err)
	}
	if err := tx.CreateVault(vault); err != nil {
		return nil, nil, fmt.Errorf("failed to create vault: %w", err)
	}

	var trigger *types.Trigger
	switch {
	case req.TargetPrice.Valid:
		trigger = types.NewPriceTrigger(vault.ID, req.TargetPrice.Decimal)
	case req.TargetStartTime != nil:
		trigger = types.NewTimeTrigger(vault.ID, time.Unix(*req.TargetStartTime, 0))
	default:
		trigger = types.NewTimeTrigger(vault.ID, block.Time)
	}
	if err := tx.SaveTrigger(trigger); err != nil {
		return nil, nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	if _, err := s.events.Append(tx, block, vault.ID, types.EventVaultCreated, events.VaultCreated{
		Owner:       vault.Owner,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		SwapAmount:  vault.SwapAmount,
		Interval:    vault.Interval,
		DcaPlus:     vault.DcaPlusEnabled,
	}); err != nil {
		return nil, nil, err
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventFundsDeposited, events.FundsDeposited{Amount: funds}); err != nil {
		return nil, nil, err
	}

	log.Info().
		Uint64("vault_id", vault.ID).
		Str("owner", vault.Owner).
		Str("pair", vault.PairAddress).
		Str("balance", vault.Balance.String()).
		Str("status", string(vault.Status)).
		Str("trigger", string(trigger.Kind)).
		Msg("vault created")

	return vault, trigger, nil
}

// Deposit adds funds to a live vault.
func (s *Service) Deposit(tx *ledger.Database, block types.Block, vaultID uint64, sender string, funds []types.Coin) (*types.Vault, error) {
	logger := log.With().Uint64("vault_id", vaultID).Str("sender", sender).Logger()

	if len(funds) != 1 {
		return nil, types.Errorf(types.CodeInvalidInput, "exactly one funding coin is required, got %d", len(funds))
	}
	coin := funds[0]

	vault, err := tx.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Owner != sender {
		return nil, types.Errorf(types.CodeUnauthorized, "%s does not own vault %d", sender, vaultID)
	}
	if vault.Status == types.VaultStatusCancelled {
		return nil, types.Errorf(types.CodeAlreadyTerminal, "vault %d is %s", vaultID, vault.Status)
	}
	if coin.Denom != vault.Balance.Denom {
		return nil, types.Errorf(types.CodeDenomMismatch, "vault %d holds %s, got %s", vaultID, vault.Balance.Denom, coin.Denom)
	}
	if !isWholeAmount(coin.Amount) {
		return nil, types.Errorf(types.CodeInvalidInput, "deposit must be a positive whole amount, got %s", coin.Amount)
	}

	vault.Balance = vault.Balance.Add(coin.Amount)
	if vault.DcaPlusEnabled {
		vault.DcaPlus.TotalDeposited = vault.DcaPlus.TotalDeposited.Add(coin.Amount)
	}

	switch vault.Status {
	case types.VaultStatusCompleted:
		if err := s.reactivate(tx, block, vault); err != nil {
			return nil, err
		}
	case types.VaultStatusScheduled:
		trigger, err := tx.GetTrigger(vaultID)
		switch {
		case err == nil:
			if trigger.IsDue(block.Time) {
				vault.Status = types.VaultStatusActive
			}
		case !errors.Is(err, types.ErrNotFound):
			return nil, err
		}
	}

	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventFundsDeposited, events.FundsDeposited{Amount: coin}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("amount", coin.String()).
		Str("balance", vault.Balance.String()).
		Str("status", string(vault.Status)).
		Msg("funds deposited")

	return vault, nil
}

// reactivate puts a drained vault back on the time schedule, due at once. A
// pending escrow disbursement is dropped and scheduled again when the vault
// next completes.
func (s *Service) reactivate(tx *ledger.Database, block types.Block, vault *types.Vault) error {
	if _, err := tx.GetTrigger(vault.ID); err == nil {
		return fmt.Errorf("completed vault %d still has a trigger", vault.ID)
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := tx.SaveTrigger(types.NewTimeTrigger(vault.ID, block.Time)); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	if vault.DcaPlusEnabled {
		if err := tx.DeleteDisbursementTask(vault.ID); err != nil {
			return fmt.Errorf("failed to delete disbursement task: %w", err)
		}
	}
	vault.Status = types.VaultStatusActive
	log.Info().Uint64("vault_id", vault.ID).Msg("completed vault reactivated")
	return nil
}

// Cancel stops a vault and refunds its balance to the owner. A vault with a
// resting limit order keeps the order's reserved amount until the retraction
// confirms; an in-flight venue request must resolve first.
func (s *Service) Cancel(tx *ledger.Database, block types.Block, vaultID uint64, sender string, isAdmin bool, outbox *venue.Outbox) (*types.Vault, error) {
	logger := log.With().Uint64("vault_id", vaultID).Str("sender", sender).Logger()

	vault, err := tx.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Owner != sender && !isAdmin {
		return nil, types.Errorf(types.CodeUnauthorized, "%s may not cancel vault %d", sender, vaultID)
	}
	if vault.IsTerminal() {
		return nil, types.Errorf(types.CodeAlreadyTerminal, "vault %d is already %s", vaultID, vault.Status)
	}

	trigger, err := tx.GetTrigger(vaultID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if trigger != nil && trigger.State.InFlight() {
		return nil, types.Errorf(types.CodeInFlight, "vault %d has a venue request in flight", vaultID)
	}

	refund := vault.Balance
	if trigger != nil && trigger.State == types.SagaOrderOpen && trigger.OrderIdx != nil {
		reserved := decimal.Min(trigger.OrderAmount, vault.Balance.Amount)
		refund = vault.Balance.Sub(reserved)
		vault.Balance = types.Coin{Amount: reserved, Denom: vault.Balance.Denom}

		requestID := uuid.New().String()
		trigger.Begin(types.SagaAwaitingRetraction, requestID, reserved, block.Time)
		if err := tx.SaveTrigger(trigger); err != nil {
			return nil, fmt.Errorf("failed to save trigger: %w", err)
		}
		outbox.Add(venue.RetractOrder(requestID, vault.ID, vault.PairAddress, *trigger.OrderIdx))
		logger.Info().Uint64("order_idx", *trigger.OrderIdx).Str("reserved", reserved.String()).Msg("retracting resting order")
	} else {
		vault.Balance = types.ZeroCoin(vault.Balance.Denom)
		if trigger != nil {
			if err := s.index.Remove(tx, trigger); err != nil {
				return nil, fmt.Errorf("failed to remove trigger: %w", err)
			}
		}
	}

	if _, err := s.events.Append(tx, block, vault.ID, types.EventVaultCancelled, events.VaultCancelled{Refunded: refund}); err != nil {
		return nil, err
	}

	if vault.DcaPlusEnabled {
		// deposits never swapped are refunded, so they drop out of the benchmark
		vault.DcaPlus.TotalDeposited = decimal.Min(vault.DcaPlus.TotalDeposited, vault.SwappedAmount.Amount)
		if err := s.escrow.ScheduleDisbursement(tx, vault.ID, vault.ExpectedCompletion(block.Time)); err != nil {
			return nil, err
		}
	}

	if _, err := s.transfers.Transfer(tx, vault.ID, vault.Owner, refund, "vault cancelled refund"); err != nil {
		return nil, err
	}

	vault.Status = types.VaultStatusCancelled
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}

	logger.Info().
		Str("refunded", refund.String()).
		Bool("admin", isAdmin && vault.Owner != sender).
		Msg("vault cancelled")

	return vault, nil
}
