// Package engine is the invocation runtime of the vault system. Every public
// operation runs alone, inside one ledger transaction, and dispatches its
// venue messages only after that transaction commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-dca/internal/adjustment"
	"github.com/ksred/klear-dca/internal/escrow"
	"github.com/ksred/klear-dca/internal/events"
	"github.com/ksred/klear-dca/internal/execution"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/observability"
	"github.com/ksred/klear-dca/internal/scheduler"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/vault"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	Admin                 string
	FeeCollector          string
	SwapFeePercent        decimal.Decimal
	PerformanceFeePercent decimal.Decimal
	EscrowLevel           decimal.Decimal
	DefaultSlippage       decimal.Decimal
	AdjustmentWindow      int
	PageLimit             int
}

type Engine struct {
	mu sync.Mutex

	db        *ledger.Database
	clock     Clock
	venue     venue.Venue
	metrics   *observability.Metrics
	events    *events.Log
	transfers *settlement.Service
	vaults    *vault.Service
	saga      *execution.Saga
	escrow    *escrow.Service
	adjust    *adjustment.Service
	admin     string
	pageLimit int
}

func New(db *ledger.Database, v venue.Venue, clock Clock, metrics *observability.Metrics, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = observability.NewMetrics("dca", nil)
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 30
	}

	eventLog := events.NewLog()
	transfers := settlement.NewService()
	index := scheduler.NewIndex()
	escrowService := escrow.NewService(escrow.Settings{
		FeeCollector:          cfg.FeeCollector,
		PerformanceFeePercent: cfg.PerformanceFeePercent,
	}, eventLog, transfers)

	saga := execution.NewSaga(execution.Settings{
		FeeCollector:    cfg.FeeCollector,
		SwapFeePercent:  cfg.SwapFeePercent,
		DefaultSlippage: cfg.DefaultSlippage,
	}, v, eventLog, index, transfers, escrowService)

	return &Engine{
		db:        db,
		clock:     clock,
		venue:     v,
		metrics:   metrics,
		events:    eventLog,
		transfers: transfers,
		vaults:    vault.NewService(cfg.EscrowLevel, eventLog, transfers, index, escrowService),
		saga:      saga,
		escrow:    escrowService,
		adjust:    adjustment.NewService(v, cfg.AdjustmentWindow),
		admin:     cfg.Admin,
		pageLimit: cfg.PageLimit,
	}
}

// Now returns the block the next invocation will run in.
func (e *Engine) Now() types.Block {
	return e.clock.Now()
}

// IsAdmin reports whether address is the configured administrator.
func (e *Engine) IsAdmin(address string) bool {
	return e.admin != "" && address == e.admin
}

type invocation func(tx *ledger.Database, block types.Block, outbox *venue.Outbox) error

// invoke runs one top-level call and then feeds the venue's queued
// confirmations back in, one invocation each, in dispatch order.
func (e *Engine) invoke(ctx context.Context, operation string, fn invocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.invokeLocked(ctx, operation, fn)
	e.drainLocked(ctx)
	return err
}

func (e *Engine) invokeLocked(ctx context.Context, operation string, fn invocation) error {
	start := time.Now()
	defer func() {
		e.metrics.ObserveInvocation(operation, time.Since(start).Seconds())
	}()

	block := e.clock.Now()
	outbox := &venue.Outbox{}
	if err := e.db.Transaction(func(tx *ledger.Database) error {
		return fn(tx, block, outbox)
	}); err != nil {
		return err
	}
	return e.dispatchLocked(ctx, outbox.Messages())
}

// dispatchLocked hands committed messages to the venue. Once one fails the
// pending request of it and of every later message is abandoned.
func (e *Engine) dispatchLocked(ctx context.Context, messages []venue.Message) error {
	for i, msg := range messages {
		err := e.venue.Dispatch(ctx, msg)
		if err == nil {
			continue
		}

		e.metrics.DispatchFailures.WithLabelValues(string(msg.Kind)).Inc()
		log.Error().Err(err).
			Str("request_id", msg.RequestID).
			Uint64("vault_id", msg.VaultID).
			Str("kind", string(msg.Kind)).
			Msg("venue dispatch failed")

		for _, undone := range messages[i:] {
			requestID := undone.RequestID
			if abandonErr := e.db.Transaction(func(tx *ledger.Database) error {
				return e.saga.Abandon(tx, requestID)
			}); abandonErr != nil {
				log.Error().Err(abandonErr).Str("request_id", requestID).Msg("failed to abandon request")
			}
		}
		return &DispatchError{Kind: msg.Kind, VaultID: msg.VaultID, Err: err}
	}
	return nil
}

func (e *Engine) drainLocked(ctx context.Context) {
	queue, ok := e.venue.(venue.Queue)
	if !ok {
		return
	}
	for {
		conf, ok := queue.Next()
		if !ok {
			return
		}
		if _, err := e.confirmLocked(ctx, conf); err != nil {
			log.Error().Err(err).
				Str("request_id", conf.RequestID).
				Str("kind", string(conf.Kind)).
				Msg("confirmation not applied")
		}
	}
}

func (e *Engine) confirmLocked(ctx context.Context, conf venue.Confirmation) (*execution.Result, error) {
	var result *execution.Result
	err := e.invokeLocked(ctx, "confirm_"+string(conf.Kind), func(tx *ledger.Database, block types.Block, outbox *venue.Outbox) error {
		var err error
		result, err = e.saga.Confirm(ctx, tx, block, conf, outbox)
		return err
	})
	e.metrics.RecordConfirmation(string(conf.Kind), err)
	if result != nil {
		e.recordResult(result)
	}
	return result, err
}

func (e *Engine) recordResult(result *execution.Result) {
	if result.Execution != nil {
		e.metrics.RecordExecution(string(result.Execution.Outcome))
	}
	if result.Status == execution.StatusCompleted {
		e.metrics.VaultsCompleted.Inc()
	}
}

// CreateVault opens a vault and, for a price-triggered vault, submits its
// first limit order.
func (e *Engine) CreateVault(ctx context.Context, req vault.CreateRequest) (*types.Vault, error) {
	var created *types.Vault
	err := e.invoke(ctx, "create_vault", func(tx *ledger.Database, block types.Block, outbox *venue.Outbox) error {
		v, trigger, err := e.vaults.Create(tx, block, req)
		if err != nil {
			return err
		}
		if trigger.Kind == types.TriggerKindPrice {
			if _, err := e.saga.PlaceLimitOrder(tx, block, v, trigger, outbox); err != nil {
				return err
			}
		}
		created = v
		return nil
	})
	if !committed(err) {
		return nil, err
	}
	e.metrics.VaultsCreated.Inc()

	v, getErr := e.Vault(created.ID)
	if getErr != nil {
		return nil, getErr
	}
	return v, err
}

func (e *Engine) Deposit(ctx context.Context, vaultID uint64, sender string, funds []types.Coin) (*types.Vault, error) {
	var updated *types.Vault
	err := e.invoke(ctx, "deposit", func(tx *ledger.Database, block types.Block, _ *venue.Outbox) error {
		v, err := e.vaults.Deposit(tx, block, vaultID, sender, funds)
		updated = v
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Deposits.Inc()
	return updated, nil
}

// Cancel stops a vault on behalf of its owner or an administrator.
func (e *Engine) Cancel(ctx context.Context, vaultID uint64, sender string, admin bool) (*types.Vault, error) {
	admin = admin || e.IsAdmin(sender)

	err := e.invoke(ctx, "cancel", func(tx *ledger.Database, block types.Block, outbox *venue.Outbox) error {
		_, err := e.vaults.Cancel(tx, block, vaultID, sender, admin, outbox)
		return err
	})
	if !committed(err) {
		return nil, err
	}
	e.metrics.VaultsCancelled.Inc()

	v, getErr := e.Vault(vaultID)
	if getErr != nil {
		return nil, getErr
	}
	return v, err
}

// Execute is the initiating call of the saga for one vault.
func (e *Engine) Execute(ctx context.Context, vaultID uint64) (*execution.Result, error) {
	var result *execution.Result
	err := e.invoke(ctx, "execute", func(tx *ledger.Database, block types.Block, outbox *venue.Outbox) error {
		var err error
		result, err = e.saga.Execute(ctx, tx, block, vaultID, outbox)
		return err
	})
	if result != nil {
		e.recordResult(result)
	}
	return result, err
}

// Confirm applies a venue confirmation delivered from outside the process.
func (e *Engine) Confirm(ctx context.Context, conf venue.Confirmation) (*execution.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.confirmLocked(ctx, conf)
	e.drainLocked(ctx)
	return result, err
}

func (e *Engine) DisburseEscrow(ctx context.Context, vaultID uint64) (*escrow.Disbursement, error) {
	var disbursement *escrow.Disbursement
	err := e.invoke(ctx, "disburse_escrow", func(tx *ledger.Database, block types.Block, _ *venue.Outbox) error {
		var err error
		disbursement, err = e.escrow.Claim(tx, block, vaultID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.EscrowDisbursements.Inc()
	return disbursement, nil
}

func (e *Engine) SetSwapAdjustment(ctx context.Context, pairAddress string, position types.PositionType, value decimal.Decimal) (*types.SwapAdjustment, error) {
	var adjustment *types.SwapAdjustment
	err := e.invoke(ctx, "set_swap_adjustment", func(tx *ledger.Database, block types.Block, _ *venue.Outbox) error {
		var err error
		adjustment, err = e.adjust.Set(tx, block, pairAddress, position, value)
		return err
	})
	return adjustment, err
}

func (e *Engine) RecomputeSwapAdjustment(ctx context.Context, pairAddress string, position types.PositionType) (*types.SwapAdjustment, error) {
	var adjustment *types.SwapAdjustment
	err := e.invoke(ctx, "recompute_swap_adjustment", func(tx *ledger.Database, block types.Block, _ *venue.Outbox) error {
		var err error
		adjustment, err = e.adjust.Recompute(ctx, tx, block, pairAddress, position)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.AdjustmentRecomputes.Inc()
	return adjustment, nil
}

// Runner

func (e *Engine) RunTrigger(ctx context.Context, vaultID uint64) error {
	_, err := e.Execute(ctx, vaultID)
	return err
}

func (e *Engine) RunDisbursement(ctx context.Context, vaultID uint64) error {
	_, err := e.DisburseEscrow(ctx, vaultID)
	return err
}

func (e *Engine) RecomputeAdjustments(ctx context.Context) error {
	var n int
	err := e.invoke(ctx, "recompute_swap_adjustments", func(tx *ledger.Database, block types.Block, _ *venue.Outbox) error {
		adjustments, err := e.adjust.RecomputeAll(ctx, tx, block)
		n = len(adjustments)
		return err
	})
	if err != nil {
		return err
	}
	e.metrics.AdjustmentRecomputes.Add(float64(n))
	return nil
}

// Queries

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 || limit > e.pageLimit {
		return e.pageLimit
	}
	return limit
}

func (e *Engine) Vault(vaultID uint64) (*types.Vault, error) {
	return e.db.GetVault(vaultID)
}

func (e *Engine) Vaults(owner string, status types.VaultStatus, afterID uint64, limit int) ([]types.Vault, error) {
	if owner == "" {
		return nil, types.Errorf(types.CodeInvalidInput, "owner is required")
	}
	return e.db.VaultsByOwner(owner, status, afterID, e.clampLimit(limit))
}

func (e *Engine) Trigger(vaultID uint64) (*types.Trigger, error) {
	return e.db.GetTrigger(vaultID)
}

func (e *Engine) Events(vaultID, afterSeq uint64, limit int) ([]types.Event, error) {
	return e.events.List(e.db, vaultID, afterSeq, e.clampLimit(limit))
}

func (e *Engine) Executions(vaultID, afterSeq uint64, limit int) ([]types.Execution, error) {
	if _, err := e.db.GetVault(vaultID); err != nil {
		return nil, err
	}
	return e.db.ExecutionsByVault(vaultID, afterSeq, e.clampLimit(limit))
}

func (e *Engine) Transfers(recipient string, afterID uint64, limit int) ([]types.Transfer, error) {
	return e.transfers.Transfers(e.db, recipient, afterID, e.clampLimit(limit))
}

func (e *Engine) Transfer(transferID string) (*types.Transfer, error) {
	return e.transfers.GetTransfer(e.db, transferID)
}

func (e *Engine) VaultTransfers(vaultID uint64) ([]types.Transfer, error) {
	return e.transfers.VaultTransfers(e.db, vaultID)
}

func (e *Engine) Balances(recipient string) ([]settlement.Balance, error) {
	return e.transfers.Balances(e.db, recipient)
}

func (e *Engine) DisbursementTask(vaultID uint64) (*types.DisbursementTask, error) {
	return e.db.GetDisbursementTask(vaultID)
}

// DispatchError is returned when an invocation committed but one of its
// venue messages could not be delivered. The affected requests have been
// abandoned, so the operation can simply be retried.
type DispatchError struct {
	Kind    venue.MessageKind
	VaultID uint64
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch %s for vault %d: %v", e.Kind, e.VaultID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func committed(err error) bool {
	var dispatchErr *DispatchError
	return err == nil || errors.As(err, &dispatchErr)
}
