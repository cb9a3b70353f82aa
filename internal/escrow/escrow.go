// Package escrow accrues and releases the DCA+ performance escrow.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-dca/internal/events"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Settings struct {
	FeeCollector          string
	PerformanceFeePercent decimal.Decimal
}

// Disbursement is the result of releasing a vault's escrow.
type Disbursement struct {
	VaultID        uint64          `json:"vault_id"`
	Benchmark      decimal.Decimal `json:"benchmark"`
	Outperformance decimal.Decimal `json:"outperformance"`
	PerformanceFee types.Coin      `json:"performance_fee"`
	Returned       types.Coin      `json:"returned"`
}

type Service struct {
	settings  Settings
	events    *events.Log
	transfers *settlement.Service
}

func NewService(settings Settings, eventLog *events.Log, transfers *settlement.Service) *Service {
	return &Service{
		settings:  settings,
		events:    eventLog,
		transfers: transfers,
	}
}

// ScheduleDisbursement creates or moves the escrow task of a vault.
func (s *Service) ScheduleDisbursement(tx *ledger.Database, vaultID uint64, due time.Time) error {
	if err := tx.UpsertDisbursementTask(&types.DisbursementTask{VaultID: vaultID, DueTime: due.Unix()}); err != nil {
		return fmt.Errorf("failed to schedule disbursement: %w", err)
	}
	log.Debug().Uint64("vault_id", vaultID).Time("due", due).Msg("escrow disbursement scheduled")
	return nil
}

// DueDisbursementTasks returns the tasks due at asOf, oldest first.
func (s *Service) DueDisbursementTasks(db *ledger.Database, asOf time.Time, limit int) ([]types.DisbursementTask, error) {
	return db.DueDisbursementTasks(asOf.Unix(), limit)
}

// Benchmark is what a standard DCA schedule would have received for the
// same input: the standard proceeds so far plus the unswapped standard
// remainder valued at the vault's average execution price, scaled by the
// current swap adjustment.
func Benchmark(vault *types.Vault, coefficient decimal.Decimal) decimal.Decimal {
	plus := vault.DcaPlus
	remainder := plus.TotalDeposited.Sub(plus.StandardSwapped)
	if !remainder.IsPositive() || !vault.SwappedAmount.IsPositive() || !vault.ReceivedAmount.IsPositive() {
		return plus.StandardReceived
	}

	// input units paid per output unit
	averagePrice := vault.SwappedAmount.Amount.Div(vault.ReceivedAmount.Amount)
	extra := remainder.Mul(coefficient).Div(averagePrice).Floor()
	return plus.StandardReceived.Add(extra)
}

// Claim evaluates a terminal DCA+ vault against its benchmark, pays the
// performance fee out of the escrow and returns the rest to the owner.
func (s *Service) Claim(tx *ledger.Database, block types.Block, vaultID uint64) (*Disbursement, error) {
	logger := log.With().Uint64("vault_id", vaultID).Str("service", "escrow").Logger()

	task, err := tx.GetDisbursementTask(vaultID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.Errorf(types.CodeNotEligible, "vault %d has no escrow disbursement scheduled", vaultID)
		}
		return nil, err
	}
	if task.DueTime > block.Unix() {
		return nil, types.Errorf(types.CodeNotEligible, "escrow of vault %d is not due until %d", vaultID, task.DueTime)
	}

	vault, err := tx.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if !vault.IsTerminal() || !vault.DcaPlusEnabled {
		return nil, types.Errorf(types.CodeNotEligible, "vault %d is not a terminal DCA+ vault", vaultID)
	}

	coefficient := decimal.NewFromInt(1)
	adjustment, err := tx.GetSwapAdjustment(vault.PairAddress, vault.Position)
	switch {
	case err == nil:
		coefficient = adjustment.Value
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	denom := vault.ReceivedAmount.Denom
	escrowed := vault.DcaPlus.Escrowed
	benchmark := Benchmark(vault, coefficient)
	outperformance := vault.ReceivedAmount.Amount.Sub(benchmark)

	fee := types.FloorMul(decimal.Max(decimal.Zero, outperformance), s.settings.PerformanceFeePercent)
	fee = decimal.Min(fee, escrowed)
	returned := escrowed.Sub(fee)

	result := &Disbursement{
		VaultID:        vault.ID,
		Benchmark:      benchmark,
		Outperformance: outperformance,
		PerformanceFee: types.Coin{Amount: fee, Denom: denom},
		Returned:       types.Coin{Amount: returned, Denom: denom},
	}

	if _, err := s.transfers.Transfer(tx, vault.ID, s.settings.FeeCollector, result.PerformanceFee, "dca+ performance fee"); err != nil {
		return nil, err
	}
	if _, err := s.transfers.Transfer(tx, vault.ID, vault.Owner, result.Returned, "dca+ escrow returned"); err != nil {
		return nil, err
	}

	vault.DcaPlus.Escrowed = decimal.Zero
	if err := tx.SaveVault(vault); err != nil {
		return nil, fmt.Errorf("failed to save vault: %w", err)
	}
	if err := tx.DeleteDisbursementTask(vault.ID); err != nil {
		return nil, fmt.Errorf("failed to delete disbursement task: %w", err)
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventEscrowDisbursed, events.EscrowDisbursed{
		PerformanceFee: result.PerformanceFee,
		Returned:       result.Returned,
	}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("benchmark", benchmark.String()).
		Str("received", vault.ReceivedAmount.Amount.String()).
		Str("performance_fee", fee.String()).
		Str("returned", returned.String()).
		Msg("escrow disbursed")

	return result, nil
}
