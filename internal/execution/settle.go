package execution

import (
	"fmt"

	"github.com/ksred/klear-dca/internal/events"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// swapFeePercent is the custom fee of the receive denom, or the default.
func (s *Saga) swapFeePercent(tx *ledger.Database, denom string) (decimal.Decimal, error) {
	custom, err := tx.CustomSwapFee(denom)
	if err != nil {
		return decimal.Zero, err
	}
	if custom != nil {
		return custom.Percent, nil
	}
	return s.settings.SwapFeePercent, nil
}

// settle books a filled tranche: sent leaves the balance, the swap fee goes
// to the fee collector, the DCA+ escrow is held back and the rest is paid to
// the destinations. The vault is mutated but not saved.
func (s *Saga) settle(tx *ledger.Database, block types.Block, vault *types.Vault, sent, received decimal.Decimal) (*types.Execution, error) {
	receiveDenom := vault.ReceivedAmount.Denom

	feePercent, err := s.swapFeePercent(tx, receiveDenom)
	if err != nil {
		return nil, err
	}
	fee := types.FloorMul(received, feePercent)
	net := received.Sub(fee)

	vault.Balance = vault.Balance.Sub(sent)
	vault.SwappedAmount = vault.SwappedAmount.Add(sent)
	vault.ReceivedAmount = vault.ReceivedAmount.Add(net)

	escrowed := decimal.Zero
	if vault.DcaPlusEnabled {
		plus := &vault.DcaPlus
		escrowed = types.FloorMul(net, plus.EscrowLevel)
		plus.Escrowed = plus.Escrowed.Add(escrowed)

		// the standard schedule would have swapped a plain swap amount at the
		// same price
		standard := decimal.Min(vault.SwapAmount, plus.TotalDeposited.Sub(plus.StandardSwapped))
		if standard.IsPositive() {
			plus.StandardSwapped = plus.StandardSwapped.Add(standard)
			plus.StandardReceived = plus.StandardReceived.Add(standard.Mul(net).Div(sent).Floor())
		}
	}

	if _, err := s.transfers.Transfer(tx, vault.ID, s.settings.FeeCollector, types.Coin{Amount: fee, Denom: receiveDenom}, "swap fee"); err != nil {
		return nil, err
	}
	if err := s.distribute(tx, vault, types.Coin{Amount: net.Sub(escrowed), Denom: receiveDenom}); err != nil {
		return nil, err
	}

	execution := &types.Execution{
		VaultID:     vault.ID,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		BlockHeight: block.Height,
		BlockTime:   block.Time,
		Outcome:     types.OutcomeSuccess,
		Sent:        types.Coin{Amount: sent, Denom: vault.Balance.Denom},
		Received:    types.Coin{Amount: received, Denom: receiveDenom},
		Fee:         types.Coin{Amount: fee, Denom: receiveDenom},
		Escrowed:    escrowed,
	}
	if err := tx.AppendExecution(execution); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventExecutionCompleted, events.ExecutionCompleted{
		Sent:     execution.Sent,
		Received: execution.Received,
		Fee:      execution.Fee,
		Escrowed: escrowed,
	}); err != nil {
		return nil, err
	}

	log.Info().
		Uint64("vault_id", vault.ID).
		Uint64("sequence", execution.Sequence).
		Str("sent", execution.Sent.String()).
		Str("received", execution.Received.String()).
		Str("fee", execution.Fee.String()).
		Str("escrowed", escrowed.String()).
		Msg("tranche executed")

	return execution, nil
}

// distribute splits amount across the payout destinations. Shares round down
// and the last destination takes the remainder.
func (s *Saga) distribute(tx *ledger.Database, vault *types.Vault, amount types.Coin) error {
	if !amount.IsPositive() {
		return nil
	}
	destinations, err := vault.PayoutDestinations()
	if err != nil {
		return fmt.Errorf("failed to decode destinations of vault %d: %w", vault.ID, err)
	}

	remaining := amount.Amount
	for i, d := range destinations {
		share := types.FloorMul(amount.Amount, d.Allocation)
		if i == len(destinations)-1 {
			share = remaining
		}
		remaining = remaining.Sub(share)
		if _, err := s.transfers.Transfer(tx, vault.ID, d.Address, types.Coin{Amount: share, Denom: amount.Denom}, "dca proceeds"); err != nil {
			return err
		}
	}
	return nil
}

// skip records a tranche that moved no funds.
func (s *Saga) skip(tx *ledger.Database, block types.Block, vault *types.Vault, outcome types.ExecutionOutcome, reason events.SkipReason) (*types.Execution, error) {
	execution := &types.Execution{
		VaultID:     vault.ID,
		PairAddress: vault.PairAddress,
		Position:    vault.Position,
		BlockHeight: block.Height,
		BlockTime:   block.Time,
		Outcome:     outcome,
		Sent:        types.ZeroCoin(vault.Balance.Denom),
		Received:    types.ZeroCoin(vault.ReceivedAmount.Denom),
		Fee:         types.ZeroCoin(vault.ReceivedAmount.Denom),
		Escrowed:    decimal.Zero,
	}
	if err := tx.AppendExecution(execution); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventExecutionSkipped, events.ExecutionSkipped{Reason: reason}); err != nil {
		return nil, err
	}
	return execution, nil
}

// complete closes a vault whose balance is exhausted.
func (s *Saga) complete(tx *ledger.Database, block types.Block, vault *types.Vault, trigger *types.Trigger) error {
	vault.Status = types.VaultStatusCompleted
	if trigger != nil {
		if err := s.index.Remove(tx, trigger); err != nil {
			return err
		}
	}
	if err := tx.SaveVault(vault); err != nil {
		return fmt.Errorf("failed to save vault: %w", err)
	}
	if _, err := s.events.Append(tx, block, vault.ID, types.EventVaultCompleted, events.VaultCompleted{
		Swapped:  vault.SwappedAmount,
		Received: vault.ReceivedAmount,
	}); err != nil {
		return err
	}
	if vault.DcaPlusEnabled {
		if err := s.escrow.ScheduleDisbursement(tx, vault.ID, vault.ExpectedCompletion(block.Time)); err != nil {
			return err
		}
	}

	log.Info().
		Uint64("vault_id", vault.ID).
		Str("swapped", vault.SwappedAmount.String()).
		Str("received", vault.ReceivedAmount.String()).
		Msg("vault completed")
	return nil
}
