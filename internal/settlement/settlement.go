// Package settlement records value transfers to owners, destinations and the
// fee collector, and settles them in the background.
package settlement

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Transfer writes a pending transfer through tx, so it commits or rolls back
// with the invocation that issued it. Zero amounts are skipped.
func (s *Service) Transfer(tx *ledger.Database, vaultID uint64, recipient string, coin types.Coin, memo string) (*types.Transfer, error) {
	if !coin.IsPositive() {
		return nil, nil
	}

	transfer := &types.Transfer{
		TransferID: "TRF_" + uuid.New().String(),
		VaultID:    vaultID,
		Recipient:  recipient,
		Coin:       coin,
		Memo:       memo,
		Status:     types.TransferPending,
	}
	if err := NewDatabase(tx.DB()).CreateTransfer(transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	log.Debug().
		Str("transfer_id", transfer.TransferID).
		Uint64("vault_id", vaultID).
		Str("recipient", recipient).
		Str("amount", coin.String()).
		Str("memo", memo).
		Msg("transfer queued")

	return transfer, nil
}

// Transfers pages through the transfers sent to a recipient.
func (s *Service) Transfers(db *ledger.Database, recipient string, afterID uint64, limit int) ([]types.Transfer, error) {
	return NewDatabase(db.DB()).GetRecipientTransfers(recipient, afterID, limit)
}

// GetTransfer looks up one transfer by its public id.
func (s *Service) GetTransfer(db *ledger.Database, transferID string) (*types.Transfer, error) {
	return NewDatabase(db.DB()).GetTransfer(transferID)
}

// VaultTransfers lists every transfer issued on behalf of a vault.
func (s *Service) VaultTransfers(db *ledger.Database, vaultID uint64) ([]types.Transfer, error) {
	return NewDatabase(db.DB()).GetVaultTransfers(vaultID)
}

// Balances sums everything sent to a recipient, per denom.
func (s *Service) Balances(db *ledger.Database, recipient string) ([]Balance, error) {
	transfers, err := NewDatabase(db.DB()).GetRecipientTransfers(recipient, 0, 0)
	if err != nil {
		return nil, err
	}

	byDenom := make(map[string]*Balance)
	for _, t := range transfers {
		b, ok := byDenom[t.Coin.Denom]
		if !ok {
			b = &Balance{Denom: t.Coin.Denom, Settled: decimal.Zero, Pending: decimal.Zero}
			byDenom[t.Coin.Denom] = b
		}
		if t.Status == types.TransferSettled {
			b.Settled = b.Settled.Add(t.Coin.Amount)
		} else {
			b.Pending = b.Pending.Add(t.Coin.Amount)
		}
	}

	balances := make([]Balance, 0, len(byDenom))
	for _, b := range byDenom {
		balances = append(balances, *b)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Denom < balances[j].Denom })
	return balances, nil
}
