package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-dca/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTransfer(transfer *types.Transfer) error {
	return d.db.Create(transfer).Error
}

func (d *Database) GetTransfer(transferID string) (*types.Transfer, error) {
	var transfer types.Transfer
	if err := d.db.Where("transfer_id = ?", transferID).First(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Errorf(types.CodeNotFound, "transfer %s not found", transferID)
		}
		return nil, fmt.Errorf("failed to fetch transfer: %w", err)
	}
	return &transfer, nil
}

// MarkSettled moves a pending transfer to SETTLED.
func (d *Database) MarkSettled(transferID string, at time.Time) error {
	result := d.db.Model(&types.Transfer{}).
		Where("transfer_id = ? AND status = ?", transferID, types.TransferPending).
		Updates(map[string]interface{}{
			"status":     types.TransferSettled,
			"settled_at": at,
			"updated_at": at,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return errors.New("pending transfer not found")
	}

	return nil
}

func (d *Database) GetPendingTransfers(limit int) ([]types.Transfer, error) {
	var transfers []types.Transfer
	if err := d.db.Where("status = ?", types.TransferPending).
		Order("id ASC").
		Limit(limit).
		Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending transfers: %w", err)
	}
	return transfers, nil
}

func (d *Database) GetRecipientTransfers(recipient string, afterID uint64, limit int) ([]types.Transfer, error) {
	query := d.db.Where("recipient = ? AND id > ?", recipient, afterID).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var transfers []types.Transfer
	if err := query.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transfers: %w", err)
	}
	return transfers, nil
}

func (d *Database) GetVaultTransfers(vaultID uint64) ([]types.Transfer, error) {
	var transfers []types.Transfer
	if err := d.db.Where("vault_id = ?", vaultID).Order("id ASC").Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch vault transfers: %w", err)
	}
	return transfers, nil
}
