package migrations

import (
	"github.com/ksred/klear-dca/internal/types"
	"gorm.io/gorm"
)

// CreateLedger creates the vault, trigger and append-only log tables
func CreateLedger(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Vault{},
		&types.Trigger{},
		&types.OrderIndexEntry{},
		&types.Execution{},
		&types.Event{},
		&types.Sequence{},
		&types.DisbursementTask{},
	)
}
