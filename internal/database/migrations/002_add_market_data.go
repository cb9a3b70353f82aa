package migrations

import (
	"github.com/ksred/klear-dca/internal/types"
	"gorm.io/gorm"
)

// AddMarketData creates the pair registry, fee and swap adjustment tables
func AddMarketData(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Pair{},
		&types.CustomSwapFee{},
		&types.SwapAdjustment{},
		&types.Transfer{},
	)
}
