package database

import (
	"fmt"

	"github.com/ksred/klear-dca/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite ledger at path and runs all migrations
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"create_ledger", migrations.CreateLedger},
		{"add_market_data", migrations.AddMarketData},
		{"add_scheduler_indexes", migrations.AddSchedulerIndexes},
	}
	for _, step := range steps {
		if err := step.run(db); err != nil {
			return nil, fmt.Errorf("failed to run migration %s: %w", step.name, err)
		}
	}

	return db, nil
}
