package migrations

import (
	"gorm.io/gorm"
)

// AddSchedulerIndexes adds the composite indexes behind the due-trigger,
// price-trigger and adjustment queries
func AddSchedulerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Due time triggers, scanned in (target_time, vault_id) order
		`CREATE INDEX IF NOT EXISTS idx_triggers_due
		 ON triggers(kind, state, target_time, vault_id)`,

		// Escrow disbursement sweep
		`CREATE INDEX IF NOT EXISTS idx_disbursement_tasks_due
		 ON disbursement_tasks(due_time, vault_id)`,

		// Recent executions per pair and direction
		`CREATE INDEX IF NOT EXISTS idx_executions_pair_recent
		 ON executions(pair_address, position, outcome, block_time)`,

		// Pending transfers for the settlement processor
		`CREATE INDEX IF NOT EXISTS idx_transfers_status_id
		 ON transfers(status, id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
