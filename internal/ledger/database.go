// Package ledger is the typed storage layer for vaults, triggers, events,
// executions, escrow tasks and market data.
package ledger

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-dca/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StreamEvents     = "events"
	StreamExecutions = "executions"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle, which is a transaction inside Transaction.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Transaction runs fn against a transactional copy of the database. Any error
// or panic rolls back every write made through tx.
func (d *Database) Transaction(fn func(tx *Database) error) (err error) {
	tx := d.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Database{db: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Wrap(types.CodeNotFound, fmt.Sprintf(format, args...), err)
	}
	return err
}

// NextSequence increments and returns the counter of a stream for a resource.
// It must run in the same transaction as the row it numbers.
func (d *Database) NextSequence(stream string, resourceID uint64) (uint64, error) {
	var seq types.Sequence
	err := d.db.Where("stream = ? AND resource_id = ?", stream, resourceID).First(&seq).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		seq = types.Sequence{Stream: stream, ResourceID: resourceID, Counter: 1}
		if err := d.db.Create(&seq).Error; err != nil {
			return 0, fmt.Errorf("failed to create sequence: %w", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("failed to fetch sequence: %w", err)
	}

	result := d.db.Model(&types.Sequence{}).
		Where("stream = ? AND resource_id = ? AND counter = ?", stream, resourceID, seq.Counter).
		Update("counter", seq.Counter+1)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return 0, fmt.Errorf("sequence %s/%d advanced concurrently", stream, resourceID)
	}
	return seq.Counter + 1, nil
}

// Vaults

func (d *Database) CreateVault(vault *types.Vault) error {
	return d.db.Create(vault).Error
}

func (d *Database) GetVault(id uint64) (*types.Vault, error) {
	var vault types.Vault
	if err := d.db.First(&vault, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "vault %d not found", id)
	}
	return &vault, nil
}

func (d *Database) SaveVault(vault *types.Vault) error {
	return d.db.Save(vault).Error
}

// VaultsByOwner pages through an owner's vaults in id order.
func (d *Database) VaultsByOwner(owner string, status types.VaultStatus, afterID uint64, limit int) ([]types.Vault, error) {
	query := d.db.Where("owner = ? AND id > ?", owner, afterID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var vaults []types.Vault
	if err := query.Order("id ASC").Limit(limit).Find(&vaults).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch vaults: %w", err)
	}
	return vaults, nil
}

// Triggers

func (d *Database) SaveTrigger(trigger *types.Trigger) error {
	return d.db.Save(trigger).Error
}

func (d *Database) GetTrigger(vaultID uint64) (*types.Trigger, error) {
	var trigger types.Trigger
	if err := d.db.First(&trigger, "vault_id = ?", vaultID).Error; err != nil {
		return nil, notFound(err, "trigger for vault %d not found", vaultID)
	}
	return &trigger, nil
}

func (d *Database) TriggerByRequestID(requestID string) (*types.Trigger, error) {
	var trigger types.Trigger
	if err := d.db.First(&trigger, "pending_request_id = ?", requestID).Error; err != nil {
		return nil, notFound(err, "no pending request %s", requestID)
	}
	return &trigger, nil
}

func (d *Database) DeleteTrigger(vaultID uint64) error {
	return d.db.Delete(&types.Trigger{}, "vault_id = ?", vaultID).Error
}

// DueTimeTriggers returns idle time triggers due at or before asOf ordered by
// (target_time, vault_id), starting strictly after the given position.
func (d *Database) DueTimeTriggers(asOf, afterTime int64, afterVaultID uint64, limit int) ([]types.Trigger, error) {
	var triggers []types.Trigger
	if err := d.db.Where("kind = ? AND state = ? AND target_time <= ?", types.TriggerKindTime, types.SagaIdle, asOf).
		Where("(target_time > ? OR (target_time = ? AND vault_id > ?))", afterTime, afterTime, afterVaultID).
		Order("target_time ASC, vault_id ASC").
		Limit(limit).
		Find(&triggers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch due triggers: %w", err)
	}
	return triggers, nil
}

// PriceTriggers returns price triggers in one of the given states by vault id.
func (d *Database) PriceTriggers(states []types.SagaState, afterVaultID uint64, limit int) ([]types.Trigger, error) {
	var triggers []types.Trigger
	if err := d.db.Where("kind = ? AND state IN ? AND vault_id > ?", types.TriggerKindPrice, states, afterVaultID).
		Order("vault_id ASC").
		Limit(limit).
		Find(&triggers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch price triggers: %w", err)
	}
	return triggers, nil
}

// Order index

func (d *Database) PutOrderIndex(orderIdx, vaultID uint64) error {
	return d.db.Create(&types.OrderIndexEntry{OrderIdx: orderIdx, VaultID: vaultID}).Error
}

func (d *Database) GetOrderIndex(orderIdx uint64) (*types.OrderIndexEntry, error) {
	var entry types.OrderIndexEntry
	if err := d.db.First(&entry, "order_idx = ?", orderIdx).Error; err != nil {
		return nil, notFound(err, "no vault for order %d", orderIdx)
	}
	return &entry, nil
}

func (d *Database) DeleteOrderIndex(orderIdx uint64) error {
	return d.db.Delete(&types.OrderIndexEntry{}, "order_idx = ?", orderIdx).Error
}

// Executions

// AppendExecution assigns the next per-vault sequence and inserts the record.
func (d *Database) AppendExecution(execution *types.Execution) error {
	seq, err := d.NextSequence(StreamExecutions, execution.VaultID)
	if err != nil {
		return err
	}
	execution.Sequence = seq
	if err := d.db.Create(execution).Error; err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (d *Database) ExecutionsByVault(vaultID uint64, afterSeq uint64, limit int) ([]types.Execution, error) {
	var executions []types.Execution
	if err := d.db.Where("vault_id = ? AND sequence > ?", vaultID, afterSeq).
		Order("sequence ASC").
		Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch executions: %w", err)
	}
	return executions, nil
}

// RecentSuccessfulExecutions returns the latest successful executions for a
// pair and direction across all vaults, newest first.
func (d *Database) RecentSuccessfulExecutions(pairAddress string, position types.PositionType, limit int) ([]types.Execution, error) {
	var executions []types.Execution
	if err := d.db.Where("pair_address = ? AND position = ? AND outcome = ?", pairAddress, position, types.OutcomeSuccess).
		Order("block_time DESC, id DESC").
		Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch recent executions: %w", err)
	}
	return executions, nil
}

// Events

// AppendEvent assigns the next per-resource sequence and inserts the event.
func (d *Database) AppendEvent(event *types.Event) error {
	seq, err := d.NextSequence(StreamEvents, event.ResourceID)
	if err != nil {
		return err
	}
	event.Sequence = seq
	if err := d.db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (d *Database) EventsByResource(resourceID uint64, afterSeq uint64, limit int) ([]types.Event, error) {
	var events []types.Event
	if err := d.db.Where("resource_id = ? AND sequence > ?", resourceID, afterSeq).
		Order("sequence ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

// Disbursement tasks

// UpsertDisbursementTask stores or reschedules the task of a vault.
func (d *Database) UpsertDisbursementTask(task *types.DisbursementTask) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vault_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"due_time"}),
	}).Create(task).Error
}

func (d *Database) GetDisbursementTask(vaultID uint64) (*types.DisbursementTask, error) {
	var task types.DisbursementTask
	if err := d.db.First(&task, "vault_id = ?", vaultID).Error; err != nil {
		return nil, notFound(err, "no disbursement task for vault %d", vaultID)
	}
	return &task, nil
}

func (d *Database) DeleteDisbursementTask(vaultID uint64) error {
	return d.db.Delete(&types.DisbursementTask{}, "vault_id = ?", vaultID).Error
}

// DueDisbursementTasks returns tasks due at or before asOf, oldest first.
func (d *Database) DueDisbursementTasks(asOf int64, limit int) ([]types.DisbursementTask, error) {
	var tasks []types.DisbursementTask
	if err := d.db.Where("due_time <= ?", asOf).
		Order("due_time ASC, vault_id ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch disbursement tasks: %w", err)
	}
	return tasks, nil
}

// Market data

func (d *Database) SavePair(pair *types.Pair) error {
	return d.db.Save(pair).Error
}

func (d *Database) GetPair(address string) (*types.Pair, error) {
	var pair types.Pair
	if err := d.db.First(&pair, "address = ?", address).Error; err != nil {
		return nil, notFound(err, "pair %s not registered", address)
	}
	return &pair, nil
}

func (d *Database) ListPairs() ([]types.Pair, error) {
	var pairs []types.Pair
	if err := d.db.Order("address ASC").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pairs: %w", err)
	}
	return pairs, nil
}

func (d *Database) SaveCustomSwapFee(fee *types.CustomSwapFee) error {
	return d.db.Save(fee).Error
}

// CustomSwapFee returns the configured fee for denom, or nil when none is set.
func (d *Database) CustomSwapFee(denom string) (*types.CustomSwapFee, error) {
	var fee types.CustomSwapFee
	err := d.db.First(&fee, "denom = ?", denom).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch custom swap fee: %w", err)
	}
	return &fee, nil
}

func (d *Database) SaveSwapAdjustment(adjustment *types.SwapAdjustment) error {
	return d.db.Save(adjustment).Error
}

func (d *Database) GetSwapAdjustment(pairAddress string, position types.PositionType) (*types.SwapAdjustment, error) {
	var adjustment types.SwapAdjustment
	if err := d.db.First(&adjustment, "pair_address = ? AND position = ?", pairAddress, position).Error; err != nil {
		return nil, notFound(err, "no swap adjustment for %s/%s", pairAddress, position)
	}
	return &adjustment, nil
}
