// Package scheduler decides which triggers are due and moves them forward as
// vaults execute.
package scheduler

import (
	"fmt"
	"time"

	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
)

const maxPageSize = 100

// Index answers due-ness queries over the trigger tables.
type Index struct{}

func NewIndex() *Index {
	return &Index{}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// DueTimeTriggers returns the vault ids of idle time triggers due at asOf,
// oldest first. The returned cursor is empty once the sweep is exhausted.
func (i *Index) DueTimeTriggers(db *ledger.Database, asOf time.Time, limit int, token string) ([]uint64, string, error) {
	after, err := decodeCursor(token)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	triggers, err := db.DueTimeTriggers(asOf.Unix(), after.TargetTime, after.VaultID, limit)
	if err != nil {
		return nil, "", err
	}

	ids := make([]uint64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.VaultID)
	}
	if len(triggers) < limit {
		return ids, "", nil
	}

	last := triggers[len(triggers)-1]
	next, err := encodeCursor(cursor{TargetTime: last.TargetTime, VaultID: last.VaultID})
	if err != nil {
		return nil, "", err
	}
	return ids, next, nil
}

// PriceTriggers returns the vault ids of price triggers that need attention:
// an idle trigger has no resting order yet, an open one may have fills.
func (i *Index) PriceTriggers(db *ledger.Database, limit int, token string) ([]uint64, string, error) {
	after, err := decodeCursor(token)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	triggers, err := db.PriceTriggers([]types.SagaState{types.SagaIdle, types.SagaOrderOpen}, after.VaultID, limit)
	if err != nil {
		return nil, "", err
	}

	ids := make([]uint64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.VaultID)
	}
	if len(triggers) < limit {
		return ids, "", nil
	}

	next, err := encodeCursor(cursor{VaultID: triggers[len(triggers)-1].VaultID})
	if err != nil {
		return nil, "", err
	}
	return ids, next, nil
}

// LookupByOrderIndex maps a venue order back to its vault.
func (i *Index) LookupByOrderIndex(db *ledger.Database, orderIdx uint64) (uint64, error) {
	entry, err := db.GetOrderIndex(orderIdx)
	if err != nil {
		return 0, err
	}
	return entry.VaultID, nil
}

// NextTargetTime is max(previous + interval, asOf). It never returns a time at
// or before previous, and a late execution catches up to asOf rather than
// replaying every missed slot.
func NextTargetTime(previous time.Time, interval types.TimeInterval, customSeconds int64, asOf time.Time) time.Time {
	next := interval.After(previous, customSeconds)
	if asOf.After(next) {
		next = asOf
	}
	if !next.After(previous) {
		next = previous.Add(time.Second)
	}
	return next
}

// Advance moves a time trigger to its next slot and clears any in-flight
// request.
func (i *Index) Advance(tx *ledger.Database, vault *types.Vault, trigger *types.Trigger, asOf time.Time) error {
	if trigger.Kind != types.TriggerKindTime {
		return fmt.Errorf("cannot advance %s trigger of vault %d", trigger.Kind, trigger.VaultID)
	}
	previous := time.Unix(trigger.TargetTime, 0)
	trigger.TargetTime = NextTargetTime(previous, vault.Interval, vault.IntervalSeconds, asOf).Unix()
	trigger.Finish(types.SagaIdle)
	return tx.SaveTrigger(trigger)
}

// ConvertToTime turns a price trigger into a time trigger due one interval
// after asOf.
func (i *Index) ConvertToTime(tx *ledger.Database, vault *types.Vault, trigger *types.Trigger, asOf time.Time) error {
	if trigger.OrderIdx != nil {
		if err := tx.DeleteOrderIndex(*trigger.OrderIdx); err != nil {
			return err
		}
	}
	next := types.NewTimeTrigger(vault.ID, vault.NextAfter(asOf))
	next.CreatedAt = trigger.CreatedAt
	return tx.SaveTrigger(next)
}

// Remove deletes a vault's trigger together with its order index entry. The
// vault receives no further automatic executions afterwards.
func (i *Index) Remove(tx *ledger.Database, trigger *types.Trigger) error {
	if trigger.OrderIdx != nil {
		if err := tx.DeleteOrderIndex(*trigger.OrderIdx); err != nil {
			return err
		}
	}
	return tx.DeleteTrigger(trigger.VaultID)
}
