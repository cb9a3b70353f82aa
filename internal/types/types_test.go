package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeIntervalAfter(t *testing.T) {
	base := time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		interval TimeInterval
		custom   int64
		want     time.Time
	}{
		{IntervalEverySecond, 0, base.Add(time.Second)},
		{IntervalHalfHourly, 0, base.Add(30 * time.Minute)},
		{IntervalDaily, 0, base.Add(24 * time.Hour)},
		{IntervalFortnightly, 0, base.Add(14 * 24 * time.Hour)},
		{IntervalMonthly, 0, base.AddDate(0, 1, 0)},
		{IntervalCustom, 90, base.Add(90 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got := tt.interval.After(base, tt.custom)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(base))
		})
	}
}

func TestTimeIntervalValid(t *testing.T) {
	assert.True(t, IntervalHourly.Valid(0))
	assert.True(t, IntervalMonthly.Valid(0))
	assert.True(t, IntervalCustom.Valid(60))
	assert.False(t, IntervalCustom.Valid(0))
	assert.False(t, TimeInterval("yearly").Valid(0))
}

func TestVaultExpectedCompletion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Vault{
		SwapAmount:     decimal.NewFromInt(100),
		Interval:       IntervalHourly,
		DcaPlusEnabled: true,
		DcaPlus: DcaPlus{
			TotalDeposited:  decimal.NewFromInt(1000),
			StandardSwapped: decimal.NewFromInt(750),
		},
	}

	// 250 remaining at 100 per slot needs three more hourly slots
	assert.Equal(t, now.Add(3*time.Hour), v.ExpectedCompletion(now))

	v.DcaPlus.StandardSwapped = decimal.NewFromInt(1000)
	assert.Equal(t, now, v.ExpectedCompletion(now))
}

func TestVaultPayoutDestinationsDefaultsToOwner(t *testing.T) {
	v := &Vault{Owner: "alice"}

	destinations, err := v.PayoutDestinations()
	require.NoError(t, err)
	require.Len(t, destinations, 1)
	assert.Equal(t, "alice", destinations[0].Address)
	assert.True(t, destinations[0].Allocation.Equal(decimal.NewFromInt(1)))

	require.NoError(t, v.SetDestinations([]Destination{
		{Address: "bob", Allocation: decimal.RequireFromString("0.25")},
		{Address: "carol", Allocation: decimal.RequireFromString("0.75")},
	}))
	destinations, err = v.PayoutDestinations()
	require.NoError(t, err)
	require.Len(t, destinations, 2)
	assert.Equal(t, "carol", destinations[1].Address)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("execute vault: %w", Errorf(CodeNotDue, "vault %d is not due", 7))

	assert.True(t, errors.Is(err, ErrNotDue))
	assert.False(t, errors.Is(err, ErrNotFound))

	var coded *Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeNotDue, coded.Code)
	assert.Equal(t, "vault 7 is not due", coded.Error())
}

func TestTriggerBeginAndAbandon(t *testing.T) {
	trigger := NewTimeTrigger(1, time.Unix(100, 0))
	trigger.Begin(SagaAwaitingSwapConfirmation, "req-1", decimal.NewFromInt(10), time.Unix(120, 0))

	assert.True(t, trigger.State.InFlight())
	require.NotNil(t, trigger.PendingRequestID)
	assert.Equal(t, "req-1", *trigger.PendingRequestID)

	trigger.Abandon()
	assert.Equal(t, SagaIdle, trigger.State)
	assert.Nil(t, trigger.PendingRequestID)
	assert.True(t, trigger.PendingAmount.IsZero())
}
