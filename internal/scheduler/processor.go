package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/observability"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
)

// Runner performs the work a sweep finds. Each call is one engine invocation.
type Runner interface {
	RunTrigger(ctx context.Context, vaultID uint64) error
	RunDisbursement(ctx context.Context, vaultID uint64) error
	RecomputeAdjustments(ctx context.Context) error
}

type Processor struct {
	db           *ledger.Database
	index        *Index
	runner       Runner
	metrics      *observability.Metrics
	now          func() time.Time
	processDelay time.Duration // Time between sweeps
	adjustEvery  time.Duration // Time between swap adjustment recomputations
	batchSize    int
	lastAdjusted time.Time
}

func NewProcessor(db *ledger.Database, runner Runner, metrics *observability.Metrics, now func() time.Time, processDelay, adjustEvery time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Processor{
		db:           db,
		index:        NewIndex(),
		runner:       runner,
		metrics:      metrics,
		now:          now,
		processDelay: processDelay,
		adjustEvery:  adjustEvery,
		batchSize:    50,
	}
}

// Start begins the trigger processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "trigger_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting trigger processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down trigger processor")
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("trigger sweep failed")
			}
		}
	}
}

// SweepStats counts the work done by one sweep.
type SweepStats struct {
	TimeTriggers  int
	PriceTriggers int
	Disbursements int
	Failures      int
}

// Sweep runs every due time trigger, polls price triggers, claims due escrow
// disbursements and, when its interval has elapsed, recomputes swap
// adjustments. Per-vault failures are logged and do not stop the sweep.
func (p *Processor) Sweep(ctx context.Context) error {
	_, err := p.SweepWithStats(ctx)
	return err
}

func (p *Processor) SweepWithStats(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	asOf := p.now()

	due, err := p.collect(func(token string) ([]uint64, string, error) {
		return p.index.DueTimeTriggers(p.db, asOf, p.batchSize, token)
	})
	if err != nil {
		return stats, err
	}
	if p.metrics != nil {
		p.metrics.DueTriggers.Set(float64(len(due)))
	}
	for _, id := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.TimeTriggers++
		p.run(ctx, "time_trigger", id, p.runner.RunTrigger, &stats)
	}

	priced, err := p.collect(func(token string) ([]uint64, string, error) {
		return p.index.PriceTriggers(p.db, p.batchSize, token)
	})
	if err != nil {
		return stats, err
	}
	for _, id := range priced {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.PriceTriggers++
		p.run(ctx, "price_trigger", id, p.runner.RunTrigger, &stats)
	}

	tasks, err := p.db.DueDisbursementTasks(asOf.Unix(), p.batchSize)
	if err != nil {
		return stats, err
	}
	for _, task := range tasks {
		stats.Disbursements++
		p.run(ctx, "disbursement", task.VaultID, p.runner.RunDisbursement, &stats)
	}

	if p.adjustEvery > 0 && asOf.Sub(p.lastAdjusted) >= p.adjustEvery {
		if err := p.runner.RecomputeAdjustments(ctx); err != nil {
			log.Error().Err(err).Msg("failed to recompute swap adjustments")
			p.recordError("adjustment")
		}
		p.lastAdjusted = asOf
	}

	return stats, nil
}

// collect drains a paged query into one id list before any work starts, so
// triggers advanced during the sweep are not revisited.
func (p *Processor) collect(page func(token string) ([]uint64, string, error)) ([]uint64, error) {
	var ids []uint64
	token := ""
	for {
		batch, next, err := page(token)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
		if next == "" {
			return ids, nil
		}
		token = next
	}
}

func (p *Processor) run(ctx context.Context, task string, vaultID uint64, fn func(context.Context, uint64) error, stats *SweepStats) {
	logger := log.With().Str("task", task).Uint64("vault_id", vaultID).Logger()

	err := fn(ctx, vaultID)
	switch {
	case err == nil:
		logger.Debug().Msg("task completed")
	case errors.Is(err, types.ErrNotDue), errors.Is(err, types.ErrInFlight):
		logger.Debug().Err(err).Msg("task skipped")
	default:
		stats.Failures++
		logger.Error().Err(err).Msg("task failed")
		p.recordError(task)
	}
}

func (p *Processor) recordError(task string) {
	if p.metrics != nil {
		p.metrics.ProcessorErrors.WithLabelValues(task).Inc()
	}
}
