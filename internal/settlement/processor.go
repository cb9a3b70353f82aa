package settlement

import (
	"context"
	"time"

	"github.com/ksred/klear-dca/internal/observability"
	"github.com/rs/zerolog/log"
)

type Processor struct {
	db           *Database
	metrics      *observability.Metrics
	processDelay time.Duration // Time between settlement sweeps
	batchSize    int
}

func NewProcessor(db *Database, metrics *observability.Metrics, processDelay time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = 5 * time.Second
	}
	return &Processor{
		db:           db,
		metrics:      metrics,
		processDelay: processDelay,
		batchSize:    100,
	}
}

// Start begins the settlement processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessPendingTransfers(); err != nil {
				logger.Error().Err(err).Msg("failed to process pending transfers")
				if p.metrics != nil {
					p.metrics.ProcessorErrors.WithLabelValues("settlement").Inc()
				}
			}
		}
	}
}

// ProcessPendingTransfers settles one batch of pending transfers and returns
// how many were settled.
func (p *Processor) ProcessPendingTransfers() (int, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	transfers, err := p.db.GetPendingTransfers(p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(transfers) == 0 {
		return 0, nil
	}

	logger.Info().Int("pending_count", len(transfers)).Msg("processing pending transfers")

	settled := 0
	for _, transfer := range transfers {
		if err := p.db.MarkSettled(transfer.TransferID, time.Now()); err != nil {
			logger.Error().
				Err(err).
				Str("transfer_id", transfer.TransferID).
				Msg("failed to update transfer status")
			continue
		}
		settled++

		logger.Debug().
			Str("transfer_id", transfer.TransferID).
			Str("recipient", transfer.Recipient).
			Str("amount", transfer.Coin.String()).
			Msg("transfer settled")
	}

	if p.metrics != nil {
		p.metrics.TransfersSettled.Add(float64(settled))
	}
	return settled, nil
}
