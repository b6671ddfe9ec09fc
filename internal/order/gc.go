package order

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepInterval = time.Hour

// StartRetentionSweep removes terminal order rows older than
// TerminalRetention, finished cancel-queue entries, and expired audit
// rows, hourly.
func (e *Executor) StartRetentionSweep(ctx context.Context) {
	go func() {
		tick := time.NewTicker(sweepInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				e.sweepOnce(ctx)
			}
		}
	}()
}

func (e *Executor) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-TerminalRetention)

	orders, err := e.store.DeleteTerminalOrdersBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("terminal order sweep failed")
	}
	cancels, err := e.store.DeleteFinishedCancelsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("cancel queue sweep failed")
	}
	audit, err := e.store.DeleteEventLogBefore(ctx, time.Now().Add(-AuditRetention))
	if err != nil {
		log.Error().Err(err).Msg("event log sweep failed")
	}
	if orders > 0 || cancels > 0 || audit > 0 {
		log.Info().
			Int64("orders", orders).
			Int64("cancels", cancels).
			Int64("audit", audit).
			Msg("retention sweep removed rows")
	}
}
