package shardcopy

import (
	"context"
	"strconv"
)

// watchdog advances transaction visibility on every target shard while
// workers run. With no progress it waits WatchdogBackoff. It returns once
// no worker was running during a full pass that advanced nothing.
func (e *Engine) watchdog(ctx context.Context) error {
	log := e.logger.With().Str("task", "watchdog").Logger()
	for {
		workersRunning := e.running.Load() > 0

		advanced := false
		for _, shard := range e.targets {
			visible, ok, err := shard.AdvanceTransactionVisibility(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Int("shard", int(shard.ID())).Msg("advance visibility failed")
				continue
			}
			if ok {
				advanced = true
				e.visibilityAdvances.Add(1)
				e.metrics.VisibilityAdvances.WithLabelValues(strconv.Itoa(int(shard.ID()))).Inc()
				log.Debug().Int("shard", int(shard.ID())).Int64("visible", int64(visible)).Msg("visibility advanced")
			}
		}

		if advanced {
			continue
		}
		if !workersRunning {
			log.Debug().Msg("no workers running and nothing to advance, exiting")
			return nil
		}
		if err := e.sleep(ctx, e.opts.WatchdogBackoff); err != nil {
			return err
		}
	}
}
