package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
	"github.com/LeventeLantos/rescue-dispatch/internal/worker"
)

// ReclaimJob returns stale processing records to the queue head.
func ReclaimJob(q queue.Queue, ttl time.Duration, log zerolog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		n, err := q.Reclaim(ctx, ttl)
		if err != nil {
			log.Error().Err(err).Msg("reclaim sweep failed")
			return
		}
		if n > 0 {
			log.Warn().Int("reclaimed", n).Dur("ttl", ttl).Msg("reclaimed stuck records")
		}
	}
}

// StatsJob logs queue depth next to the worker counters.
func StatsJob(q queue.Queue, workers func() worker.Stats, log zerolog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		st, err := q.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("queue stats failed")
			return
		}
		ev := log.Info().
			Int64("queue_size", st.Pending).
			Int64("processing_size", st.Processing).
			Int64("failed_size", st.DeadLetters).
			Int64("error_count", st.Errors)
		if workers != nil {
			ws := workers()
			ev = ev.Bool("workers_running", ws.Running).
				Int64("processed", ws.Processed).
				Int64("retried", ws.Retried).
				Int64("dead_lettered", ws.DeadLettered)
		}
		ev.Msg("queue statistics")
	}
}
