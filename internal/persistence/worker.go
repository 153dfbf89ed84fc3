package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"FlareShield/internal/event"
	"FlareShield/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The
// engine's sends are blocking: if this worker falls behind, commands stall
// rather than lose the audit trail. Batches flush when full or when the
// flush timer fires, whichever comes first.
type Worker struct {
	writer       *Writer
	input        <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	input <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger.With().Str("component", "persistence_worker").Logger(),
		metrics:      metrics,
	}
}

// Run batches envelopes until the channel closes or the context is
// canceled. Whatever is buffered at shutdown gets one final flush.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	policies := make([]PolicyRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				if err := w.flush(context.Background(), events, policies); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(events) > 0 {
					if err := w.flush(context.Background(), events, policies); err != nil {
						w.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := ToEventRow(env)
			if err != nil {
				// An unmarshalable payload is a programming error; log and
				// keep the stream moving rather than wedge the engine.
				w.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("dropping unencodable event")
				continue
			}
			events = append(events, row)
			if prow, ok := ToPolicyRow(env); ok {
				policies = append(policies, prow)
			}

			if len(events) >= w.batchSize {
				w.flushWithRetry(ctx, events, policies)
				events = events[:0]
				policies = policies[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				w.flushWithRetry(ctx, events, policies)
				events = events[:0]
				policies = policies[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is canceled. The worker never drops a committed batch; on
// cancellation it makes one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, policies []PolicyRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, policies); err != nil {
					w.logger.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, policies)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}

		w.logger.Error().Err(err).Msg("persistence flush failed")
		if w.metrics != nil {
			w.metrics.PersistErrors.Inc()
		}
	}
}

// flush writes the event batch and the policies projection in one
// transaction so the projection never runs ahead of the log.
func (w *Worker) flush(ctx context.Context, events []EventRow, policies []PolicyRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := w.writer.UpsertPolicyBatch(ctx, tx, policies); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		if len(events) > 0 {
			w.metrics.PersistLastSeq.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}
