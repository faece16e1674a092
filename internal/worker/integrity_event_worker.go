package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
)

const (
	BatchSize       = 50
	BatchTimeout    = 2 * time.Second
	PollTimeout     = 1 * time.Second // Must be >= 1s to satisfy Redis
	shutdownTimeout = 5 * time.Second
)

// EventStore persists integrity events.
type EventStore interface {
	CopyEvents(ctx context.Context, events []repository.EventRow) (int64, error)
	InsertEvent(ctx context.Context, e repository.EventRow) (bool, error)
}

// IntegrityEventWorker batches flagged events from the queue into
// submission_events.
type IntegrityEventWorker struct {
	store EventStore
	rdb   *redis.Client
	log   zerolog.Logger

	// requeue pushes failed jobs back; replaced in tests.
	requeue func(ctx context.Context, jobs []*model.EventJob)
}

func NewIntegrityEventWorker(store EventStore, rdb *redis.Client, log zerolog.Logger) *IntegrityEventWorker {
	w := &IntegrityEventWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "integrity_event_worker").Logger(),
	}
	w.requeue = w.requeueRedis
	return w
}

func (w *IntegrityEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("IntegrityEventWorker started")

	buffer := make([]*model.EventJob, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// Flush on size or age.
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // queue empty, go check the flush timer
			}
			if ctx.Err() != nil {
				continue // shutdown handled above
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job model.EventJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			// Cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, &job)
	}
}

// flushSafe tries a COPY of the whole batch, then row by row, then requeues
// the rows that still failed. Events of submissions that were finalized in
// the meantime are dropped by the store.
func (w *IntegrityEventWorker) flushSafe(ctx context.Context, batch []*model.EventJob) {
	rows, err := toRows(batch)
	if err == nil {
		var copied int64
		copied, err = w.store.CopyEvents(ctx, rows)
		if err == nil {
			if skipped := int64(len(rows)) - copied; skipped > 0 {
				w.log.Debug().Int64("skipped", skipped).Msg("Dropped events of closed submissions")
			}
			return
		}
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
	w.fallbackInsert(ctx, batch)
}

func toRows(batch []*model.EventJob) ([]repository.EventRow, error) {
	rows := make([]repository.EventRow, 0, len(batch))
	for _, j := range batch {
		id, err := uuid.Parse(j.SubmissionID)
		if err != nil {
			// Fallback drops the bad row individually.
			return nil, err
		}
		rows = append(rows, repository.EventRow{SubmissionID: id, Event: j.Event})
	}
	return rows, nil
}

func (w *IntegrityEventWorker) fallbackInsert(ctx context.Context, batch []*model.EventJob) {
	var retry []*model.EventJob

	for _, j := range batch {
		id, err := uuid.Parse(j.SubmissionID)
		if err != nil {
			w.log.Error().Str("submission_id", j.SubmissionID).Msg("Dropping event with invalid submission id")
			continue
		}

		applied, err := w.store.InsertEvent(ctx, repository.EventRow{SubmissionID: id, Event: j.Event})
		switch {
		case err == nil && !applied:
			w.log.Debug().Str("submission_id", j.SubmissionID).Msg("Dropping event of closed submission")
		case err == nil:
		case repository.IsForeignKeyViolation(err):
			w.log.Warn().Str("submission_id", j.SubmissionID).Msg("Dropping event of deleted submission")
		default:
			w.log.Error().Err(err).Int("student_id", j.StudentID).Msg("Insert failed, requeueing")
			retry = append(retry, j)
		}
	}

	if len(retry) > 0 {
		w.requeue(ctx, retry)
	}
}

func (w *IntegrityEventWorker) requeueRedis(ctx context.Context, jobs []*model.EventJob) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	pipe := w.rdb.Pipeline()
	for _, j := range jobs {
		data, _ := json.Marshal(j)
		pipe.RPush(ctx, config.WorkerKey.PersistEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(jobs)).Msg("CRITICAL: Failed to requeue events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(jobs)).Msg("Requeued failed events")
	// Avoid thrashing while the DB is down.
	time.Sleep(2 * time.Second)
}

func (w *IntegrityEventWorker) shutdown(buffer []*model.EventJob) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
