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
)

const autosaveRetryDelay = 5 * time.Second

// AnswerStore persists autosaved answers.
type AnswerStore interface {
	UpsertAnswer(ctx context.Context, submissionID, questionID uuid.UUID, optionID string, at time.Time) (bool, error)
}

// errMalformedJob marks a job that can never succeed and must not be requeued.
var errMalformedJob = errors.New("malformed job")

// AutosaveWorker consumes the answer queue and UPSERTs answers to PostgreSQL
// while their submission is still in progress.
type AutosaveWorker struct {
	store AnswerStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error, sleeping 3s")
			time.Sleep(3 * time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	err = w.handle(ctx, []byte(result[1]))
	switch {
	case err == nil:
	case errors.Is(err, errMalformedJob):
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed answer job")
	default:
		w.log.Error().Err(err).Msg("Persist error, retrying in 5s")
		w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1])
		time.Sleep(autosaveRetryDelay)
	}
}

// handle persists a single encoded AnswerJob.
func (w *AutosaveWorker) handle(ctx context.Context, raw []byte) error {
	var job model.AnswerJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return errors.Join(errMalformedJob, err)
	}
	submissionID, err := uuid.Parse(job.SubmissionID)
	if err != nil {
		return errors.Join(errMalformedJob, err)
	}
	questionID, err := uuid.Parse(job.QuestionID)
	if err != nil {
		return errors.Join(errMalformedJob, err)
	}

	applied, err := w.store.UpsertAnswer(ctx, submissionID, questionID, job.OptionID, job.At)
	if err != nil {
		return err
	}
	if !applied {
		// Finalize already merged the buffer, or a newer answer won.
		w.log.Debug().Str("submission_id", job.SubmissionID).Str("q_id", job.QuestionID).Msg("Stale answer skipped")
	}
	return nil
}

// drain persists what is left in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for ctx.Err() == nil {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		err = w.handle(ctx, []byte(result))
		if errors.Is(err, errMalformedJob) {
			w.log.Error().Err(err).Msg("Drain discarded malformed job")
			continue
		}
		if err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(context.Background(), config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
