package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/repository"
)

const sweepLimit = 200

// OverdueLister finds in-progress submissions past their deadline.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]repository.OverdueSubmission, error)
}

// TimeKeeper finalizes attempts whose time ran out.
type TimeKeeper interface {
	TimeUp(ctx context.Context, examID uuid.UUID, studentID int) error
}

// TokenExpirer marks lapsed entry tokens expired.
type TokenExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// ExpiryWorker periodically finalizes overdue submissions and expires lapsed
// entry tokens. It recovers countdowns lost to a restart.
type ExpiryWorker struct {
	overdue  OverdueLister
	keeper   TimeKeeper
	tokens   TokenExpirer
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewExpiryWorker(overdue OverdueLister, keeper TimeKeeper, tokens TokenExpirer, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		overdue:  overdue,
		keeper:   keeper,
		tokens:   tokens,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start sweeps once right away, then on every tick. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	now := w.now()

	if n, err := w.tokens.ExpireStale(ctx, now); err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to expire stale tokens")
		}
	} else if n > 0 {
		w.log.Info().Int64("count", n).Msg("Expired stale entry tokens")
	}

	due, err := w.overdue.ListOverdue(ctx, now, sweepLimit)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to list overdue submissions")
		}
		return
	}

	finalized := 0
	for _, s := range due {
		if ctx.Err() != nil {
			return
		}
		if err := w.keeper.TimeUp(ctx, s.ExamID, s.StudentID); err != nil {
			w.log.Error().Err(err).
				Str("submission_id", s.ID.String()).
				Int("student_id", s.StudentID).
				Msg("Failed to finalize overdue submission")
			continue
		}
		finalized++
	}
	if finalized > 0 {
		w.log.Info().Int("count", finalized).Msg("Finalized overdue submissions")
	}
}
