package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
)

// Submission errors.
var (
	ErrSubmissionNotFound     = errors.New("submission not found")
	ErrAlreadySubmitted       = errors.New("exam already submitted")
	ErrSubmissionClosed       = errors.New("submission no longer accepts answers")
	ErrUnknownQuestion        = errors.New("question does not belong to the exam")
	ErrBacktrackingNotAllowed = errors.New("exam does not allow going back")
)

// bufferGrace keeps buffered state around a while after the deadline so a
// late finalize still finds it.
const bufferGrace = 6 * time.Hour

// SubmissionStore persists submissions. Absent rows are reported as pgx.ErrNoRows.
type SubmissionStore interface {
	StartOrGet(ctx context.Context, examID uuid.UUID, studentID int, startedAt, deadlineAt time.Time) (*model.ExamSubmission, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSubmission, error)
	Answers(ctx context.Context, id uuid.UUID) (map[string]string, error)
	Finalize(ctx context.Context, id uuid.UUID, answers map[string]string, events []model.FlaggedEvent, score float64, now time.Time) (bool, error)
}

// AnswerBuffer holds live answers. Missing meta is reported as repository.ErrCacheMiss.
type AnswerBuffer interface {
	SaveMeta(ctx context.Context, meta *model.SubmissionMeta, ttl time.Duration) error
	Meta(ctx context.Context, submissionID string) (*model.SubmissionMeta, error)
	PutAnswer(ctx context.Context, submissionID, questionID, optionID string, index int, allowBacktracking bool, ttl time.Duration) error
	Answers(ctx context.Context, submissionID string) (map[string]string, error)
	Seal(ctx context.Context, submissionID string, ttl time.Duration) error
	Unseal(ctx context.Context, submissionID string) error
	Sealed(ctx context.Context, submissionID string) (bool, error)
	Clear(ctx context.Context, submissionID string) error
}

// Queue hands jobs to background workers.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any) error
}

// ExamReader reads exams with their questions, always fresh.
type ExamReader interface {
	GetWithQuestions(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// SubmissionRecorder records answers and integrity events of live attempts
// and finalizes each (exam, student) attempt exactly once.
type SubmissionRecorder struct {
	store  SubmissionStore
	buffer AnswerBuffer
	queue  Queue
	exams  ExamReader
	log    zerolog.Logger
}

// NewSubmissionRecorder creates a new SubmissionRecorder.
func NewSubmissionRecorder(store SubmissionStore, buffer AnswerBuffer, queue Queue, exams ExamReader, log zerolog.Logger) *SubmissionRecorder {
	return &SubmissionRecorder{
		store:  store,
		buffer: buffer,
		queue:  queue,
		exams:  exams,
		log:    log.With().Str("component", "submission_recorder").Logger(),
	}
}

// Start upserts the IN_PROGRESS submission of the pair. A repeat call returns
// the existing record with its original deadline.
func (r *SubmissionRecorder) Start(ctx context.Context, exam *model.Exam, studentID int, now time.Time) (*model.ExamSubmission, error) {
	sub, err := r.store.StartOrGet(ctx, exam.ID, studentID, now, now.Add(exam.Duration()))
	if err != nil {
		return nil, fmt.Errorf("start submission: %w", err)
	}
	if sub.Completed() {
		return sub, ErrAlreadySubmitted
	}

	meta := newMeta(sub, exam)
	if err := r.buffer.SaveMeta(ctx, meta, metaTTL(meta, now)); err != nil {
		r.log.Warn().Err(err).Str("submission_id", sub.ID.String()).Msg("Failed to cache submission meta")
	}
	return sub, nil
}

func newMeta(sub *model.ExamSubmission, exam *model.Exam) *model.SubmissionMeta {
	order := make([]string, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		order = append(order, q.ID.String())
	}
	return &model.SubmissionMeta{
		SubmissionID:      sub.ID,
		ExamID:            sub.ExamID,
		StudentID:         sub.StudentID,
		DeadlineAt:        sub.DeadlineAt,
		AllowBacktracking: exam.AllowBacktracking,
		QuestionOrder:     order,
	}
}

func metaTTL(meta *model.SubmissionMeta, now time.Time) time.Duration {
	ttl := meta.DeadlineAt.Sub(now) + bufferGrace
	if ttl < bufferGrace {
		ttl = bufferGrace
	}
	return ttl
}

// loadMeta reads the cached meta and rebuilds it from storage on a miss.
func (r *SubmissionRecorder) loadMeta(ctx context.Context, submissionID uuid.UUID, now time.Time) (*model.SubmissionMeta, error) {
	meta, err := r.buffer.Meta(ctx, submissionID.String())
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		return nil, fmt.Errorf("read submission meta: %w", err)
	}

	sub, err := r.getSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	exam, err := r.exams.GetWithQuestions(ctx, sub.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	meta = newMeta(sub, exam)
	if err := r.buffer.SaveMeta(ctx, meta, metaTTL(meta, now)); err != nil {
		r.log.Warn().Err(err).Str("submission_id", submissionID.String()).Msg("Failed to re-cache submission meta")
	}
	return meta, nil
}

func (r *SubmissionRecorder) getSubmission(ctx context.Context, id uuid.UUID) (*model.ExamSubmission, error) {
	sub, err := r.store.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// RecordAnswer buffers one answer and queues it for durable persistence.
// Answers are refused once the deadline passed or the submission was sealed.
func (r *SubmissionRecorder) RecordAnswer(ctx context.Context, submissionID uuid.UUID, questionID, optionID string, now time.Time) error {
	meta, err := r.loadMeta(ctx, submissionID, now)
	if err != nil {
		return err
	}
	if now.After(meta.DeadlineAt) {
		return ErrSubmissionClosed
	}
	idx := meta.IndexOf(questionID)
	if idx < 0 {
		return ErrUnknownQuestion
	}

	err = r.buffer.PutAnswer(ctx, submissionID.String(), questionID, optionID, idx, meta.AllowBacktracking, metaTTL(meta, now))
	switch {
	case errors.Is(err, repository.ErrBufferSealed):
		return ErrSubmissionClosed
	case errors.Is(err, repository.ErrCursorBehind):
		return ErrBacktrackingNotAllowed
	case err != nil:
		return fmt.Errorf("buffer answer: %w", err)
	}

	job := model.AnswerJob{
		SubmissionID: submissionID.String(),
		QuestionID:   questionID,
		OptionID:     optionID,
		At:           now,
	}
	if err := r.queue.Enqueue(ctx, config.WorkerKey.PersistAnswersQueue, job); err != nil {
		// The buffer still holds the answer; finalize persists it.
		r.log.Warn().Err(err).Str("submission_id", submissionID.String()).Msg("Failed to queue answer")
	}
	return nil
}

// RecordEvent queues a flagged integrity event for batched persistence.
func (r *SubmissionRecorder) RecordEvent(ctx context.Context, submissionID uuid.UUID, event model.FlaggedEvent, now time.Time) error {
	meta, err := r.loadMeta(ctx, submissionID, now)
	if err != nil {
		return err
	}
	sealed, err := r.buffer.Sealed(ctx, submissionID.String())
	if err != nil {
		return fmt.Errorf("check seal: %w", err)
	}
	if sealed {
		return ErrSubmissionClosed
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	job := model.EventJob{
		SubmissionID: submissionID.String(),
		ExamID:       meta.ExamID.String(),
		StudentID:    meta.StudentID,
		Event:        event,
	}
	if err := r.queue.Enqueue(ctx, config.WorkerKey.PersistEventsQueue, job); err != nil {
		return fmt.Errorf("queue event: %w", err)
	}
	return nil
}

// Finalize completes the submission exactly once. The buffer is sealed first
// so no answer can slip in after the merge, and reopened when the commit
// fails so autosave keeps working until a retry. Supplied answers only count
// when now is within the deadline; buffered ones were already checked on write.
// A repeat call is a successful no-op reporting AlreadyFinalized.
func (r *SubmissionRecorder) Finalize(ctx context.Context, submissionID uuid.UUID, answers map[string]string, events []model.FlaggedEvent, now time.Time) (*model.FinalizeResult, error) {
	sub, err := r.getSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Completed() {
		return &model.FinalizeResult{Submission: sub, AlreadyFinalized: true}, nil
	}

	key := submissionID.String()
	if err := r.buffer.Seal(ctx, key, bufferGrace); err != nil {
		return nil, fmt.Errorf("seal buffer: %w", err)
	}

	res, err := r.commit(ctx, sub, answers, events, now)
	if err != nil {
		if uerr := r.buffer.Unseal(ctx, key); uerr != nil {
			r.log.Warn().Err(uerr).Str("submission_id", key).Msg("Failed to reopen answer buffer")
		}
		return nil, err
	}
	return res, nil
}

// commit merges, scores and persists a sealed submission.
func (r *SubmissionRecorder) commit(ctx context.Context, sub *model.ExamSubmission, answers map[string]string, events []model.FlaggedEvent, now time.Time) (*model.FinalizeResult, error) {
	submissionID := sub.ID
	key := submissionID.String()

	persisted, err := r.store.Answers(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("read persisted answers: %w", err)
	}
	buffered, err := r.buffer.Answers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read buffered answers: %w", err)
	}

	exam, err := r.exams.GetWithQuestions(ctx, sub.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	merged := make(map[string]string, len(exam.Questions))
	for _, src := range []map[string]string{persisted, buffered} {
		for q, o := range src {
			merged[q] = o
		}
	}
	if !now.After(sub.DeadlineAt) {
		for q, o := range answers {
			merged[q] = o
		}
	}
	for q := range merged {
		if exam.QuestionIndex(q) < 0 {
			delete(merged, q)
		}
	}

	for i := range events {
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = now
		}
	}

	score := Score(exam, merged)
	applied, err := r.store.Finalize(ctx, submissionID, merged, events, score, now)
	if err != nil {
		return nil, fmt.Errorf("finalize submission: %w", err)
	}
	if !applied {
		current, err := r.getSubmission(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		return &model.FinalizeResult{Submission: current, AlreadyFinalized: true}, nil
	}

	if err := r.buffer.Clear(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("submission_id", key).Msg("Failed to clear answer buffer")
	}

	sub.Status = model.SubmissionStatusCompleted
	sub.SubmittedAt = &now
	sub.Score = &score
	sub.Answers = merged
	sub.Events = events

	r.log.Info().
		Str("submission_id", key).
		Str("exam_id", sub.ExamID.String()).
		Int("student_id", sub.StudentID).
		Float64("score", score).
		Msg("Submission finalized")

	return &model.FinalizeResult{Submission: sub}, nil
}

// Score returns the percentage of questions answered correctly.
func Score(exam *model.Exam, answers map[string]string) float64 {
	if len(exam.Questions) == 0 {
		return 0
	}
	correct := 0
	for _, q := range exam.Questions {
		if o, ok := answers[q.ID.String()]; ok && o == q.CorrectOptionID {
			correct++
		}
	}
	return float64(correct) / float64(len(exam.Questions)) * 100
}

// State returns what the live view needs to recover after a reload.
func (r *SubmissionRecorder) State(ctx context.Context, submissionID uuid.UUID, now time.Time) (*model.SubmissionState, error) {
	sub, err := r.getSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	answers := map[string]string{}
	if !sub.Completed() {
		answers, err = r.buffer.Answers(ctx, submissionID.String())
		if err != nil {
			return nil, fmt.Errorf("read buffered answers: %w", err)
		}
	}
	if len(answers) == 0 {
		if answers, err = r.store.Answers(ctx, submissionID); err != nil {
			return nil, fmt.Errorf("read persisted answers: %w", err)
		}
	}

	remaining := sub.DeadlineAt.Sub(now)
	if remaining < 0 || sub.Completed() {
		remaining = 0
	}

	return &model.SubmissionState{
		SubmissionID:     sub.ID,
		ExamID:           sub.ExamID,
		StudentID:        sub.StudentID,
		AutosavedAnswers: answers,
		RemainingTime:    remaining.Seconds(),
		Status:           sub.Status,
	}, nil
}
