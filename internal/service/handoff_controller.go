package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to the attempt's state.
	ErrInvalidTransition = errors.New("operation not allowed in current handoff state")
	// ErrConcurrentUpdate is returned when the attempt kept changing under us.
	ErrConcurrentUpdate = errors.New("handoff attempt changed concurrently")
)

// HandoffError is the failure of a handoff step.
type HandoffError struct {
	Reason      model.FailureReason
	Reasons     []string
	Recoverable bool
	Termination *model.Termination
	Err         error
}

func (e *HandoffError) Error() string {
	msg := string(e.Reason)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandoffError) Unwrap() error { return e.Err }

// HandoffStore persists attempts with compare-and-swap on Version.
// A missing attempt is reported as repository.ErrCacheMiss, a lost race as
// repository.ErrVersionConflict.
type HandoffStore interface {
	Get(ctx context.Context, examID uuid.UUID, studentID int) (*model.HandoffAttempt, error)
	Save(ctx context.Context, a *model.HandoffAttempt, expected int64) error
}

// SubmissionFinder looks up the submission of a pair. Absent rows are pgx.ErrNoRows.
type SubmissionFinder interface {
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSubmission, error)
}

// Publisher publishes JSON messages on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// HandoffConfig holds the controller's tunables.
type HandoffConfig struct {
	EntryBaseURL   string
	QuitURL        string
	TerminateDelay time.Duration
}

const maxCASRetries = 3

// HandoffController drives each (exam, student) attempt from "start exam" on
// the dashboard to a submitted exam inside the locked-down browser.
type HandoffController struct {
	attempts    HandoffStore
	exams       ExamReader
	submissions SubmissionFinder
	tokens      *EntryTokenService
	checker     *AttestationChecker
	recorder    *SubmissionRecorder
	pub         Publisher
	cfg         HandoffConfig
	log         zerolog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewHandoffController creates a new HandoffController.
func NewHandoffController(
	attempts HandoffStore,
	exams ExamReader,
	submissions SubmissionFinder,
	tokens *EntryTokenService,
	checker *AttestationChecker,
	recorder *SubmissionRecorder,
	pub Publisher,
	cfg HandoffConfig,
	log zerolog.Logger,
) *HandoffController {
	return &HandoffController{
		attempts:    attempts,
		exams:       exams,
		submissions: submissions,
		tokens:      tokens,
		checker:     checker,
		recorder:    recorder,
		pub:         pub,
		cfg:         cfg,
		log:         log.With().Str("component", "handoff").Logger(),
		now:         time.Now,
		afterFunc:   time.AfterFunc,
		timers:      make(map[string]*time.Timer),
	}
}

// ─── Dashboard side ────────────────────────────────────────────────────────

// Start runs the precondition and preflight checks and issues an entry token.
// The token is durably stored before the ticket is returned, so the client
// may only open the locked-down context afterwards. Restarting an attempt
// that has not been submitted resets it and revokes its outstanding token.
func (c *HandoffController) Start(ctx context.Context, examID uuid.UUID, student *model.Student, report model.PreflightReport, now time.Time) (*model.HandoffTicket, error) {
	if student == nil || student.ID <= 0 {
		return nil, c.reject(examID, 0, model.ReasonPreconditionNotMet, []string{"student identity unknown"}, nil)
	}

	current, err := c.load(ctx, examID, student.ID)
	if err != nil {
		return nil, c.storageFailure(examID, student.ID, err, false)
	}
	if current.State == model.HandoffSubmitted {
		return nil, c.reject(examID, student.ID, model.ReasonPreconditionNotMet, []string{"exam already submitted"}, nil)
	}

	exam, err := c.exams.GetWithQuestions(ctx, examID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, c.reject(examID, student.ID, model.ReasonPreconditionNotMet, []string{"exam not found"}, err)
		}
		return nil, c.storageFailure(examID, student.ID, err, false)
	}
	if reasons := availability(exam, now); len(reasons) > 0 {
		return nil, c.reject(examID, student.ID, model.ReasonPreconditionNotMet, reasons, nil)
	}

	// The attempt may have aged out of Redis while the submission stays.
	sub, err := c.submissions.GetByExamAndStudent(ctx, examID, student.ID)
	if err != nil && !repository.IsNotFound(err) {
		return nil, c.storageFailure(examID, student.ID, err, false)
	}
	if err == nil && sub.Completed() {
		return nil, c.reject(examID, student.ID, model.ReasonPreconditionNotMet, []string{"exam already submitted"}, nil)
	}

	var staleToken string
	_, err = c.advance(ctx, examID, student.ID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State == model.HandoffSubmitted {
			return false, ErrInvalidTransition
		}
		staleToken = a.TokenHash
		*a = model.HandoffAttempt{
			ExamID:    examID,
			StudentID: student.ID,
			State:     model.HandoffChecksRunning,
			Version:   a.Version,
		}
		return true, nil
	})
	if err != nil {
		return nil, c.stepFailure(examID, student.ID, err)
	}
	if err := c.tokens.Revoke(ctx, staleToken); err != nil {
		c.log.Warn().Err(err).Str("exam_id", examID.String()).Int("student_id", student.ID).Msg("Failed to revoke superseded token")
	}

	pre := c.checker.Preflight(&model.PreflightInput{
		Student:    student,
		Exam:       exam,
		Submission: sub,
		Report:     report,
		Now:        now,
	})
	if !pre.Passed {
		return nil, c.fail(ctx, examID, student.ID, now, model.ReasonSystemCheckFailed, pre.FailedCritical(), false, false, nil)
	}

	if _, err := c.advance(ctx, examID, student.ID, now, expect(model.HandoffChecksRunning, model.HandoffChecksPassed)); err != nil {
		return nil, c.stepFailure(examID, student.ID, err)
	}
	return c.issueToken(ctx, examID, student.ID, now)
}

// ReportHandoffBlocked records that the locked-down context could not be
// opened. The failure is recoverable through RetryHandoff.
func (c *HandoffController) ReportHandoffBlocked(ctx context.Context, examID uuid.UUID, studentID int, now time.Time) (*model.HandoffAttempt, error) {
	var token string
	a, err := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State != model.HandoffTokenIssued {
			return false, ErrInvalidTransition
		}
		token = a.TokenHash
		a.State = model.HandoffFailed
		a.Reason = model.ReasonHandoffBlocked
		a.Reasons = []string{"locked-down browser window could not be opened"}
		a.Recoverable = true
		a.TokenHash = ""
		return true, nil
	})
	if err != nil {
		return nil, c.stepFailure(examID, studentID, err)
	}
	if err := c.tokens.Revoke(ctx, token); err != nil {
		c.log.Warn().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Failed to revoke blocked token")
	}
	c.log.Warn().Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Handoff blocked by client")
	return a, nil
}

// RetryHandoff re-issues a token after a blocked handoff.
func (c *HandoffController) RetryHandoff(ctx context.Context, examID uuid.UUID, studentID int, now time.Time) (*model.HandoffTicket, error) {
	exam, err := c.exams.GetWithQuestions(ctx, examID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, c.reject(examID, studentID, model.ReasonPreconditionNotMet, []string{"exam not found"}, err)
		}
		return nil, c.storageFailure(examID, studentID, err, false)
	}

	_, err = c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State != model.HandoffFailed || a.Reason != model.ReasonHandoffBlocked {
			return false, ErrInvalidTransition
		}
		a.State = model.HandoffChecksPassed
		a.Reason = ""
		a.Reasons = nil
		a.Recoverable = false
		return true, nil
	})
	if err != nil {
		return nil, c.stepFailure(examID, studentID, err)
	}
	if reasons := availability(exam, now); len(reasons) > 0 {
		return nil, c.fail(ctx, examID, studentID, now, model.ReasonPreconditionNotMet, reasons, false, false, nil)
	}
	return c.issueToken(ctx, examID, studentID, now)
}

func (c *HandoffController) issueToken(ctx context.Context, examID uuid.UUID, studentID int, now time.Time) (*model.HandoffTicket, error) {
	tok, err := c.tokens.Issue(ctx, examID, studentID, now)
	if err != nil {
		return nil, c.fail(ctx, examID, studentID, now, model.ReasonStorageFailure, nil, false, false, err)
	}

	a, err := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State != model.HandoffChecksPassed {
			return false, ErrInvalidTransition
		}
		a.State = model.HandoffTokenIssued
		a.TokenHash = tok.TokenHash
		return true, nil
	})
	if err != nil {
		if rerr := c.tokens.Revoke(ctx, tok.TokenHash); rerr != nil {
			c.log.Warn().Err(rerr).Msg("Failed to revoke orphaned token")
		}
		return nil, c.stepFailure(examID, studentID, err)
	}

	return &model.HandoffTicket{
		Token:     tok.Token,
		EntryURL:  c.entryURL(tok.Token),
		ExpiresAt: tok.ExpiresAt,
		State:     a.State,
	}, nil
}

func (c *HandoffController) entryURL(token string) string {
	sep := "?"
	if strings.Contains(c.cfg.EntryBaseURL, "?") {
		sep = "&"
	}
	return c.cfg.EntryBaseURL + sep + "token=" + url.QueryEscape(token)
}

// ─── Locked-down side ──────────────────────────────────────────────────────

// Enter is called by the locked-down context with the token from its URL.
// It re-checks the SEB marker, then claims the token.
func (c *HandoffController) Enter(ctx context.Context, token string, env *model.EntryEnvironment, now time.Time) (*model.HandoffAttempt, error) {
	tok, err := c.tokens.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, c.reject(uuid.Nil, 0, model.ReasonInvalidSession, []string{"entry token not found"}, err)
		}
		return nil, c.storageFailure(uuid.Nil, 0, err, true)
	}

	current, err := c.load(ctx, tok.ExamID, tok.StudentID)
	if err != nil {
		return nil, c.storageFailure(tok.ExamID, tok.StudentID, err, true)
	}
	if current.State != model.HandoffTokenIssued || current.TokenHash != tok.TokenHash {
		// A replayed or superseded token. The attempt it no longer belongs to is left alone.
		cause := ErrTokenExpired
		if tok.Status == model.TokenStatusClaimed || current.TokenHash == tok.TokenHash {
			cause = ErrTokenAlreadyClaimed
		}
		return nil, c.reject(tok.ExamID, tok.StudentID, model.ReasonInvalidSession, []string{cause.Error()}, cause)
	}

	if ok, detail := c.checker.InLockedBrowser(env); !ok {
		if err := c.tokens.Revoke(ctx, tok.TokenHash); err != nil {
			c.log.Warn().Err(err).Msg("Failed to revoke token after lockdown check")
		}
		return nil, c.fail(ctx, tok.ExamID, tok.StudentID, now, model.ReasonNotInLockedBrowser, []string{detail}, false, true, nil)
	}

	// Only one context can move the attempt off TOKEN_ISSUED; the others lost the claim.
	if _, err := c.advance(ctx, tok.ExamID, tok.StudentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.TokenHash != tok.TokenHash {
			return false, ErrTokenExpired
		}
		if a.State != model.HandoffTokenIssued {
			return false, ErrTokenAlreadyClaimed
		}
		a.State = model.HandoffAwaitingExternalEntry
		return true, nil
	}); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			err = ErrTokenAlreadyClaimed
		}
		if errors.Is(err, ErrTokenAlreadyClaimed) || errors.Is(err, ErrTokenExpired) {
			return nil, c.reject(tok.ExamID, tok.StudentID, model.ReasonInvalidSession, []string{err.Error()}, err)
		}
		return nil, c.stepFailure(tok.ExamID, tok.StudentID, err)
	}

	claim, err := c.tokens.ValidateAndClaim(ctx, token, now)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenAlreadyClaimed) {
			return nil, c.fail(ctx, tok.ExamID, tok.StudentID, now, model.ReasonInvalidSession, []string{err.Error()}, false, true, err)
		}
		return nil, c.fail(ctx, tok.ExamID, tok.StudentID, now, model.ReasonStorageFailure, nil, false, true, err)
	}

	a, err := c.advance(ctx, claim.ExamID, claim.StudentID, now, expect(model.HandoffAwaitingExternalEntry, model.HandoffTokenValidated))
	if err != nil {
		return nil, c.stepFailure(claim.ExamID, claim.StudentID, err)
	}
	return a, nil
}

// Attest runs the environment battery and then re-checks, against a fresh
// read, that the exam is still running and has questions.
func (c *HandoffController) Attest(ctx context.Context, examID uuid.UUID, studentID int, env *model.EntryEnvironment, now time.Time) (*model.AttestationResult, error) {
	if _, err := c.advance(ctx, examID, studentID, now, expect(model.HandoffTokenValidated, model.HandoffAttestationRunning)); err != nil {
		return nil, c.stepFailure(examID, studentID, err)
	}

	result := c.checker.Run(env)
	if !result.Passed {
		herr := c.fail(ctx, examID, studentID, now, model.ReasonAttestationFailed, result.FailedCritical(), false, true, nil)
		return &result, herr
	}
	if adv := result.Advisories(); len(adv) > 0 {
		c.log.Info().Str("exam_id", examID.String()).Int("student_id", studentID).Strs("advisories", adv).Msg("Attestation passed with advisories")
	}

	exam, err := c.exams.GetWithQuestions(ctx, examID)
	if err != nil {
		if repository.IsNotFound(err) {
			return &result, c.fail(ctx, examID, studentID, now, model.ReasonExamNoLongerAvailable, []string{"exam not found"}, false, true, err)
		}
		return &result, c.fail(ctx, examID, studentID, now, model.ReasonStorageFailure, nil, false, true, err)
	}
	if reasons := availability(exam, now); len(reasons) > 0 {
		return &result, c.fail(ctx, examID, studentID, now, model.ReasonExamNoLongerAvailable, reasons, false, true, nil)
	}

	if _, err := c.advance(ctx, examID, studentID, now, expect(model.HandoffAttestationRunning, model.HandoffLivePrepared)); err != nil {
		return &result, c.stepFailure(examID, studentID, err)
	}
	return &result, nil
}

// Begin creates (or resumes) the IN_PROGRESS submission and starts the
// countdown. The deadline comes from the submission, so re-entry keeps it.
// Calling Begin again while live returns the running session.
func (c *HandoffController) Begin(ctx context.Context, examID uuid.UUID, studentID int, now time.Time) (*model.LiveSession, error) {
	current, err := c.load(ctx, examID, studentID)
	if err != nil {
		return nil, c.storageFailure(examID, studentID, err, true)
	}
	if current.State == model.HandoffLiveActive && current.SubmissionID != nil && current.DeadlineAt != nil {
		return liveSession(current, now), nil
	}
	if current.State != model.HandoffLivePrepared {
		return nil, ErrInvalidTransition
	}

	exam, err := c.exams.GetWithQuestions(ctx, examID)
	if err != nil {
		return nil, c.fail(ctx, examID, studentID, now, model.ReasonStorageFailure, nil, false, true, err)
	}

	sub, err := c.recorder.Start(ctx, exam, studentID, now)
	if errors.Is(err, ErrAlreadySubmitted) {
		_, serr := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
			a.State = model.HandoffSubmitted
			a.SubmissionID = &sub.ID
			return true, nil
		})
		if serr != nil {
			c.log.Error().Err(serr).Msg("Failed to mark attempt submitted")
		}
		return nil, c.reject(examID, studentID, model.ReasonPreconditionNotMet, []string{"exam already submitted"}, err)
	}
	if err != nil {
		return nil, c.fail(ctx, examID, studentID, now, model.ReasonStorageFailure, nil, false, true, err)
	}

	a, err := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State != model.HandoffLivePrepared {
			return false, ErrInvalidTransition
		}
		a.State = model.HandoffLiveActive
		a.SubmissionID = &sub.ID
		deadline := sub.DeadlineAt
		a.DeadlineAt = &deadline
		return true, nil
	})
	if err != nil {
		return nil, c.stepFailure(examID, studentID, err)
	}
	return liveSession(a, now), nil
}

func liveSession(a *model.HandoffAttempt, now time.Time) *model.LiveSession {
	remaining := a.DeadlineAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return &model.LiveSession{
		SubmissionID:  *a.SubmissionID,
		DeadlineAt:    *a.DeadlineAt,
		RemainingTime: remaining.Seconds(),
		State:         a.State,
	}
}

// Submit finalizes the attempt on the student's explicit action. It is
// idempotent: submitting an already submitted attempt succeeds again.
// A storage failure keeps the attempt live so the student can retry.
func (c *HandoffController) Submit(ctx context.Context, examID uuid.UUID, studentID int, answers map[string]string, events []model.FlaggedEvent, now time.Time) (*model.SubmitOutcome, error) {
	current, err := c.load(ctx, examID, studentID)
	if err != nil {
		return nil, c.storageFailure(examID, studentID, err, true)
	}
	if current.SubmissionID == nil || (current.State != model.HandoffLiveActive && current.State != model.HandoffSubmitted) {
		return nil, ErrInvalidTransition
	}
	return c.finish(ctx, current, answers, events, now, model.LiveSignalTerminate)
}

// TimeUp finalizes the attempt when its duration elapsed. It is driven by the
// countdown timer and by the expiry sweep, and races safely with Submit.
func (c *HandoffController) TimeUp(ctx context.Context, examID uuid.UUID, studentID int) error {
	now := c.now()

	current, err := c.load(ctx, examID, studentID)
	if err != nil {
		return c.storageFailure(examID, studentID, err, true)
	}
	if current.SubmissionID == nil {
		sub, err := c.submissions.GetByExamAndStudent(ctx, examID, studentID)
		if err != nil {
			if repository.IsNotFound(err) {
				return nil
			}
			return c.storageFailure(examID, studentID, err, true)
		}
		current.SubmissionID = &sub.ID
	}

	_, err = c.finish(ctx, current, nil, nil, now, model.LiveSignalTimeUp)
	return err
}

func (c *HandoffController) finish(ctx context.Context, current *model.HandoffAttempt, answers map[string]string, events []model.FlaggedEvent, now time.Time, signal string) (*model.SubmitOutcome, error) {
	examID, studentID := current.ExamID, current.StudentID
	submissionID := *current.SubmissionID

	res, err := c.recorder.Finalize(ctx, submissionID, answers, events, now)
	if err != nil {
		c.log.Error().Err(err).
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Str("submission_id", submissionID.String()).
			Msg("Finalize failed")
		return nil, &HandoffError{Reason: model.ReasonStorageFailure, Recoverable: true, Err: err}
	}

	var (
		staleToken string
		moved      bool
	)
	_, err = c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State == model.HandoffSubmitted {
			moved = false
			return false, nil
		}
		moved = true
		staleToken = a.TokenHash
		a.State = model.HandoffSubmitted
		a.Reason = ""
		a.Reasons = nil
		a.Recoverable = false
		a.TokenHash = ""
		a.SubmissionID = &submissionID
		return true, nil
	})
	if err != nil {
		// The submission is durable; only the attempt bookkeeping lagged.
		c.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Failed to mark attempt submitted")
	}
	if err := c.tokens.Revoke(ctx, staleToken); err != nil {
		c.log.Warn().Err(err).Msg("Failed to revoke token on submit")
	}

	term := c.termination()
	// A repeat on an attempt that is already submitted has nothing new to tell the client.
	if moved || !res.AlreadyFinalized {
		c.signal(ctx, examID, studentID, model.LiveSignal{Type: signal, Termination: term})
	}

	return &model.SubmitOutcome{
		Submission:       res.Submission,
		AlreadyFinalized: res.AlreadyFinalized,
		Termination:      *term,
	}, nil
}

// State returns the attempt, IDLE when none exists.
func (c *HandoffController) State(ctx context.Context, examID uuid.UUID, studentID int) (*model.HandoffAttempt, error) {
	return c.load(ctx, examID, studentID)
}

// Stop cancels every pending timer.
func (c *HandoffController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
}

// ─── State machine plumbing ────────────────────────────────────────────────

func (c *HandoffController) load(ctx context.Context, examID uuid.UUID, studentID int) (*model.HandoffAttempt, error) {
	a, err := c.attempts.Get(ctx, examID, studentID)
	if errors.Is(err, repository.ErrCacheMiss) {
		return &model.HandoffAttempt{ExamID: examID, StudentID: studentID, State: model.HandoffIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load handoff attempt: %w", err)
	}
	return a, nil
}

// advance applies fn to the latest attempt and saves it with compare-and-swap,
// re-reading and re-applying on a lost race. fn reports whether it changed anything.
func (c *HandoffController) advance(ctx context.Context, examID uuid.UUID, studentID int, now time.Time, fn func(a *model.HandoffAttempt) (bool, error)) (*model.HandoffAttempt, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := c.load(ctx, examID, studentID)
		if err != nil {
			return nil, err
		}
		next := *cur
		changed, err := fn(&next)
		if err != nil {
			return cur, err
		}
		if !changed {
			return cur, nil
		}
		next.UpdatedAt = now

		err = c.attempts.Save(ctx, &next, cur.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save handoff attempt: %w", err)
		}
		c.transitioned(cur, &next)
		return &next, nil
	}
	return nil, ErrConcurrentUpdate
}

// expect is a transition that only applies from one state.
func expect(from, to model.HandoffState) func(a *model.HandoffAttempt) (bool, error) {
	return func(a *model.HandoffAttempt) (bool, error) {
		if a.State != from {
			return false, ErrInvalidTransition
		}
		a.State = to
		return true, nil
	}
}

// transitioned cancels the timer of the state being left, starts the timer
// of the state being entered and publishes the change.
func (c *HandoffController) transitioned(prev, next *model.HandoffAttempt) {
	key := config.CacheKey.HandoffAttemptKey(next.ExamID.String(), next.StudentID)

	if prev.State != next.State {
		c.cancelTimer(key)
		switch next.State {
		case model.HandoffTokenIssued:
			c.startTimer(key, c.tokens.TTL(), c.entryWindowElapsed(next.ExamID, next.StudentID, next.TokenHash))
		case model.HandoffLiveActive:
			if next.DeadlineAt != nil {
				examID, studentID := next.ExamID, next.StudentID
				c.startTimer(key, next.DeadlineAt.Sub(next.UpdatedAt), func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := c.TimeUp(ctx, examID, studentID); err != nil {
						c.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Time-up finalize failed")
					}
				})
			}
		}
	}

	evt := model.MonitorEvent{
		ExamID:    next.ExamID,
		StudentID: next.StudentID,
		State:     next.State,
		Reason:    next.Reason,
		At:        next.UpdatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.pub.Publish(ctx, config.CacheKey.ExamMonitorChannel(next.ExamID.String()), evt); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish monitor event")
	}
}

func (c *HandoffController) entryWindowElapsed(examID uuid.UUID, studentID int, tokenHash string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		now := c.now()

		_, err := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
			if a.State != model.HandoffTokenIssued || a.TokenHash != tokenHash {
				return false, nil
			}
			a.State = model.HandoffFailed
			a.Reason = model.ReasonInvalidSession
			a.Reasons = []string{"entry window elapsed"}
			a.Recoverable = false
			a.TokenHash = ""
			return true, nil
		})
		if err != nil {
			c.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Entry window expiry failed")
			return
		}
		if err := c.tokens.Revoke(ctx, tokenHash); err != nil {
			c.log.Warn().Err(err).Msg("Failed to expire unclaimed token")
		}
	}
}

func (c *HandoffController) startTimer(key string, d time.Duration, f func()) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var t *time.Timer
	t = c.afterFunc(d, func() {
		c.mu.Lock()
		if c.timers[key] == t {
			delete(c.timers, key)
		}
		c.mu.Unlock()
		f()
	})
	c.timers[key] = t
}

func (c *HandoffController) cancelTimer(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

func (c *HandoffController) hasTimer(examID uuid.UUID, studentID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[config.CacheKey.HandoffAttemptKey(examID.String(), studentID)]
	return ok
}

// ─── Failure handling ──────────────────────────────────────────────────────

func (c *HandoffController) termination() *model.Termination {
	return &model.Termination{
		Quit:         true,
		QuitURL:      c.cfg.QuitURL,
		DelaySeconds: int(c.cfg.TerminateDelay.Seconds()),
	}
}

// fail moves the attempt to FAILED and returns the matching error. A
// submitted attempt is never moved.
func (c *HandoffController) fail(ctx context.Context, examID uuid.UUID, studentID int, now time.Time, reason model.FailureReason, reasons []string, recoverable, locked bool, cause error) *HandoffError {
	herr := &HandoffError{Reason: reason, Reasons: reasons, Recoverable: recoverable, Err: cause}
	if locked && reason != model.ReasonStorageFailure {
		herr.Termination = c.termination()
	}

	_, err := c.advance(ctx, examID, studentID, now, func(a *model.HandoffAttempt) (bool, error) {
		if a.State == model.HandoffSubmitted {
			return false, nil
		}
		a.State = model.HandoffFailed
		a.Reason = reason
		a.Reasons = reasons
		a.Recoverable = recoverable
		a.TokenHash = ""
		return true, nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Msg("Failed to persist handoff failure")
	}

	evt := c.log.Warn()
	if reason == model.ReasonStorageFailure {
		evt = c.log.Error()
	}
	evt.Err(cause).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Str("reason", string(reason)).
		Strs("reasons", reasons).
		Msg("Handoff failed")

	if herr.Termination != nil {
		c.signal(ctx, examID, studentID, model.LiveSignal{Type: model.LiveSignalTerminate, Termination: herr.Termination, Message: string(reason)})
	}
	return herr
}

// reject reports a failure without touching the attempt.
func (c *HandoffController) reject(examID uuid.UUID, studentID int, reason model.FailureReason, reasons []string, cause error) *HandoffError {
	herr := &HandoffError{Reason: reason, Reasons: reasons, Err: cause}
	if reason.Fatal() {
		herr.Termination = c.termination()
	}
	c.log.Warn().Err(cause).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Str("reason", string(reason)).
		Strs("reasons", reasons).
		Msg("Handoff rejected")
	return herr
}

func (c *HandoffController) storageFailure(examID uuid.UUID, studentID int, err error, locked bool) *HandoffError {
	c.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).Bool("locked", locked).Msg("Handoff storage failure")
	return &HandoffError{Reason: model.ReasonStorageFailure, Err: err}
}

// stepFailure maps an advance error: wrong-state calls pass through,
// everything else is a storage failure.
func (c *HandoffController) stepFailure(examID uuid.UUID, studentID int, err error) error {
	if errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return c.storageFailure(examID, studentID, err, false)
}

func (c *HandoffController) signal(ctx context.Context, examID uuid.UUID, studentID int, sig model.LiveSignal) {
	if err := c.pub.Publish(ctx, config.CacheKey.AttemptLiveChannel(examID.String(), studentID), sig); err != nil {
		c.log.Warn().Err(err).Str("signal", sig.Type).Msg("Failed to publish live signal")
	}
}

// availability lists why an exam cannot be entered at now, if anything.
func availability(exam *model.Exam, now time.Time) []string {
	var reasons []string
	if st := ResolveStatus(exam, now); st != model.EffectiveOngoing {
		reasons = append(reasons, "exam is "+string(st))
	}
	if len(exam.Questions) == 0 {
		reasons = append(reasons, "exam has no questions")
	}
	return reasons
}
