package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stretchr/testify/require"
)

const testStudentID = 21

// fakeTimers records scheduled callbacks instead of running them.
type fakeTimers struct {
	mu    sync.Mutex
	funcs []func()
	waits []time.Duration
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs = append(f.funcs, fn)
	f.waits = append(f.waits, d)
	return time.AfterFunc(time.Hour, func() {})
}

func (f *fakeTimers) last() (func(), time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.funcs)
	return f.funcs[n-1], f.waits[n-1]
}

type handoffFixture struct {
	ctrl     *HandoffController
	attempts *fakeAttempts
	tokens   *fakeTokenStore
	exams    *fakeExams
	subs     *fakeSubmissions
	pub      *fakePublisher
	timers   *fakeTimers
	exam     *model.Exam
	student  *model.Student
	now      time.Time
}

func newHandoffFixture(t *testing.T) *handoffFixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	exam := ongoingExam(now, 2)

	f := &handoffFixture{
		attempts: newFakeAttempts(),
		tokens:   newFakeTokenStore(),
		exams:    newFakeExams(exam),
		subs:     newFakeSubmissions(),
		pub:      &fakePublisher{},
		timers:   &fakeTimers{},
		exam:     exam,
		student:  &model.Student{ID: testStudentID, Name: "Siti"},
		now:      now,
	}
	tokenSvc := NewEntryTokenService(f.tokens, 5*time.Minute, testLog)
	checker := NewAttestationChecker(AttestationPolicy{MaxClockSkew: time.Minute})
	recorder := NewSubmissionRecorder(f.subs, newFakeBuffer(), newFakeQueue(), f.exams, testLog)

	f.ctrl = NewHandoffController(f.attempts, f.exams, f.subs, tokenSvc, checker, recorder, f.pub, HandoffConfig{
		EntryBaseURL:   "https://exam.example/entry",
		QuitURL:        "https://exam.example/quit",
		TerminateDelay: 5 * time.Second,
	}, testLog)
	f.ctrl.now = func() time.Time { return f.now }
	f.ctrl.afterFunc = f.timers.afterFunc
	return f
}

func (f *handoffFixture) report() model.PreflightReport {
	at := f.now
	return model.PreflightReport{Online: true, ClientTime: &at}
}

func (f *handoffFixture) start(t *testing.T) *model.HandoffTicket {
	t.Helper()
	ticket, err := f.ctrl.Start(context.Background(), f.exam.ID, f.student, f.report(), f.now)
	require.NoError(t, err)
	return ticket
}

func (f *handoffFixture) state(t *testing.T) *model.HandoffAttempt {
	t.Helper()
	a, err := f.ctrl.State(context.Background(), f.exam.ID, testStudentID)
	require.NoError(t, err)
	return a
}

// live drives a fresh attempt all the way to LIVE_ACTIVE.
func (f *handoffFixture) live(t *testing.T) *model.LiveSession {
	t.Helper()
	ctx := context.Background()
	ticket := f.start(t)
	_, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	require.NoError(t, err)
	_, err = f.ctrl.Attest(ctx, f.exam.ID, testStudentID, sebEnv(), f.now)
	require.NoError(t, err)
	session, err := f.ctrl.Begin(ctx, f.exam.ID, testStudentID, f.now)
	require.NoError(t, err)
	return session
}

func requireReason(t *testing.T, err error, reason model.FailureReason) *HandoffError {
	t.Helper()
	var herr *HandoffError
	require.True(t, errors.As(err, &herr), "expected HandoffError, got %v", err)
	require.Equal(t, reason, herr.Reason)
	return herr
}

func TestHandoffHappyPath(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()

	ticket := f.start(t)
	require.Equal(t, model.HandoffTokenIssued, ticket.State)
	require.Equal(t, "https://exam.example/entry?token="+ticket.Token, ticket.EntryURL)
	require.Equal(t, f.now.Add(5*time.Minute), ticket.ExpiresAt)
	require.True(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))

	entered, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.HandoffTokenValidated, entered.State)
	require.False(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))

	res, err := f.ctrl.Attest(ctx, f.exam.ID, testStudentID, sebEnv(), f.now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, res.Passed)

	session, err := f.ctrl.Begin(ctx, f.exam.ID, testStudentID, f.now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.HandoffLiveActive, session.State)
	require.InDelta(t, time.Hour.Seconds(), session.RemainingTime, 0.001)
	require.True(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))

	_, wait := f.timers.last()
	require.Equal(t, time.Hour, wait)

	sub, err := f.subs.GetByID(ctx, session.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, model.SubmissionStatusInProgress, sub.Status)

	require.Equal(t, []model.HandoffState{
		model.HandoffChecksRunning,
		model.HandoffChecksPassed,
		model.HandoffTokenIssued,
		model.HandoffAwaitingExternalEntry,
		model.HandoffTokenValidated,
		model.HandoffAttestationRunning,
		model.HandoffLivePrepared,
		model.HandoffLiveActive,
	}, f.pub.states(config.CacheKey.ExamMonitorChannel(f.exam.ID.String())))

	// Begin again resumes the running session with the same deadline.
	again, err := f.ctrl.Begin(ctx, f.exam.ID, testStudentID, f.now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, session.SubmissionID, again.SubmissionID)
	require.Equal(t, session.DeadlineAt, again.DeadlineAt)
}

func TestHandoffStartAfterExamEnded(t *testing.T) {
	f := newHandoffFixture(t)
	f.exams.update(f.exam.ID, func(e *model.Exam) {
		e.EndTime = f.now.Add(-time.Minute).Format(time.RFC3339)
	})

	ticket, err := f.ctrl.Start(context.Background(), f.exam.ID, f.student, f.report(), f.now)
	require.Nil(t, ticket)
	herr := requireReason(t, err, model.ReasonPreconditionNotMet)
	require.Nil(t, herr.Termination)

	require.Empty(t, f.tokens.tokens)
	require.Equal(t, model.HandoffIdle, f.state(t).State)
}

func TestHandoffStartWithoutQuestions(t *testing.T) {
	f := newHandoffFixture(t)
	f.exams.update(f.exam.ID, func(e *model.Exam) { e.Questions = nil })

	_, err := f.ctrl.Start(context.Background(), f.exam.ID, f.student, f.report(), f.now)
	requireReason(t, err, model.ReasonPreconditionNotMet)
}

func TestHandoffPreflightFailure(t *testing.T) {
	f := newHandoffFixture(t)
	report := model.PreflightReport{Online: false}

	_, err := f.ctrl.Start(context.Background(), f.exam.ID, f.student, report, f.now)
	herr := requireReason(t, err, model.ReasonSystemCheckFailed)
	require.Len(t, herr.Reasons, 2)

	a := f.state(t)
	require.Equal(t, model.HandoffFailed, a.State)
	require.Empty(t, f.tokens.tokens)
}

func TestHandoffRestartRevokesOldToken(t *testing.T) {
	f := newHandoffFixture(t)
	first := f.start(t)
	second := f.start(t)

	require.NotEqual(t, first.Token, second.Token)
	require.Equal(t, model.TokenStatusExpired, f.tokens.status(first.Token))
	require.Equal(t, model.TokenStatusPending, f.tokens.status(second.Token))

	_, err := f.ctrl.Enter(context.Background(), first.Token, sebEnv(), f.now)
	requireReason(t, err, model.ReasonInvalidSession)
	require.Equal(t, model.HandoffTokenIssued, f.state(t).State)
}

func TestHandoffSecondClaimRejected(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	ticket := f.start(t)

	_, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	require.NoError(t, err)

	_, err = f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	herr := requireReason(t, err, model.ReasonInvalidSession)
	require.ErrorIs(t, err, ErrTokenAlreadyClaimed)
	require.NotNil(t, herr.Termination)
	require.Equal(t, model.HandoffTokenValidated, f.state(t).State)
}

func TestHandoffConcurrentEnter(t *testing.T) {
	f := newHandoffFixture(t)

	for _, delay := range []time.Duration{0, 5 * time.Millisecond} {
		f.attempts.getDelay = delay
		ticket := f.start(t)

		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.ctrl.Enter(context.Background(), ticket.Token, sebEnv(), f.now)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			herr := requireReason(t, err, model.ReasonInvalidSession)
			require.ErrorIs(t, err, ErrTokenAlreadyClaimed)
			require.NotNil(t, herr.Termination)
		}
		require.Equal(t, 1, ok, "delay %s", delay)
		require.Equal(t, model.HandoffTokenValidated, f.state(t).State)
	}
}

func TestHandoffEnterOutsideLockedBrowser(t *testing.T) {
	f := newHandoffFixture(t)
	ticket := f.start(t)

	env := sebEnv()
	env.UserAgent = "Mozilla/5.0 Chrome/120"
	_, err := f.ctrl.Enter(context.Background(), ticket.Token, env, f.now)
	herr := requireReason(t, err, model.ReasonNotInLockedBrowser)
	require.NotNil(t, herr.Termination)
	require.Equal(t, "https://exam.example/quit", herr.Termination.QuitURL)
	require.Equal(t, 5, herr.Termination.DelaySeconds)

	a := f.state(t)
	require.Equal(t, model.HandoffFailed, a.State)
	require.False(t, a.Recoverable)
	require.Equal(t, model.TokenStatusExpired, f.tokens.status(ticket.Token))
}

func TestHandoffEnterUnknownToken(t *testing.T) {
	f := newHandoffFixture(t)
	_, err := f.ctrl.Enter(context.Background(), "forged", sebEnv(), f.now)
	requireReason(t, err, model.ReasonInvalidSession)
}

func TestHandoffEnterAfterTokenExpiry(t *testing.T) {
	f := newHandoffFixture(t)
	ticket := f.start(t)

	_, err := f.ctrl.Enter(context.Background(), ticket.Token, sebEnv(), f.now.Add(6*time.Minute))
	requireReason(t, err, model.ReasonInvalidSession)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.Equal(t, model.HandoffFailed, f.state(t).State)
}

func TestHandoffEntryWindowElapses(t *testing.T) {
	f := newHandoffFixture(t)
	ticket := f.start(t)

	fire, wait := f.timers.last()
	require.Equal(t, 5*time.Minute, wait)
	fire()

	a := f.state(t)
	require.Equal(t, model.HandoffFailed, a.State)
	require.Equal(t, model.ReasonInvalidSession, a.Reason)
	require.Equal(t, model.TokenStatusExpired, f.tokens.status(ticket.Token))
	require.False(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))
}

func TestHandoffBlockedAndRetry(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	first := f.start(t)

	a, err := f.ctrl.ReportHandoffBlocked(ctx, f.exam.ID, testStudentID, f.now)
	require.NoError(t, err)
	require.Equal(t, model.HandoffFailed, a.State)
	require.Equal(t, model.ReasonHandoffBlocked, a.Reason)
	require.True(t, a.Recoverable)
	require.Equal(t, model.TokenStatusExpired, f.tokens.status(first.Token))

	retry, err := f.ctrl.RetryHandoff(ctx, f.exam.ID, testStudentID, f.now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.HandoffTokenIssued, retry.State)
	require.NotEqual(t, first.Token, retry.Token)

	_, err = f.ctrl.Enter(ctx, retry.Token, sebEnv(), f.now.Add(time.Minute))
	require.NoError(t, err)

	// Retry only applies to a blocked handoff.
	_, err = f.ctrl.RetryHandoff(ctx, f.exam.ID, testStudentID, f.now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHandoffAttestationFailure(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	ticket := f.start(t)
	_, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	require.NoError(t, err)

	env := sebEnv()
	env.WebDriver = true
	res, err := f.ctrl.Attest(ctx, f.exam.ID, testStudentID, env, f.now)
	herr := requireReason(t, err, model.ReasonAttestationFailed)
	require.NotNil(t, herr.Termination)
	require.False(t, res.Passed)
	require.Equal(t, model.HandoffFailed, f.state(t).State)

	signals := f.pub.signals(config.CacheKey.AttemptLiveChannel(f.exam.ID.String(), testStudentID))
	require.Len(t, signals, 1)
	require.Equal(t, model.LiveSignalTerminate, signals[0].Type)
}

func TestHandoffAttestWithAdvisoriesPasses(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	ticket := f.start(t)
	_, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	require.NoError(t, err)

	env := sebEnv()
	env.DevToolsOpen = true
	env.VMSuspected = true
	res, err := f.ctrl.Attest(ctx, f.exam.ID, testStudentID, env, f.now)
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.Len(t, res.Advisories(), 2)
	require.Equal(t, model.HandoffLivePrepared, f.state(t).State)
}

func TestHandoffExamEndsBeforeAttest(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	ticket := f.start(t)
	_, err := f.ctrl.Enter(ctx, ticket.Token, sebEnv(), f.now)
	require.NoError(t, err)

	f.exams.update(f.exam.ID, func(e *model.Exam) { e.Status = model.ExamStatusCompleted })
	_, err = f.ctrl.Attest(ctx, f.exam.ID, testStudentID, sebEnv(), f.now)
	requireReason(t, err, model.ReasonExamNoLongerAvailable)
	require.Equal(t, model.HandoffFailed, f.state(t).State)
}

func TestHandoffOutOfOrderCalls(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Attest(ctx, f.exam.ID, testStudentID, sebEnv(), f.now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.ctrl.Begin(ctx, f.exam.ID, testStudentID, f.now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, model.HandoffIdle, f.state(t).State)
}

func TestHandoffSubmit(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	session := f.live(t)

	answers := map[string]string{
		f.exam.Questions[0].ID.String(): "a",
		f.exam.Questions[1].ID.String(): "b",
	}
	out, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, answers, nil, f.now.Add(30*time.Minute))
	require.NoError(t, err)
	require.False(t, out.AlreadyFinalized)
	require.Equal(t, session.SubmissionID, out.Submission.ID)
	require.InDelta(t, 50.0, *out.Submission.Score, 0.001)
	require.True(t, out.Termination.Quit)

	require.Equal(t, model.HandoffSubmitted, f.state(t).State)
	require.False(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))

	again, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now.Add(31*time.Minute))
	require.NoError(t, err)
	require.True(t, again.AlreadyFinalized)
	require.Equal(t, 1, f.subs.finalizeCount())

	// A submitted attempt cannot be restarted.
	_, err = f.ctrl.Start(ctx, f.exam.ID, f.student, f.report(), f.now)
	requireReason(t, err, model.ReasonPreconditionNotMet)
}

func TestHandoffStartAfterAttemptAgedOut(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	f.live(t)
	_, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now)
	require.NoError(t, err)

	f.attempts.mu.Lock()
	f.attempts.attempts = map[attemptKey]model.HandoffAttempt{}
	f.attempts.mu.Unlock()
	issued := len(f.tokens.tokens)

	ticket, err := f.ctrl.Start(ctx, f.exam.ID, f.student, f.report(), f.now)
	require.Nil(t, ticket)
	herr := requireReason(t, err, model.ReasonPreconditionNotMet)
	require.Equal(t, []string{"exam already submitted"}, herr.Reasons)
	require.Equal(t, model.HandoffIdle, f.state(t).State)
	require.Len(t, f.tokens.tokens, issued)
}

func TestHandoffSubmitStorageFailureStaysLive(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	f.live(t)
	f.subs.finalizeErr = errStore

	_, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now)
	herr := requireReason(t, err, model.ReasonStorageFailure)
	require.True(t, herr.Recoverable)
	require.Equal(t, model.HandoffLiveActive, f.state(t).State)

	f.subs.finalizeErr = nil
	out, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now)
	require.NoError(t, err)
	require.False(t, out.AlreadyFinalized)
}

func TestHandoffTimeUpThenSubmit(t *testing.T) {
	f := newHandoffFixture(t)
	ctx := context.Background()
	f.live(t)

	fire, _ := f.timers.last()
	f.now = f.now.Add(time.Hour)
	fire()

	require.Equal(t, model.HandoffSubmitted, f.state(t).State)
	require.Equal(t, 1, f.subs.finalizeCount())
	signals := f.pub.signals(config.CacheKey.AttemptLiveChannel(f.exam.ID.String(), testStudentID))
	require.NotEmpty(t, signals)
	require.Equal(t, model.LiveSignalTimeUp, signals[len(signals)-1].Type)

	out, err := f.ctrl.Submit(ctx, f.exam.ID, testStudentID, nil, nil, f.now)
	require.NoError(t, err)
	require.True(t, out.AlreadyFinalized)
	require.Equal(t, 1, f.subs.finalizeCount())

	// A stale countdown elsewhere finds nothing to do and stays quiet.
	require.NoError(t, f.ctrl.TimeUp(ctx, f.exam.ID, testStudentID))
	require.Len(t, f.pub.signals(config.CacheKey.AttemptLiveChannel(f.exam.ID.String(), testStudentID)), len(signals))
}

func TestHandoffTimeUpWithoutSubmission(t *testing.T) {
	f := newHandoffFixture(t)
	require.NoError(t, f.ctrl.TimeUp(context.Background(), f.exam.ID, testStudentID))
	require.Zero(t, f.subs.finalizeCount())
}

func TestHandoffStop(t *testing.T) {
	f := newHandoffFixture(t)
	f.start(t)
	require.True(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))

	f.ctrl.Stop()
	require.False(t, f.ctrl.hasTimer(f.exam.ID, testStudentID))
}

func TestHandoffAttemptStorageFailure(t *testing.T) {
	f := newHandoffFixture(t)
	f.attempts.getErr = errStore

	_, err := f.ctrl.Start(context.Background(), uuid.New(), f.student, f.report(), f.now)
	requireReason(t, err, model.ReasonStorageFailure)
	require.ErrorIs(t, err, errStore)
}
