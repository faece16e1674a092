package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
)

var (
	testLog  = zerolog.Nop()
	errStore = errors.New("connection refused")
)

// ─── Entry tokens ──────────────────────────────────────────────────────────

type fakeTokenStore struct {
	mu        sync.Mutex
	tokens    map[string]*model.EntryToken
	insertErr error
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: map[string]*model.EntryToken{}}
}

func (f *fakeTokenStore) Insert(_ context.Context, t *model.EntryToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *t
	cp.Token = ""
	f.tokens[t.TokenHash] = &cp
	return nil
}

func (f *fakeTokenStore) ClaimPending(_ context.Context, hash string, now time.Time) (*model.TokenClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[hash]
	if !ok || t.Status != model.TokenStatusPending || now.After(t.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	t.Status = model.TokenStatusClaimed
	t.ClaimedAt = &now
	return &model.TokenClaim{StudentID: t.StudentID, ExamID: t.ExamID}, nil
}

func (f *fakeTokenStore) GetByHash(_ context.Context, hash string) (*model.EntryToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[hash]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTokenStore) MarkExpired(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tokens[hash]; ok && t.Status == model.TokenStatusPending {
		t.Status = model.TokenStatusExpired
	}
	return nil
}

func (f *fakeTokenStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.tokens {
		if t.Status == model.TokenStatusPending && now.After(t.ExpiresAt) {
			t.Status = model.TokenStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenStore) status(token string) model.TokenStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[HashToken(token)].Status
}

// ─── Exams ─────────────────────────────────────────────────────────────────

type fakeExams struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*model.Exam
	err   error
	reads int
}

func newFakeExams(exams ...*model.Exam) *fakeExams {
	f := &fakeExams{exams: map[uuid.UUID]*model.Exam{}}
	for _, e := range exams {
		f.exams[e.ID] = e
	}
	return f
}

func (f *fakeExams) GetWithQuestions(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExams) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e, err := f.GetWithQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Questions = nil
	return e, nil
}

func (f *fakeExams) ListVisible(_ context.Context) ([]repository.ExamSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ExamSummary
	for _, e := range f.exams {
		if e.Status == model.ExamStatusDraft {
			continue
		}
		out = append(out, repository.ExamSummary{Exam: *e, QuestionCount: len(e.Questions)})
	}
	return out, nil
}

func (f *fakeExams) update(id uuid.UUID, fn func(e *model.Exam)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.exams[id])
}

// ongoingExam returns an exam running from an hour before now to two hours after.
func ongoingExam(now time.Time, questions int) *model.Exam {
	e := &model.Exam{
		ID:                uuid.New(),
		Code:              "MTK-01",
		Title:             "Matematika",
		AuthorID:          7,
		StartTime:         now.Add(-time.Hour).UTC().Format(time.RFC3339),
		EndTime:           now.Add(2 * time.Hour).UTC().Format(time.RFC3339),
		Status:            model.ExamStatusOngoing,
		DurationMinutes:   60,
		AllowBacktracking: true,
	}
	for i := 0; i < questions; i++ {
		e.Questions = append(e.Questions, model.Question{
			ID:              uuid.New(),
			ExamID:          e.ID,
			Text:            "question",
			Options:         []model.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}},
			CorrectOptionID: "a",
			OrderNum:        i + 1,
		})
	}
	return e
}

// ─── Submissions ───────────────────────────────────────────────────────────

type fakeSubmissions struct {
	mu          sync.Mutex
	subs        map[uuid.UUID]*model.ExamSubmission
	answers     map[uuid.UUID]map[string]string
	finalizeErr error
	finalized   int
}

func newFakeSubmissions() *fakeSubmissions {
	return &fakeSubmissions{
		subs:    map[uuid.UUID]*model.ExamSubmission{},
		answers: map[uuid.UUID]map[string]string{},
	}
}

func (f *fakeSubmissions) StartOrGet(_ context.Context, examID uuid.UUID, studentID int, startedAt, deadlineAt time.Time) (*model.ExamSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ExamID == examID && s.StudentID == studentID {
			cp := *s
			return &cp, nil
		}
	}
	s := &model.ExamSubmission{
		ID:         uuid.New(),
		ExamID:     examID,
		StudentID:  studentID,
		Status:     model.SubmissionStatusInProgress,
		StartedAt:  startedAt,
		DeadlineAt: deadlineAt,
	}
	f.subs[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ExamID == examID && s.StudentID == studentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSubmissions) ListByStudent(_ context.Context, studentID int) ([]model.ExamSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExamSubmission
	for _, s := range f.subs {
		if s.StudentID == studentID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSubmissions) Answers(_ context.Context, id uuid.UUID) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for q, o := range f.answers[id] {
		out[q] = o
	}
	return out, nil
}

func (f *fakeSubmissions) Finalize(_ context.Context, id uuid.UUID, answers map[string]string, events []model.FlaggedEvent, score float64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return false, f.finalizeErr
	}
	s, ok := f.subs[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if s.Completed() {
		return false, nil
	}
	f.answers[id] = answers
	s.Status = model.SubmissionStatusCompleted
	s.SubmittedAt = &now
	s.Score = &score
	s.Events = events
	f.finalized++
	return true, nil
}

func (f *fakeSubmissions) finalizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

// ─── Answer buffer ─────────────────────────────────────────────────────────

type fakeBuffer struct {
	mu      sync.Mutex
	meta    map[string]*model.SubmissionMeta
	answers map[string]map[string]string
	cursor  map[string]int
	sealed  map[string]bool
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{
		meta:    map[string]*model.SubmissionMeta{},
		answers: map[string]map[string]string{},
		cursor:  map[string]int{},
		sealed:  map[string]bool{},
	}
}

func (f *fakeBuffer) SaveMeta(_ context.Context, meta *model.SubmissionMeta, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *meta
	f.meta[meta.SubmissionID.String()] = &cp
	return nil
}

func (f *fakeBuffer) Meta(_ context.Context, id string) (*model.SubmissionMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[id]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	cp := *m
	return &cp, nil
}

func (f *fakeBuffer) PutAnswer(_ context.Context, id, questionID, optionID string, index int, allowBacktracking bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed[id] {
		return repository.ErrBufferSealed
	}
	cur, ok := f.cursor[id]
	if !ok {
		cur = -1
	}
	if !allowBacktracking && index < cur {
		return repository.ErrCursorBehind
	}
	if f.answers[id] == nil {
		f.answers[id] = map[string]string{}
	}
	f.answers[id][questionID] = optionID
	if index > cur {
		f.cursor[id] = index
	}
	return nil
}

func (f *fakeBuffer) Answers(_ context.Context, id string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for q, o := range f.answers[id] {
		out[q] = o
	}
	return out, nil
}

func (f *fakeBuffer) Seal(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed[id] = true
	return nil
}

func (f *fakeBuffer) Unseal(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sealed, id)
	return nil
}

func (f *fakeBuffer) Sealed(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealed[id], nil
}

func (f *fakeBuffer) Clear(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.answers, id)
	delete(f.cursor, id)
	delete(f.meta, id)
	return nil
}

// ─── Queue / pub-sub ───────────────────────────────────────────────────────

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string][]any
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string][]any{}}
}

func (f *fakeQueue) Enqueue(_ context.Context, queue string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs[queue] = append(f.jobs[queue], payload)
	return nil
}

func (f *fakeQueue) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs[queue])
}

type published struct {
	channel string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{channel, payload})
	return nil
}

// signals returns the live signals published on channel.
func (f *fakePublisher) signals(channel string) []model.LiveSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LiveSignal
	for _, m := range f.msgs {
		if sig, ok := m.payload.(model.LiveSignal); ok && m.channel == channel {
			out = append(out, sig)
		}
	}
	return out
}

// states returns the monitor transitions published on channel, in order.
func (f *fakePublisher) states(channel string) []model.HandoffState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.HandoffState
	for _, m := range f.msgs {
		if evt, ok := m.payload.(model.MonitorEvent); ok && m.channel == channel {
			out = append(out, evt.State)
		}
	}
	return out
}

// ─── Handoff attempts ──────────────────────────────────────────────────────

type attemptKey struct {
	exam    uuid.UUID
	student int
}

type fakeAttempts struct {
	mu       sync.Mutex
	attempts map[attemptKey]model.HandoffAttempt
	getErr   error
	saveErr  error
	getDelay time.Duration
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{attempts: map[attemptKey]model.HandoffAttempt{}}
}

func (f *fakeAttempts) Get(_ context.Context, examID uuid.UUID, studentID int) (*model.HandoffAttempt, error) {
	time.Sleep(f.getDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.attempts[attemptKey{examID, studentID}]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return &a, nil
}

func (f *fakeAttempts) Save(_ context.Context, a *model.HandoffAttempt, expected int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	key := attemptKey{a.ExamID, a.StudentID}
	if f.attempts[key].Version != expected {
		return repository.ErrVersionConflict
	}
	next := *a
	next.Version = expected + 1
	f.attempts[key] = next
	a.Version = next.Version
	return nil
}
