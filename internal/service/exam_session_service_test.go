package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
	"github.com/stretchr/testify/require"
)

type fakePapers struct {
	mu     sync.Mutex
	papers map[uuid.UUID]*model.ExamPaper
	getErr error
}

func (f *fakePapers) Get(_ context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.papers[examID]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return p, nil
}

func (f *fakePapers) Set(_ context.Context, paper *model.ExamPaper, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.papers[paper.ExamID] = paper
	return nil
}

func TestGetLobby(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	running := ongoingExam(now, 3)
	draft := ongoingExam(now, 1)
	draft.Status = model.ExamStatusDraft
	ended := ongoingExam(now, 1)
	ended.EndTime = now.Add(-time.Minute).Format(time.RFC3339)

	exams := newFakeExams(running, draft, ended)
	subs := newFakeSubmissions()
	sub, _ := subs.StartOrGet(context.Background(), ended.ID, 4, now.Add(-time.Hour), now)
	_, _ = subs.Finalize(context.Background(), sub.ID, nil, nil, 80, now)

	svc := NewExamSessionService(exams, exams, subs, &fakePapers{papers: map[uuid.UUID]*model.ExamPaper{}}, time.Hour, testLog)
	lobby, err := svc.GetLobby(context.Background(), 4, now)
	require.NoError(t, err)
	require.Len(t, lobby, 2)

	byID := map[uuid.UUID]model.LobbyExam{}
	for _, e := range lobby {
		byID[e.ID] = e
	}
	require.Equal(t, model.EffectiveOngoing, byID[running.ID].EffectiveStatus)
	require.Equal(t, 3, byID[running.ID].QuestionCount)
	require.Nil(t, byID[running.ID].SubmissionStatus)

	done := byID[ended.ID]
	require.Equal(t, model.EffectiveCompleted, done.EffectiveStatus)
	require.Equal(t, "COMPLETED", done.StatusLabel)
	require.NotNil(t, done.SubmissionStatus)
	require.Equal(t, model.SubmissionStatusCompleted, *done.SubmissionStatus)
	require.InDelta(t, 80.0, *done.Score, 0.001)
}

func TestGetPaperCachesAndStripsKey(t *testing.T) {
	now := time.Now()
	exam := ongoingExam(now, 2)
	exams := newFakeExams(exam)
	papers := &fakePapers{papers: map[uuid.UUID]*model.ExamPaper{}}
	svc := NewExamSessionService(exams, exams, newFakeSubmissions(), papers, time.Hour, testLog)

	paper, err := svc.GetPaper(context.Background(), exam.ID)
	require.NoError(t, err)
	require.Len(t, paper.Questions, 2)
	require.Equal(t, exam.Questions[0].ID, paper.Questions[0].ID)
	require.Equal(t, 1, exams.reads)

	_, err = svc.GetPaper(context.Background(), exam.ID)
	require.NoError(t, err)
	require.Equal(t, 1, exams.reads)

	_, err = svc.GetPaper(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrExamNotFound)
}

func TestGetPaperSurvivesCacheOutage(t *testing.T) {
	exam := ongoingExam(time.Now(), 1)
	exams := newFakeExams(exam)
	papers := &fakePapers{papers: map[uuid.UUID]*model.ExamPaper{}, getErr: errStore}
	svc := NewExamSessionService(exams, exams, newFakeSubmissions(), papers, time.Hour, testLog)

	paper, err := svc.GetPaper(context.Background(), exam.ID)
	require.NoError(t, err)
	require.Equal(t, exam.ID, paper.ExamID)
}

func TestGetStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	exam := ongoingExam(now, 1)
	svc := NewExamSessionService(newFakeExams(exam), nil, nil, nil, 0, testLog)

	st, err := svc.GetStatus(context.Background(), exam.ID, now.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, model.ExamStatusOngoing, st.StoredStatus)
	require.Equal(t, model.EffectiveCompleted, st.EffectiveStatus)
	require.Equal(t, 7, st.AuthorID)

	_, err = svc.GetStatus(context.Background(), uuid.New(), now)
	require.ErrorIs(t, err, ErrExamNotFound)
}

type fakeProgress struct {
	progress   *repository.ExamProgress
	counts     map[int]int64
	err        error
	flaggedErr error
}

func (f *fakeProgress) Progress(context.Context, uuid.UUID) (*repository.ExamProgress, error) {
	return f.progress, f.err
}

func (f *fakeProgress) FlaggedCounts(context.Context, uuid.UUID) (map[int]int64, error) {
	return f.counts, f.flaggedErr
}

func TestMonitorSnapshot(t *testing.T) {
	src := &fakeProgress{
		progress: &repository.ExamProgress{InProgress: 3, Completed: 2, FlaggedEvents: 5},
		counts:   map[int]int64{4: 5},
	}
	snap, err := NewMonitorService(src).Snapshot(context.Background(), uuid.New())
	require.NoError(t, err)
	require.EqualValues(t, 3, snap.Progress.InProgress)
	require.Equal(t, map[int]int64{4: 5}, snap.FlaggedCounts)

	src.flaggedErr = errStore
	snap, err = NewMonitorService(src).Snapshot(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Empty(t, snap.FlaggedCounts)

	src.err = errStore
	_, err = NewMonitorService(src).Snapshot(context.Background(), uuid.New())
	require.ErrorIs(t, err, errStore)
}
