package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
)

// ErrExamNotFound is returned when the exam does not exist or is not visible.
var ErrExamNotFound = errors.New("exam not found")

// LobbySource lists exams and a student's submissions for the lobby.
type LobbySource interface {
	ListVisible(ctx context.Context) ([]repository.ExamSummary, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// StudentSubmissions lists the submissions of one student.
type StudentSubmissions interface {
	ListByStudent(ctx context.Context, studentID int) ([]model.ExamSubmission, error)
}

// PaperStore caches exam papers. A miss is repository.ErrCacheMiss.
type PaperStore interface {
	Get(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
	Set(ctx context.Context, paper *model.ExamPaper, ttl time.Duration) error
}

// ExamSessionService serves the read side of exams: the student lobby,
// the student-facing paper and the effective status.
type ExamSessionService struct {
	exams       LobbySource
	questions   ExamReader
	submissions StudentSubmissions
	papers      PaperStore
	paperTTL    time.Duration
	log         zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	exams LobbySource,
	questions ExamReader,
	submissions StudentSubmissions,
	papers PaperStore,
	paperTTL time.Duration,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		exams:       exams,
		questions:   questions,
		submissions: submissions,
		papers:      papers,
		paperTTL:    paperTTL,
		log:         log.With().Str("component", "exam_session").Logger(),
	}
}

// GetLobby returns every non-draft exam with its effective status at now and
// the student's submission overlay.
func (s *ExamSessionService) GetLobby(ctx context.Context, studentID int, now time.Time) ([]model.LobbyExam, error) {
	exams, err := s.exams.ListVisible(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}

	subs, err := s.submissions.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	subMap := make(map[uuid.UUID]*model.ExamSubmission, len(subs))
	for i := range subs {
		subMap[subs[i].ExamID] = &subs[i]
	}

	lobby := make([]model.LobbyExam, 0, len(exams))
	for i := range exams {
		e := &exams[i].Exam
		st := ResolveStatus(e, now)
		if st == model.EffectiveDraft {
			continue
		}

		entry := model.LobbyExam{
			ID:              e.ID,
			Code:            e.Code,
			Title:           e.Title,
			StartTime:       e.StartTime,
			EndTime:         e.EndTime,
			DurationMinutes: e.DurationMinutes,
			QuestionCount:   exams[i].QuestionCount,
			EffectiveStatus: st,
			StatusLabel:     st.Label(),
		}
		if sub, ok := subMap[e.ID]; ok {
			status := sub.Status
			entry.SubmissionStatus = &status
			entry.Score = sub.Score
		}
		lobby = append(lobby, entry)
	}
	return lobby, nil
}

// GetPaper returns the student-facing paper, from cache when possible.
func (s *ExamSessionService) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	paper, err := s.papers.Get(ctx, examID)
	if err == nil {
		return paper, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Paper cache read failed")
	}

	exam, err := s.questions.GetWithQuestions(ctx, examID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	paper = model.NewExamPaper(exam)
	if err := s.papers.Set(ctx, paper, s.paperTTL); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Paper cache write failed")
	}
	return paper, nil
}

// ExamStatus is the effective status view of one exam.
type ExamStatus struct {
	ExamID          uuid.UUID             `json:"exam_id"`
	StoredStatus    model.ExamStatus      `json:"stored_status"`
	EffectiveStatus model.EffectiveStatus `json:"effective_status"`
	StatusLabel     string                `json:"status_label"`
	AuthorID        int                   `json:"-"`
	ResolvedAt      time.Time             `json:"resolved_at"`
}

// GetStatus resolves the effective status of an exam at now.
func (s *ExamSessionService) GetStatus(ctx context.Context, examID uuid.UUID, now time.Time) (*ExamStatus, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	st := ResolveStatus(exam, now)
	return &ExamStatus{
		ExamID:          exam.ID,
		StoredStatus:    exam.Status,
		EffectiveStatus: st,
		StatusLabel:     st.Label(),
		AuthorID:        exam.AuthorID,
		ResolvedAt:      now,
	}, nil
}
