package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the stored (coarse) states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusOngoing   ExamStatus = "ONGOING"
	ExamStatusCompleted ExamStatus = "COMPLETED"
)

// EffectiveStatus is the lifecycle state derived from the stored status and the schedule.
type EffectiveStatus string

const (
	EffectiveDraft     EffectiveStatus = "DRAFT"
	EffectivePublished EffectiveStatus = "PUBLISHED"
	EffectiveUpcoming  EffectiveStatus = "UPCOMING"
	EffectiveOngoing   EffectiveStatus = "ONGOING"
	EffectiveCompleted EffectiveStatus = "COMPLETED"
)

// Label folds UPCOMING into PUBLISHED for screens that only know the stored vocabulary.
func (s EffectiveStatus) Label() string {
	if s == EffectiveUpcoming {
		return string(EffectivePublished)
	}
	return string(s)
}

// Exam represents one scheduled assessment as written by the CRUD layer.
type Exam struct {
	ID                uuid.UUID  `json:"id"`
	Code              string     `json:"code"`
	Title             string     `json:"title"`
	AuthorID          int        `json:"author_id"`
	StartTime         string     `json:"start_time,omitempty"`
	EndTime           string     `json:"end_time,omitempty"`
	Status            ExamStatus `json:"status"`
	DurationMinutes   int        `json:"duration_minutes"`
	AllowBacktracking bool       `json:"allow_backtracking"`
	Questions         []Question `json:"questions,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Duration returns the exam duration as a time.Duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// QuestionIndex returns the position of a question in the exam order, or -1.
func (e *Exam) QuestionIndex(questionID string) int {
	for i, q := range e.Questions {
		if q.ID.String() == questionID {
			return i
		}
	}
	return -1
}

// instantLayouts are the timestamp shapes the CRUD layer is known to store.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02 15:04:05",
}

// ParseInstant parses a stored schedule instant. ok is false for empty or unparseable input.
func ParseInstant(raw string) (t time.Time, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range instantLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// LobbyExam is an exam as listed on the student dashboard.
type LobbyExam struct {
	ID               uuid.UUID         `json:"id"`
	Code             string            `json:"code"`
	Title            string            `json:"title"`
	StartTime        string            `json:"start_time,omitempty"`
	EndTime          string            `json:"end_time,omitempty"`
	DurationMinutes  int               `json:"duration_minutes"`
	QuestionCount    int               `json:"question_count"`
	EffectiveStatus  EffectiveStatus   `json:"effective_status"`
	StatusLabel      string            `json:"status_label"`
	SubmissionStatus *SubmissionStatus `json:"submission_status,omitempty"`
	Score            *float64          `json:"score,omitempty"`
}

// ExamPaper is the cached payload sent to students (no correct answers).
type ExamPaper struct {
	ExamID            uuid.UUID            `json:"exam_id"`
	Code              string               `json:"code"`
	Title             string               `json:"title"`
	Duration          int                  `json:"duration_minutes"`
	AllowBacktracking bool                 `json:"allow_backtracking"`
	Questions         []QuestionForStudent `json:"questions"`
}

// NewExamPaper strips the answer key from an exam.
func NewExamPaper(e *Exam) *ExamPaper {
	paper := &ExamPaper{
		ExamID:            e.ID,
		Code:              e.Code,
		Title:             e.Title,
		Duration:          e.DurationMinutes,
		AllowBacktracking: e.AllowBacktracking,
		Questions:         make([]QuestionForStudent, 0, len(e.Questions)),
	}
	for _, q := range e.Questions {
		paper.Questions = append(paper.Questions, QuestionForStudent{
			ID:       q.ID,
			Text:     q.Text,
			Options:  q.Options,
			OrderNum: q.OrderNum,
		})
	}
	return paper
}
