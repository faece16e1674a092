package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates submission states.
type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "IN_PROGRESS"
	SubmissionStatusCompleted  SubmissionStatus = "COMPLETED"
)

// FlaggedEventType names an integrity-monitoring signal.
type FlaggedEventType string

const (
	EventTabSwitch      FlaggedEventType = "tab_switch"
	EventWindowBlur     FlaggedEventType = "window_blur"
	EventFullscreenExit FlaggedEventType = "fullscreen_exit"
	EventCopyPaste      FlaggedEventType = "copy_paste"
	EventRightClick     FlaggedEventType = "right_click"
	EventDevTools       FlaggedEventType = "devtools"
	EventConnectionLost FlaggedEventType = "connection_lost"
)

// FlaggedEvent is an integrity signal attached to a submission.
type FlaggedEvent struct {
	Type       FlaggedEventType `json:"type" binding:"required,oneof=tab_switch window_blur fullscreen_exit copy_paste right_click devtools connection_lost"`
	OccurredAt time.Time        `json:"occurred_at" binding:"required"`
	Detail     string           `json:"detail,omitempty" binding:"max=500"`
}

// ExamSubmission is a student's attempt. One row per (exam, student).
type ExamSubmission struct {
	ID          uuid.UUID         `json:"id"`
	ExamID      uuid.UUID         `json:"exam_id"`
	StudentID   int               `json:"student_id"`
	Answers     map[string]string `json:"answers,omitempty"`
	Events      []FlaggedEvent    `json:"events,omitempty"`
	Status      SubmissionStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	DeadlineAt  time.Time         `json:"deadline_at"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	Score       *float64          `json:"score,omitempty"`
}

// Completed reports whether the submission is terminal.
func (s *ExamSubmission) Completed() bool {
	return s.Status == SubmissionStatusCompleted
}

// SubmissionMeta is the hot-path view of a live submission cached in Redis.
type SubmissionMeta struct {
	SubmissionID      uuid.UUID `json:"submission_id"`
	ExamID            uuid.UUID `json:"exam_id"`
	StudentID         int       `json:"student_id"`
	DeadlineAt        time.Time `json:"deadline_at"`
	AllowBacktracking bool      `json:"allow_backtracking"`
	QuestionOrder     []string  `json:"question_order"`
}

// IndexOf returns the position of questionID in the exam order, or -1.
func (m *SubmissionMeta) IndexOf(questionID string) int {
	for i, id := range m.QuestionOrder {
		if id == questionID {
			return i
		}
	}
	return -1
}

// FinalizeResult reports the outcome of a finalize call.
type FinalizeResult struct {
	Submission       *ExamSubmission `json:"submission"`
	AlreadyFinalized bool            `json:"already_finalized"`
}

// RecordAnswerRequest is the REST fallback for autosave.
type RecordAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	OptionID   string `json:"option_id" binding:"required,max=64"`
}

// SubmitRequest finalizes the attempt; answers and events are optional.
type SubmitRequest struct {
	Answers map[string]string `json:"answers"`
	Events  []FlaggedEvent    `json:"events" binding:"omitempty,dive"`
}

// SubmissionState lets the entry view recover after a reload.
type SubmissionState struct {
	SubmissionID     uuid.UUID         `json:"submission_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	StudentID        int               `json:"student_id"`
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
	RemainingTime    float64           `json:"remaining_time"`
	Status           SubmissionStatus  `json:"status"`
}

// AnswerJob is queued for the autosave worker.
type AnswerJob struct {
	SubmissionID string    `json:"submission_id"`
	QuestionID   string    `json:"question_id"`
	OptionID     string    `json:"option_id"`
	At           time.Time `json:"at"`
}

// EventJob is queued for the integrity event worker.
type EventJob struct {
	SubmissionID string       `json:"submission_id"`
	ExamID       string       `json:"exam_id"`
	StudentID    int          `json:"student_id"`
	Event        FlaggedEvent `json:"event"`
}
