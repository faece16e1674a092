package model

import (
	"time"

	"github.com/google/uuid"
)

// HandoffState is a step of the exam entry handoff.
type HandoffState string

const (
	HandoffIdle                  HandoffState = "IDLE"
	HandoffChecksRunning         HandoffState = "CHECKS_RUNNING"
	HandoffChecksPassed          HandoffState = "CHECKS_PASSED"
	HandoffTokenIssued           HandoffState = "TOKEN_ISSUED"
	HandoffAwaitingExternalEntry HandoffState = "AWAITING_EXTERNAL_ENTRY"
	HandoffTokenValidated        HandoffState = "TOKEN_VALIDATED"
	HandoffAttestationRunning    HandoffState = "ATTESTATION_RUNNING"
	HandoffLivePrepared          HandoffState = "LIVE_PREPARED"
	HandoffLiveActive            HandoffState = "LIVE_ACTIVE"
	HandoffSubmitted             HandoffState = "SUBMITTED"
	HandoffFailed                HandoffState = "FAILED"
)

// Terminal reports whether no further transition can leave the state
// (a recoverable failure is handled separately by the retry path).
func (s HandoffState) Terminal() bool {
	return s == HandoffSubmitted || s == HandoffFailed
}

// FailureReason classifies a failed handoff.
type FailureReason string

const (
	ReasonPreconditionNotMet    FailureReason = "PRECONDITION_NOT_MET"
	ReasonSystemCheckFailed     FailureReason = "SYSTEM_CHECK_FAILED"
	ReasonHandoffBlocked        FailureReason = "HANDOFF_BLOCKED"
	ReasonInvalidSession        FailureReason = "INVALID_SESSION"
	ReasonNotInLockedBrowser    FailureReason = "NOT_IN_LOCKED_BROWSER"
	ReasonAttestationFailed     FailureReason = "ATTESTATION_FAILED"
	ReasonExamNoLongerAvailable FailureReason = "EXAM_NO_LONGER_AVAILABLE"
	ReasonStorageFailure        FailureReason = "STORAGE_FAILURE"
)

// Fatal reports whether the reason ends the attempt in the locked-down context.
func (r FailureReason) Fatal() bool {
	switch r {
	case ReasonInvalidSession, ReasonNotInLockedBrowser, ReasonAttestationFailed, ReasonExamNoLongerAvailable:
		return true
	}
	return false
}

// HandoffAttempt is the persisted state of one (exam, student) entry attempt.
type HandoffAttempt struct {
	ExamID       uuid.UUID     `json:"exam_id"`
	StudentID    int           `json:"student_id"`
	State        HandoffState  `json:"state"`
	Reason       FailureReason `json:"reason,omitempty"`
	Reasons      []string      `json:"reasons,omitempty"`
	Recoverable  bool          `json:"recoverable"`
	TokenHash    string        `json:"-"`
	SubmissionID *uuid.UUID    `json:"submission_id,omitempty"`
	DeadlineAt   *time.Time    `json:"deadline_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int64         `json:"version"`
}

// Termination instructs the locked-down browser to quit after a readable delay.
type Termination struct {
	Quit         bool   `json:"quit"`
	QuitURL      string `json:"quit_url"`
	DelaySeconds int    `json:"delay_seconds"`
}

// StartHandoffRequest is sent by the dashboard when the student presses "start".
type StartHandoffRequest struct {
	Preflight PreflightReport `json:"preflight"`
}

// HandoffTicket is returned once the token is durably issued.
type HandoffTicket struct {
	Token     string       `json:"token"`
	EntryURL  string       `json:"entry_url"`
	ExpiresAt time.Time    `json:"expires_at"`
	State     HandoffState `json:"state"`
}

// EntrySession is returned by the claim endpoint.
type EntrySession struct {
	AccessToken string       `json:"access_token"`
	ExamID      uuid.UUID    `json:"exam_id"`
	StudentID   int          `json:"student_id"`
	State       HandoffState `json:"state"`
}

// LiveSession is returned when the live exam begins.
type LiveSession struct {
	SubmissionID  uuid.UUID    `json:"submission_id"`
	DeadlineAt    time.Time    `json:"deadline_at"`
	RemainingTime float64      `json:"remaining_time"`
	State         HandoffState `json:"state"`
}

// SubmitOutcome is returned after a submission is finalized.
type SubmitOutcome struct {
	Submission       *ExamSubmission `json:"submission"`
	AlreadyFinalized bool            `json:"already_finalized"`
	Termination      Termination     `json:"termination"`
}

// MonitorEvent is published on every handoff transition for live monitoring.
type MonitorEvent struct {
	ExamID    uuid.UUID     `json:"exam_id"`
	StudentID int           `json:"student_id"`
	State     HandoffState  `json:"state"`
	Reason    FailureReason `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}

// LiveSignal is pushed to the locked-down context over its stream.
type LiveSignal struct {
	Type        string       `json:"type"`
	Termination *Termination `json:"termination,omitempty"`
	Message     string       `json:"message,omitempty"`
}

const (
	LiveSignalTimeUp    = "time_up"
	LiveSignalTerminate = "terminate"
)
