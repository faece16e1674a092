package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey holds the JTI of the student's single active login.
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// HandoffAttemptKey holds the serialized handoff attempt of a student for an exam.
func (r *CacheKeyStruct) HandoffAttemptKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:handoff", studentID, examID)
}

// SubmissionMetaKey caches the deadline, question order and flags of a live submission.
func (r *CacheKeyStruct) SubmissionMetaKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:meta", submissionID)
}

// SubmissionAnswersKey is the hash of question_id -> option_id buffered for a submission.
func (r *CacheKeyStruct) SubmissionAnswersKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:answers", submissionID)
}

// SubmissionCursorKey stores the furthest question index answered (backtracking guard).
func (r *CacheKeyStruct) SubmissionCursorKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:cursor", submissionID)
}

// SubmissionSealKey is set once a submission stops accepting answers.
func (r *CacheKeyStruct) SubmissionSealKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:sealed", submissionID)
}

// ExamPaperKey returns the cache key for an exam's student-facing paper (no answer key).
func (r *CacheKeyStruct) ExamPaperKey(examID string) string {
	return fmt.Sprintf("exam:%s:paper", examID)
}

// ClaimRateKey counts token-claim attempts per client IP in the current window.
func (r *CacheKeyStruct) ClaimRateKey(ip string, window int64) string {
	return fmt.Sprintf("ratelimit:claim:%s:%d", ip, window)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// AttemptLiveChannel carries time-up and terminate signals to the student's live stream.
func (r *CacheKeyStruct) AttemptLiveChannel(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:live", studentID, examID)
}

var CacheKey = NewCacheKeyStruct()
