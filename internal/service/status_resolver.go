package service

import (
	"time"

	"github.com/stemsi/exstem-seb/internal/model"
)

// ResolveStatus derives an exam's effective lifecycle state from its stored
// status and schedule at instant now. It never reads the clock itself.
//
// A stored COMPLETED is sticky. PUBLISHED and ONGOING exams with a missing or
// unparseable window are reported as PUBLISHED.
func ResolveStatus(exam *model.Exam, now time.Time) model.EffectiveStatus {
	switch exam.Status {
	case model.ExamStatusCompleted:
		return model.EffectiveCompleted
	case model.ExamStatusDraft:
		return model.EffectiveDraft
	case model.ExamStatusPublished, model.ExamStatusOngoing:
		start, okStart := model.ParseInstant(exam.StartTime)
		end, okEnd := model.ParseInstant(exam.EndTime)
		if !okStart || !okEnd {
			return model.EffectivePublished
		}
		switch {
		case now.After(end):
			return model.EffectiveCompleted
		case now.Before(start):
			return model.EffectiveUpcoming
		default:
			return model.EffectiveOngoing
		}
	}
	return model.EffectiveStatus(exam.Status)
}
