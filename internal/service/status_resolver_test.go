package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stretchr/testify/require"
)

func TestResolveStatus(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	exam := func(status model.ExamStatus, s, e string) *model.Exam {
		return &model.Exam{Status: status, StartTime: s, EndTime: e}
	}
	rfc := func(t time.Time) string { return t.Format(time.RFC3339) }

	tests := []struct {
		name string
		exam *model.Exam
		now  time.Time
		want model.EffectiveStatus
	}{
		{"draft stays draft inside window", exam(model.ExamStatusDraft, rfc(start), rfc(end)), start.Add(time.Minute), model.EffectiveDraft},
		{"published before start is upcoming", exam(model.ExamStatusPublished, rfc(start), rfc(end)), start.Add(-time.Minute), model.EffectiveUpcoming},
		{"published inside window is ongoing", exam(model.ExamStatusPublished, rfc(start), rfc(end)), start.Add(time.Minute), model.EffectiveOngoing},
		{"start instant is ongoing", exam(model.ExamStatusPublished, rfc(start), rfc(end)), start, model.EffectiveOngoing},
		{"end instant is still ongoing", exam(model.ExamStatusPublished, rfc(start), rfc(end)), end, model.EffectiveOngoing},
		{"after end is completed", exam(model.ExamStatusOngoing, rfc(start), rfc(end)), end.Add(time.Second), model.EffectiveCompleted},
		{"stored ongoing before start is upcoming", exam(model.ExamStatusOngoing, rfc(start), rfc(end)), start.Add(-time.Hour), model.EffectiveUpcoming},
		{"completed is sticky", exam(model.ExamStatusCompleted, rfc(start), rfc(end)), start.Add(time.Minute), model.EffectiveCompleted},
		{"missing window falls back to published", exam(model.ExamStatusPublished, "", rfc(end)), start, model.EffectivePublished},
		{"unparseable window falls back to published", exam(model.ExamStatusOngoing, "next monday", rfc(end)), start, model.EffectivePublished},
		{"space separated layout parses", exam(model.ExamStatusPublished, "2026-03-02 08:00:00", "2026-03-02 10:00:00"), start.Add(time.Hour), model.EffectiveOngoing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveStatus(tc.exam, tc.now))
		})
	}
}

func TestResolveStatusIsPure(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := ongoingExam(now, 1)
	before := *e

	first := ResolveStatus(e, now)
	second := ResolveStatus(e, now)

	require.Equal(t, first, second)
	require.Equal(t, before.Status, e.Status)
	require.Equal(t, before.StartTime, e.StartTime)
}

func TestEffectiveStatusLabel(t *testing.T) {
	require.Equal(t, "PUBLISHED", model.EffectiveUpcoming.Label())
	require.Equal(t, "ONGOING", model.EffectiveOngoing.Label())
	require.Equal(t, "COMPLETED", model.EffectiveCompleted.Label())
}
