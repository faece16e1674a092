package model

import (
	"github.com/google/uuid"
)

// Option is one selectable answer of a question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question represents a single exam question.
type Question struct {
	ID              uuid.UUID `json:"id"`
	ExamID          uuid.UUID `json:"exam_id"`
	Text            string    `json:"text"`
	Options         []Option  `json:"options"`
	CorrectOptionID string    `json:"-"`
	OrderNum        int       `json:"order_num"`
}

// HasOption reports whether optionID is one of the question's options.
func (q *Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID `json:"id"`
	Text     string    `json:"text"`
	Options  []Option  `json:"options"`
	OrderNum int       `json:"order_num"`
}
