package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-seb/internal/model"
)

// ExamRepository reads exams and their questions written by the CRUD layer.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

const examColumns = `id, code, title, author_id, COALESCE(start_time, ''), COALESCE(end_time, ''),
	status, duration_minutes, allow_backtracking, created_at, updated_at`

func scanExam(row interface{ Scan(dest ...any) error }, e *model.Exam) error {
	return row.Scan(&e.ID, &e.Code, &e.Title, &e.AuthorID, &e.StartTime, &e.EndTime,
		&e.Status, &e.DurationMinutes, &e.AllowBacktracking, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam by its UUID, without questions.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	if err := scanExam(r.pool.QueryRow(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id), e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetWithQuestions retrieves an exam and its ordered questions, answer key included.
// Every read is fresh; callers that re-check availability rely on that.
func (r *ExamRepository) GetWithQuestions(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_text, options, correct_option_id, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num, id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Options, &q.CorrectOptionID, &q.OrderNum); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

// ExamSummary is an exam row with its question count.
type ExamSummary struct {
	model.Exam
	QuestionCount int
}

// ListVisible returns every non-draft exam with its question count, newest first.
func (r *ExamRepository) ListVisible(ctx context.Context) ([]ExamSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT e.id, e.code, e.title, e.author_id, COALESCE(e.start_time, ''), COALESCE(e.end_time, ''),
		        e.status, e.duration_minutes, e.allow_backtracking, e.created_at, e.updated_at,
		        (SELECT COUNT(*) FROM questions q WHERE q.exam_id = e.id)
		 FROM exams e
		 WHERE e.status <> $1
		 ORDER BY e.created_at DESC`, model.ExamStatusDraft)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExamSummary
	for rows.Next() {
		var s ExamSummary
		e := &s.Exam
		if err := rows.Scan(&e.ID, &e.Code, &e.Title, &e.AuthorID, &e.StartTime, &e.EndTime,
			&e.Status, &e.DurationMinutes, &e.AllowBacktracking, &e.CreatedAt, &e.UpdatedAt,
			&s.QuestionCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
