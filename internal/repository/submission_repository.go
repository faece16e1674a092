package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-seb/internal/model"
)

// SubmissionRepository handles exam submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

const submissionColumns = `id, exam_id, student_id, status, started_at, deadline_at, submitted_at, score`

func scanSubmission(row pgx.Row, s *model.ExamSubmission) error {
	return row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.StartedAt, &s.DeadlineAt, &s.SubmittedAt, &s.Score)
}

// StartOrGet inserts an IN_PROGRESS submission for the pair or returns the
// existing row untouched. The no-op DO UPDATE makes RETURNING yield the row
// in both cases.
func (r *SubmissionRepository) StartOrGet(ctx context.Context, examID uuid.UUID, studentID int, startedAt, deadlineAt time.Time) (*model.ExamSubmission, error) {
	s := &model.ExamSubmission{}
	err := scanSubmission(r.pool.QueryRow(ctx,
		`INSERT INTO exam_submissions (exam_id, student_id, status, started_at, deadline_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, student_id) DO UPDATE SET exam_id = exam_submissions.exam_id
		 RETURNING `+submissionColumns,
		examID, studentID, model.SubmissionStatusInProgress, startedAt, deadlineAt,
	), s)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a submission row (answers and events not loaded).
func (r *SubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSubmission, error) {
	s := &model.ExamSubmission{}
	if err := scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM exam_submissions WHERE id = $1`, id), s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetByExamAndStudent retrieves the submission of a pair.
func (r *SubmissionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSubmission, error) {
	s := &model.ExamSubmission{}
	if err := scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM exam_submissions WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID), s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListByStudent retrieves all submissions of a student.
func (r *SubmissionRepository) ListByStudent(ctx context.Context, studentID int) ([]model.ExamSubmission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM exam_submissions
		 WHERE student_id = $1 ORDER BY started_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExamSubmission
	for rows.Next() {
		var s model.ExamSubmission
		if err := scanSubmission(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Answers returns the durably persisted answers of a submission.
func (r *SubmissionRepository) Answers(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id::text, option_id FROM submission_answers WHERE submission_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[string]string)
	for rows.Next() {
		var qid, oid string
		if err := rows.Scan(&qid, &oid); err != nil {
			return nil, err
		}
		answers[qid] = oid
	}
	return answers, rows.Err()
}

// Finalize writes the final answers and events and flips the submission to
// COMPLETED in one transaction. applied is false when the row was already
// COMPLETED, in which case nothing is written.
func (r *SubmissionRepository) Finalize(ctx context.Context, id uuid.UUID, answers map[string]string, events []model.FlaggedEvent, score float64, now time.Time) (applied bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status model.SubmissionStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM exam_submissions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status); err != nil {
		return false, err
	}
	if status == model.SubmissionStatusCompleted {
		return false, nil
	}

	if len(answers) > 0 {
		qids := make([]string, 0, len(answers))
		oids := make([]string, 0, len(answers))
		for q, o := range answers {
			qids = append(qids, q)
			oids = append(oids, o)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO submission_answers (submission_id, question_id, option_id, updated_at)
			 SELECT $1, t.q::uuid, t.o, $4
			 FROM UNNEST($2::text[], $3::text[]) AS t(q, o)
			 ON CONFLICT (submission_id, question_id) DO UPDATE
			 SET option_id = EXCLUDED.option_id, updated_at = EXCLUDED.updated_at`,
			id, qids, oids, now,
		); err != nil {
			return false, fmt.Errorf("upsert answers: %w", err)
		}
	}

	if len(events) > 0 {
		rows := make([][]any, 0, len(events))
		for _, e := range events {
			rows = append(rows, []any{id, string(e.Type), e.OccurredAt, e.Detail})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"submission_events"},
			[]string{"submission_id", "event_type", "occurred_at", "detail"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return false, fmt.Errorf("copy events: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE exam_submissions
		 SET status = $2, submitted_at = $3, score = $4
		 WHERE id = $1 AND status = $5`,
		id, model.SubmissionStatusCompleted, now, score, model.SubmissionStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("complete submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// OverdueSubmission identifies an IN_PROGRESS submission past its deadline.
type OverdueSubmission struct {
	ID        uuid.UUID
	ExamID    uuid.UUID
	StudentID int
}

// ListOverdue returns IN_PROGRESS submissions whose deadline has passed.
func (r *SubmissionRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]OverdueSubmission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id FROM exam_submissions
		 WHERE status = $1 AND deadline_at < $2
		 ORDER BY deadline_at
		 LIMIT $3`,
		model.SubmissionStatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverdueSubmission
	for rows.Next() {
		var o OverdueSubmission
		if err := rows.Scan(&o.ID, &o.ExamID, &o.StudentID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// UpsertAnswer persists one autosaved answer while the submission is still
// IN_PROGRESS. An older write never overwrites a newer one. applied is false
// when the submission is gone, completed, or the stored answer is newer.
func (r *SubmissionRepository) UpsertAnswer(ctx context.Context, submissionID, questionID uuid.UUID, optionID string, at time.Time) (applied bool, err error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO submission_answers (submission_id, question_id, option_id, updated_at)
		 SELECT s.id, $2, $3, $4 FROM exam_submissions s
		 WHERE s.id = $1 AND s.status = $5
		 ON CONFLICT (submission_id, question_id) DO UPDATE
		 SET option_id = EXCLUDED.option_id, updated_at = EXCLUDED.updated_at
		 WHERE submission_answers.updated_at <= EXCLUDED.updated_at`,
		submissionID, questionID, optionID, at, model.SubmissionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EventRow is one integrity event ready for insertion.
type EventRow struct {
	SubmissionID uuid.UUID
	Event        model.FlaggedEvent
}

// CopyEvents bulk-inserts integrity events with COPY, skipping events whose
// submission is no longer IN_PROGRESS. The open submissions are share-locked
// so a concurrent finalize either commits first or waits for the copy.
// It returns how many events were written.
func (r *SubmissionRepository) CopyEvents(ctx context.Context, events []EventRow) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids := make([]string, 0, len(events))
	seen := make(map[uuid.UUID]bool, len(events))
	for _, e := range events {
		if !seen[e.SubmissionID] {
			seen[e.SubmissionID] = true
			ids = append(ids, e.SubmissionID.String())
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT id FROM exam_submissions
		 WHERE id = ANY($1::uuid[]) AND status = $2
		 FOR SHARE`,
		ids, model.SubmissionStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("lock submissions: %w", err)
	}
	open, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("lock submissions: %w", err)
	}
	isOpen := make(map[uuid.UUID]bool, len(open))
	for _, id := range open {
		isOpen[id] = true
	}

	copyRows := make([][]any, 0, len(events))
	for _, e := range events {
		if isOpen[e.SubmissionID] {
			copyRows = append(copyRows, []any{e.SubmissionID, string(e.Event.Type), e.Event.OccurredAt, e.Event.Detail})
		}
	}
	if len(copyRows) == 0 {
		return 0, nil
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"submission_events"},
		[]string{"submission_id", "event_type", "occurred_at", "detail"},
		pgx.CopyFromRows(copyRows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// InsertEvent inserts a single integrity event while its submission is still
// IN_PROGRESS. applied is false when the submission is gone or completed.
func (r *SubmissionRepository) InsertEvent(ctx context.Context, e EventRow) (applied bool, err error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO submission_events (submission_id, event_type, occurred_at, detail)
		 SELECT s.id, $2, $3, $4 FROM exam_submissions s
		 WHERE s.id = $1 AND s.status = $5
		 FOR SHARE OF s`,
		e.SubmissionID, string(e.Event.Type), e.Event.OccurredAt, e.Event.Detail, model.SubmissionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IsForeignKeyViolation reports whether err is a Postgres FK violation,
// i.e. the referenced submission no longer exists.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
