package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MonitorRepository provides data access for the live handoff monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ExamProgress is a snapshot of an exam's submissions.
type ExamProgress struct {
	InProgress    int64 `json:"in_progress"`
	Completed     int64 `json:"completed"`
	FlaggedEvents int64 `json:"flagged_events"`
}

// Progress counts submissions by status and flagged events for an exam.
func (r *MonitorRepository) Progress(ctx context.Context, examID uuid.UUID) (*ExamProgress, error) {
	p := &ExamProgress{}
	err := r.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE s.status = 'IN_PROGRESS'),
		   COUNT(*) FILTER (WHERE s.status = 'COMPLETED'),
		   COALESCE((SELECT COUNT(*) FROM submission_events ev
		             JOIN exam_submissions s2 ON s2.id = ev.submission_id
		             WHERE s2.exam_id = $1), 0)
		 FROM exam_submissions s
		 WHERE s.exam_id = $1`,
		examID,
	).Scan(&p.InProgress, &p.Completed, &p.FlaggedEvents)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FlaggedCounts returns the number of flagged events per student for an exam.
func (r *MonitorRepository) FlaggedCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.student_id, COUNT(*)
		 FROM submission_events ev
		 JOIN exam_submissions s ON s.id = ev.submission_id
		 WHERE s.exam_id = $1
		 GROUP BY s.student_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var count int64
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid] = count
	}
	return counts, rows.Err()
}
