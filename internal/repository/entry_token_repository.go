package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-seb/internal/model"
)

// EntryTokenRepository stores hashed entry tokens.
type EntryTokenRepository struct {
	pool *pgxpool.Pool
}

// NewEntryTokenRepository creates a new EntryTokenRepository.
func NewEntryTokenRepository(pool *pgxpool.Pool) *EntryTokenRepository {
	return &EntryTokenRepository{pool: pool}
}

// Insert persists a freshly issued token.
func (r *EntryTokenRepository) Insert(ctx context.Context, t *model.EntryToken) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO entry_tokens (token_hash, exam_id, student_id, issued_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TokenHash, t.ExamID, t.StudentID, t.IssuedAt, t.ExpiresAt, t.Status)
	return err
}

// ClaimPending flips a pending, unexpired token to claimed in a single
// conditional statement. Returns pgx.ErrNoRows when nothing was claimed.
func (r *EntryTokenRepository) ClaimPending(ctx context.Context, tokenHash string, now time.Time) (*model.TokenClaim, error) {
	c := &model.TokenClaim{}
	err := r.pool.QueryRow(ctx,
		`UPDATE entry_tokens
		 SET status = 'claimed', claimed_at = $2
		 WHERE token_hash = $1 AND status = 'pending' AND expires_at >= $2
		 RETURNING student_id, exam_id`,
		tokenHash, now,
	).Scan(&c.StudentID, &c.ExamID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByHash reads a token row without changing it.
func (r *EntryTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*model.EntryToken, error) {
	t := &model.EntryToken{}
	err := r.pool.QueryRow(ctx,
		`SELECT token_hash, exam_id, student_id, issued_at, expires_at, status, claimed_at
		 FROM entry_tokens WHERE token_hash = $1`, tokenHash,
	).Scan(&t.TokenHash, &t.ExamID, &t.StudentID, &t.IssuedAt, &t.ExpiresAt, &t.Status, &t.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkExpired expires a token only if it is still pending.
func (r *EntryTokenRepository) MarkExpired(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE entry_tokens SET status = 'expired'
		 WHERE token_hash = $1 AND status = 'pending'`, tokenHash)
	return err
}

// ExpireStale expires every pending token whose window has lapsed.
func (r *EntryTokenRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE entry_tokens SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
