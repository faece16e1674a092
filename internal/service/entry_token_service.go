package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/model"
)

// Entry token errors.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrTokenNotFound       = errors.New("entry token not found")
	ErrTokenAlreadyClaimed = errors.New("entry token already claimed")
	ErrTokenExpired        = errors.New("entry token expired")
)

// EntryTokenStore persists hashed entry tokens. Absent rows are reported as pgx.ErrNoRows.
type EntryTokenStore interface {
	Insert(ctx context.Context, t *model.EntryToken) error
	ClaimPending(ctx context.Context, tokenHash string, now time.Time) (*model.TokenClaim, error)
	GetByHash(ctx context.Context, tokenHash string) (*model.EntryToken, error)
	MarkExpired(ctx context.Context, tokenHash string) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// EntryTokenService issues single-use opaque entry tokens and claims them.
type EntryTokenService struct {
	store EntryTokenStore
	ttl   time.Duration
	log   zerolog.Logger
}

// NewEntryTokenService creates a new EntryTokenService.
func NewEntryTokenService(store EntryTokenStore, ttl time.Duration, log zerolog.Logger) *EntryTokenService {
	return &EntryTokenService{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "entry_token").Logger(),
	}
}

// HashToken returns the storage key of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue mints a pending token bound to (exam, student) that expires ttl after now.
// Only the hash is persisted; the returned token carries the clear value once.
func (s *EntryTokenService) Issue(ctx context.Context, examID uuid.UUID, studentID int, now time.Time) (*model.EntryToken, error) {
	if examID == uuid.Nil || studentID <= 0 {
		return nil, ErrInvalidInput
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	t := &model.EntryToken{
		Token:     token,
		TokenHash: HashToken(token),
		ExamID:    examID,
		StudentID: studentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Status:    model.TokenStatusPending,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("insert entry token: %w", err)
	}
	return t, nil
}

// Lookup resolves a token server-side without claiming it.
func (s *EntryTokenService) Lookup(ctx context.Context, token string) (*model.EntryToken, error) {
	t, err := s.store.GetByHash(ctx, HashToken(token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry token: %w", err)
	}
	return t, nil
}

// ValidateAndClaim transitions a pending, unexpired token to claimed exactly
// once. The claim itself is one conditional update, so of two concurrent
// callers only one can win.
func (s *EntryTokenService) ValidateAndClaim(ctx context.Context, token string, now time.Time) (*model.TokenClaim, error) {
	hash := HashToken(token)

	claim, err := s.store.ClaimPending(ctx, hash, now)
	if err == nil {
		return claim, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim entry token: %w", err)
	}

	t, err := s.store.GetByHash(ctx, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry token: %w", err)
	}

	switch {
	case t.Status == model.TokenStatusClaimed:
		return nil, ErrTokenAlreadyClaimed
	case t.Status == model.TokenStatusExpired:
		return nil, ErrTokenExpired
	case now.After(t.ExpiresAt):
		if err := s.store.MarkExpired(ctx, hash); err != nil {
			s.log.Warn().Err(err).Str("exam_id", t.ExamID.String()).Int("student_id", t.StudentID).
				Msg("Failed to mark lapsed token expired")
		}
		return nil, ErrTokenExpired
	default:
		// Pending and in window yet not claimable: another caller won the race.
		return nil, ErrTokenAlreadyClaimed
	}
}

// Revoke expires a superseded pending token.
func (s *EntryTokenService) Revoke(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	if err := s.store.MarkExpired(ctx, tokenHash); err != nil {
		return fmt.Errorf("revoke entry token: %w", err)
	}
	return nil
}

// ExpireStale expires all lapsed pending tokens.
func (s *EntryTokenService) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return s.store.ExpireStale(ctx, now)
}

// TTL returns the token validity window.
func (s *EntryTokenService) TTL() time.Duration {
	return s.ttl
}
