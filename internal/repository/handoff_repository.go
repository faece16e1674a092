package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
)

// ErrVersionConflict is returned when another writer advanced the attempt first.
var ErrVersionConflict = errors.New("handoff attempt modified concurrently")

// HandoffRepository persists handoff attempts in Redis with optimistic
// compare-and-swap on the attempt version.
type HandoffRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewHandoffRepository creates a new HandoffRepository.
func NewHandoffRepository(rdb *redis.Client, ttl time.Duration) *HandoffRepository {
	return &HandoffRepository{rdb: rdb, ttl: ttl}
}

// Get returns the attempt, or ErrCacheMiss when none exists.
func (r *HandoffRepository) Get(ctx context.Context, examID uuid.UUID, studentID int) (*model.HandoffAttempt, error) {
	data, err := r.rdb.Get(ctx, config.CacheKey.HandoffAttemptKey(examID.String(), studentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return decodeAttempt(data)
}

// Save stores a as version expected+1 if the stored version still equals
// expected (0 means "must not exist yet"). On success a.Version is updated.
func (r *HandoffRepository) Save(ctx context.Context, a *model.HandoffAttempt, expected int64) error {
	key := config.CacheKey.HandoffAttemptKey(a.ExamID.String(), a.StudentID)

	txf := func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, err := decodeAttempt(data)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != expected {
			return ErrVersionConflict
		}

		next := *a
		next.Version = expected + 1
		payload, err := json.Marshal(storedAttempt{HandoffAttempt: next, TokenHash: next.TokenHash})
		if err != nil {
			return fmt.Errorf("marshal attempt: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		return err
	}

	err := r.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	a.Version = expected + 1
	return nil
}

// storedAttempt keeps the token hash, which the public JSON form hides.
type storedAttempt struct {
	model.HandoffAttempt
	TokenHash string `json:"token_hash,omitempty"`
}

func decodeAttempt(data []byte) (*model.HandoffAttempt, error) {
	var s storedAttempt
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	a := s.HandoffAttempt
	a.TokenHash = s.TokenHash
	return &a, nil
}
