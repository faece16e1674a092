package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
)

var (
	// ErrCacheMiss is returned when a Redis key does not exist.
	ErrCacheMiss = errors.New("cache miss")
	// ErrBufferSealed is returned when the answer buffer no longer accepts writes.
	ErrBufferSealed = errors.New("answer buffer sealed")
	// ErrCursorBehind is returned when an answer targets a question before the cursor.
	ErrCursorBehind = errors.New("answer behind cursor")
)

// putAnswerScript writes one answer unless the buffer is sealed or the
// question lies behind the furthest answered one (when backtracking is off).
//
// KEYS: answers, cursor, sealed
// ARGV: question_id, option_id, index, allow_backtracking (1/0), ttl seconds
var putAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 1
end
local cur = tonumber(redis.call('GET', KEYS[2]) or '-1')
local idx = tonumber(ARGV[3])
if ARGV[4] == '0' and idx < cur then
	return 2
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if idx > cur then
	redis.call('SET', KEYS[2], idx)
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
end
return 0
`)

// AnswerBuffer keeps live answers of in-progress submissions in Redis.
type AnswerBuffer struct {
	rdb *redis.Client
}

// NewAnswerBuffer creates a new AnswerBuffer.
func NewAnswerBuffer(rdb *redis.Client) *AnswerBuffer {
	return &AnswerBuffer{rdb: rdb}
}

// SaveMeta caches the hot-path view of a submission.
func (b *AnswerBuffer) SaveMeta(ctx context.Context, meta *model.SubmissionMeta, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return b.rdb.Set(ctx, config.CacheKey.SubmissionMetaKey(meta.SubmissionID.String()), data, ttl).Err()
}

// Meta returns the cached meta, or ErrCacheMiss.
func (b *AnswerBuffer) Meta(ctx context.Context, submissionID string) (*model.SubmissionMeta, error) {
	data, err := b.rdb.Get(ctx, config.CacheKey.SubmissionMetaKey(submissionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var meta model.SubmissionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &meta, nil
}

// PutAnswer records one answer atomically with the seal and cursor checks.
func (b *AnswerBuffer) PutAnswer(ctx context.Context, submissionID, questionID, optionID string, index int, allowBacktracking bool, ttl time.Duration) error {
	allow := "0"
	if allowBacktracking {
		allow = "1"
	}
	keys := []string{
		config.CacheKey.SubmissionAnswersKey(submissionID),
		config.CacheKey.SubmissionCursorKey(submissionID),
		config.CacheKey.SubmissionSealKey(submissionID),
	}
	code, err := putAnswerScript.Run(ctx, b.rdb, keys, questionID, optionID, index, allow, int64(ttl.Seconds())).Int()
	if err != nil {
		return err
	}
	switch code {
	case 1:
		return ErrBufferSealed
	case 2:
		return ErrCursorBehind
	}
	return nil
}

// Answers returns every buffered answer.
func (b *AnswerBuffer) Answers(ctx context.Context, submissionID string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, config.CacheKey.SubmissionAnswersKey(submissionID)).Result()
}

// Seal stops the buffer from accepting answers.
func (b *AnswerBuffer) Seal(ctx context.Context, submissionID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, config.CacheKey.SubmissionSealKey(submissionID), 1, ttl).Err()
}

// Unseal reopens the buffer after a finalize that did not commit.
func (b *AnswerBuffer) Unseal(ctx context.Context, submissionID string) error {
	return b.rdb.Del(ctx, config.CacheKey.SubmissionSealKey(submissionID)).Err()
}

// Sealed reports whether the buffer has been sealed.
func (b *AnswerBuffer) Sealed(ctx context.Context, submissionID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, config.CacheKey.SubmissionSealKey(submissionID)).Result()
	return n > 0, err
}

// Clear drops the buffered answers, cursor and meta. The seal is left to expire.
func (b *AnswerBuffer) Clear(ctx context.Context, submissionID string) error {
	return b.rdb.Del(ctx,
		config.CacheKey.SubmissionAnswersKey(submissionID),
		config.CacheKey.SubmissionCursorKey(submissionID),
		config.CacheKey.SubmissionMetaKey(submissionID),
	).Err()
}
