package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
)

// PaperCache caches the student-facing exam paper.
type PaperCache struct {
	rdb *redis.Client
}

// NewPaperCache creates a new PaperCache.
func NewPaperCache(rdb *redis.Client) *PaperCache {
	return &PaperCache{rdb: rdb}
}

// Get returns the cached paper, or ErrCacheMiss.
func (c *PaperCache) Get(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	data, err := c.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var paper model.ExamPaper
	if err := json.Unmarshal(data, &paper); err != nil {
		return nil, err
	}
	return &paper, nil
}

// Set stores the paper for ttl.
func (c *PaperCache) Set(ctx context.Context, paper *model.ExamPaper, ttl time.Duration) error {
	data, err := json.Marshal(paper)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, config.CacheKey.ExamPaperKey(paper.ExamID.String()), data, ttl).Err()
}
