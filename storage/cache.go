package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

type boardReader interface {
	ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error)
}

// BoardCache serves board snapshots from Redis and falls back to the
// relational store. Every mutation evicts the snapshot of its board.
type BoardCache struct {
	base  boardReader
	redis *redis.Client
	ttl   time.Duration
}

// NewBoardCache wraps base. A nil client disables caching.
func NewBoardCache(base boardReader, client *redis.Client, ttl time.Duration) *BoardCache {
	if base == nil {
		panic("storage.NewBoardCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &BoardCache{base: base, redis: client, ttl: ttl}
}

func (c *BoardCache) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, boardID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListBoardTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, boardID, tasks)
	return tasks, nil
}

func (c *BoardCache) Evict(ctx context.Context, boardID string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, boardCacheKey(boardID)).Err()
}

func (c *BoardCache) load(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *BoardCache) store(ctx context.Context, boardID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID + ":tasks"
}
