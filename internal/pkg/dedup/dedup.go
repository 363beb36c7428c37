// Package dedup 提供基于 Redis 的“近期已入库”缓存。
//
// 缓存只用于减少重复评论的数据库写入；判定失败时调用方应回退到数据库的唯一约束。
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "spidermall:seen:"

// SeenCache 以 SETNX 记录实体 ID。
type SeenCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	entity string
}

// NewSeenCache 创建缓存。
//
// 参数:
//
//	rdb: Redis 客户端，nil 时所有操作为空操作
//	entity: 实体名（如 "review"），用于区分 key 空间
//	ttl: 记录有效期，<=0 时使用 24h
func NewSeenCache(rdb *redis.Client, entity string, ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenCache{rdb: rdb, ttl: ttl, entity: entity}
}

// MarkSeen 标记 id，返回该 id 在有效期内是否已被标记过。
func (c *SeenCache) MarkSeen(ctx context.Context, id string) (bool, error) {
	if c == nil || c.rdb == nil || id == "" {
		return false, nil
	}
	ok, err := c.rdb.SetNX(ctx, c.key(id), "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen cache setnx: %w", err)
	}
	return !ok, nil
}

// Forget 删除标记（写库失败时回滚缓存）。
func (c *SeenCache) Forget(ctx context.Context, id string) error {
	if c == nil || c.rdb == nil || id == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("seen cache del: %w", err)
	}
	return nil
}

func (c *SeenCache) key(id string) string {
	return keyPrefix + c.entity + ":" + id
}
