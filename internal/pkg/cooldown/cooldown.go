// Package cooldown throttles repeated actions per key with a Redis SETNX lease.
package cooldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "codeverse:cooldown:"

// Cooldown 在 ttl 时间窗内每个 key 只放行一次。
type Cooldown struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New 创建 Cooldown。rdb 为空或 ttl<=0 时总是放行。
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Cooldown {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cooldown{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Acquire 尝试占用 key，失败时返回剩余等待时间。
func (c *Cooldown) Acquire(ctx context.Context, key string) (bool, time.Duration, error) {
	if c == nil || c.rdb == nil || c.ttl <= 0 || key == "" {
		return true, 0, nil
	}
	k := c.key(key)
	ok, err := c.rdb.SetNX(ctx, k, "1", c.ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := c.rdb.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown pttl: %w", err)
	}
	if ttl < 0 {
		ttl = c.ttl
	}
	return false, ttl, nil
}

// Release 提前释放 key，用于下游失败后允许立即重试。
func (c *Cooldown) Release(ctx context.Context, key string) error {
	if c == nil || c.rdb == nil || key == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cooldown del: %w", err)
	}
	return nil
}

func (c *Cooldown) key(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return c.prefix + hex.EncodeToString(sum[:])
}
