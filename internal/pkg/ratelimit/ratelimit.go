// Package ratelimit implements a keyed token bucket stored in Redis so every
// API replica shares the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"codeverse/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrWaitTimeout = errors.New("rate limit wait timeout")

// KEYS[1] 桶；ARGV: 每秒补充令牌数, 桶容量, 当前毫秒时间, 本次消耗数。
// 返回 {是否放行, 还需等待的毫秒数}。
const tokenBucketLua = `
local bucket = KEYS[1]
local per_sec = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", bucket, "level", "updated_ms")
local level = tonumber(state[1]) or capacity
local updated_ms = tonumber(state[2]) or now_ms

local elapsed = now_ms - updated_ms
if elapsed > 0 then
  level = math.min(capacity, level + elapsed * per_sec / 1000.0)
end

local ok = 0
local retry_ms = 0
if level < cost then
  retry_ms = math.ceil((cost - level) * 1000.0 / per_sec)
else
  ok = 1
  level = level - cost
end

redis.call("HSET", bucket, "level", tostring(level), "updated_ms", tostring(now_ms))
redis.call("PEXPIRE", bucket, math.ceil(capacity * 2000.0 / per_sec))
return {ok, retry_ms}
`

// Decision 一次限流判断的结果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter 按 key 分桶的令牌桶限流器。rate<=0 或 burst<=0 时不限流。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	rate   float64
	burst  float64
	now    func() time.Time
	script *redis.Script
}

// New 创建限流器，prefix 为空时使用默认前缀。
func New(rdb *redis.Client, prefix string, rate, burst float64) *Limiter {
	if prefix == "" {
		prefix = "codeverse:ratelimit"
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Enabled 报告限流是否生效。
func (l *Limiter) Enabled() bool {
	return l != nil && l.rdb != nil && l.rate > 0 && l.burst > 0
}

// Allow 尝试从 key 对应的桶中取一个令牌，不阻塞。
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	bucket := l.prefix + ":" + key
	res, err := l.script.Run(ctx, l.rdb, []string{bucket}, l.rate, l.burst, l.now().UnixMilli(), 1).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return Decision{}, fmt.Errorf("ratelimit invalid result: %v", res)
	}
	d := Decision{Allowed: toInt64(values[0]) == 1}
	if !d.Allowed {
		d.RetryAfter = time.Duration(toInt64(values[1])) * time.Millisecond
	}
	return d, nil
}

// Wait 阻塞直到取得令牌或 ctx 结束（返回 ErrWaitTimeout）。
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}

	began := time.Now()
	for {
		d, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if d.Allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(began).Seconds())
			return nil
		}

		pause := time.NewTimer(backoff(d.RetryAfter))
		select {
		case <-pause.C:
		case <-ctx.Done():
			pause.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(began).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrWaitTimeout
		}
	}
}

// backoff 在建议等待时间上加少量随机抖动，避免多个等待者同时醒来。
func backoff(retryAfter time.Duration) time.Duration {
	const (
		minPause = 50 * time.Millisecond
		jitter   = 10 * time.Millisecond
	)
	if retryAfter < minPause {
		retryAfter = minPause
	}
	return retryAfter + time.Duration(rand.Int63n(int64(jitter)))
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
