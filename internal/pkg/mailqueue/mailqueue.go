// Package mailqueue moves verification mails through a Redis Stream so a
// separate mailer process can deliver them.
package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认 Stream 名称。
const DefaultStream = "codeverse:mail:verification"

const maxStreamLen = 100000

// Stream 封装 Redis Stream 的基本操作。
type Stream struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
}

// NewStream 创建 Stream，name 为空时使用 DefaultStream。
func NewStream(rdb *redis.Client, logger *slog.Logger, name string) *Stream {
	if name == "" {
		name = DefaultStream
	}
	return &Stream{rdb: rdb, logger: logger, name: name}
}

// Name 返回 Stream 名称。
func (s *Stream) Name() string { return s.name }

// Publish 以 data 字段写入一条 JSON 消息。
func (s *Stream) Publish(ctx context.Context, msg *VerificationMail) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.publishRaw(ctx, s.name, map[string]interface{}{"data": string(data)})
}

func (s *Stream) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	s.logger.Debug("mail message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateGroup 创建消费者组，已存在时忽略。
func (s *Stream) CreateGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Len 返回 Stream 中的消息数。
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}
