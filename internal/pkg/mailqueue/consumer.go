package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeverse/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FailureAction 失败消息的处理方式。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Consumer 以消费者组方式读取邮件消息。
type Consumer struct {
	stream           *Stream
	logger           *slog.Logger
	group            string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 阻塞时间（必须大于 0）。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.blockTime = d
		}
	}
}

// WithBatchSize 设置每次读取的消息数。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithPendingIdle 设置重新认领 Pending 消息的最小空闲时间，0 表示不认领。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		if stream != "" {
			c.deadLetterStream = stream
		}
	}
}

// WithMaxRetry 设置失败后重新入队的次数。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		if maxRetry >= 0 {
			c.maxRetry = maxRetry
		}
	}
}

// NewConsumer 创建消费者并确保消费者组存在。consumerID 为空时随机生成。
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, stream, group, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = "mailer-" + uuid.NewString()
	}

	s := NewStream(rdb, logger, stream)
	c := &Consumer{
		stream:           s,
		logger:           logger,
		group:            group,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: s.Name() + ":dlq",
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := s.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	c.logger.Info("mail consumer ready",
		slog.String("stream", s.Name()),
		slog.String("group", group),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// ConsumerID 返回消费者名称。
func (c *Consumer) ConsumerID() string { return c.consumerID }

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string { return c.deadLetterStream }

// Delivery 是读取到的一条消息。
type Delivery struct {
	ID      string
	Message *VerificationMail
}

// Read 先认领空闲的 Pending 消息，没有时再读新消息。无消息时返回空切片。
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	if c.pendingIdle > 0 {
		pending, err := c.readPending(ctx)
		if err != nil {
			return nil, err
		}
		if len(pending) > 0 {
			return pending, nil
		}
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Delivery, error) {
	messages, next, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.name,
		Group:    c.group,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if next != "" {
		c.pendingStart = next
	}
	if len(messages) > 0 {
		metrics.MailQueueAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parse(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Delivery, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.name, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return c.parse(ctx, messages), nil
}

func (c *Consumer) parse(ctx context.Context, messages []redis.XMessage) []*Delivery {
	if len(messages) == 0 {
		return nil
	}
	out := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.handlePoison(ctx, msg.ID, fmt.Sprintf("%v", msg.Values), "invalid message format")
			continue
		}
		mail, err := parseMessage(data)
		if err != nil {
			c.handlePoison(ctx, msg.ID, data, err.Error())
			continue
		}
		out = append(out, &Delivery{ID: msg.ID, Message: mail})
	}
	return out
}

// Ack 确认消息。
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	acked, err := c.stream.rdb.XAck(ctx, c.stream.name, c.group, ids...).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked < int64(len(ids)) {
		c.logger.Warn("some messages were not acked",
			slog.Int64("acked", acked),
			slog.Int("requested", len(ids)))
	}
	return nil
}

// HandleFailure 处理已确认但发送失败的消息：未超过重试次数时重新入队，否则进入死信。
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (FailureAction, error) {
	if d == nil || d.Message == nil {
		return FailureActionNone, fmt.Errorf("delivery is nil")
	}

	d.Message.Retry++
	if d.Message.Retry > c.maxRetry {
		metrics.MailQueueDLQTotal.Inc()
		return FailureActionDLQ, c.publishDeadLetter(ctx, d.ID, d.Message, cause)
	}
	return FailureActionRetry, c.stream.Publish(ctx, d.Message)
}

func (c *Consumer) handlePoison(ctx context.Context, id, payload, reason string) {
	c.logger.Warn("poison mail message", slog.String("msg_id", id), slog.String("reason", reason))
	metrics.MailQueueDLQTotal.Inc()
	if err := c.publishDeadLetter(ctx, id, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", id), slog.String("error", err.Error()))
	}
	if err := c.Ack(ctx, id); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", id), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, id string, payload interface{}, cause error) error {
	raw := payload
	if mail, ok := payload.(*VerificationMail); ok {
		if data, err := json.Marshal(mail); err == nil {
			raw = string(data)
		}
	}
	return c.stream.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": id,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 返回消费者组中未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.name, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
