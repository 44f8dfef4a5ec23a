package mailqueue

import (
	"context"
	"log/slog"

	"codeverse/internal/identity"
	"codeverse/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Producer 把验证码通知写入 Stream，实现 identity.Notifier。
type Producer struct {
	stream *Stream
	logger *slog.Logger
}

// NewProducer 创建 Producer。
func NewProducer(rdb *redis.Client, logger *slog.Logger, stream string) *Producer {
	return &Producer{
		stream: NewStream(rdb, logger, stream),
		logger: logger,
	}
}

// NotifyVerificationCode 发布邮件消息，由 mailer 进程异步发送。
func (p *Producer) NotifyVerificationCode(ctx context.Context, notice identity.CodeNotice) error {
	if err := p.stream.Publish(ctx, NewVerificationMail(notice)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("stream", "failed").Inc()
		p.logger.Error("publish verification mail failed",
			slog.String("username", notice.Username),
			slog.String("error", err.Error()))
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("stream", "queued").Inc()
	return nil
}

// Len 返回 Stream 长度。
func (p *Producer) Len(ctx context.Context) (int64, error) {
	return p.stream.Len(ctx)
}
