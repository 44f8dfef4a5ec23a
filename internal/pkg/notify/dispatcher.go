package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"codeverse/internal/identity"
	"codeverse/internal/pkg/queue"
)

// Dispatcher 把投递交给后台 worker 池，调用方不等待发送结果。
type Dispatcher struct {
	next    identity.Notifier
	queue   *queue.Queue
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher 创建 Dispatcher，timeout 为每次投递的上限。
func NewDispatcher(next identity.Notifier, q *queue.Queue, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		next:    next,
		queue:   q,
		timeout: timeout,
		logger:  logger,
	}
}

// NotifyVerificationCode 入队后立即返回；队列满或已关闭时返回错误。
func (d *Dispatcher) NotifyVerificationCode(_ context.Context, notice identity.CodeNotice) error {
	err := d.queue.TryEnqueue(queue.Task{
		Name:    "verification_code:" + notice.Username,
		Timeout: d.timeout,
		Run: func(ctx context.Context) error {
			return d.next.NotifyVerificationCode(ctx, notice)
		},
	})
	if err != nil {
		return fmt.Errorf("dispatch verification code: %w", err)
	}
	d.logger.Debug("verification code dispatched", slog.String("username", notice.Username))
	return nil
}
