// Package mailer drains the verification-mail stream and sends each mail
// through SMTP on a bounded worker pool.
package mailer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"codeverse/internal/identity"
	"codeverse/internal/pkg/mailqueue"
	"codeverse/internal/pkg/queue"
)

const (
	readErrorBackoff = 200 * time.Millisecond
	failureTimeout   = 5 * time.Second
	limiterKey       = "smtp"
)

// Limiter 控制 SMTP 发送速率。
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Source 提供待发送的邮件消息。
type Source interface {
	Read(ctx context.Context) ([]*mailqueue.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	HandleFailure(ctx context.Context, d *mailqueue.Delivery, cause error) (mailqueue.FailureAction, error)
}

// Stats worker 统计快照。
type Stats struct {
	Received int64
	Sent     int64
	Failed   int64
	Expired  int64
}

// Worker 消费验证码邮件。
//
// 消息在发送前确认（至多一次）：进程崩溃时可能丢一封邮件，但不会重复发送。
// 发送失败的消息由 Source.HandleFailure 重新入队或进入死信。
type Worker struct {
	source      Source
	sender      identity.Notifier
	limiter     Limiter
	pool        *queue.Queue
	sendTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	received atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	expired  atomic.Int64
}

// NewWorker 创建 Worker。limiter 可以为 nil。
func NewWorker(source Source, sender identity.Notifier, limiter Limiter, pool *queue.Queue, sendTimeout time.Duration, logger *slog.Logger) *Worker {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Worker{
		source:      source,
		sender:      sender,
		limiter:     limiter,
		pool:        pool,
		sendTimeout: sendTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Run 循环读取并分发消息，直到 ctx 结束。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("mail worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("read mail stream failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			if err := w.dispatch(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, d *mailqueue.Delivery) error {
	w.received.Add(1)
	if err := w.source.Ack(ctx, d.ID); err != nil {
		// 未确认的消息保留在 Pending 中，稍后由 XAUTOCLAIM 认领。
		w.logger.Error("ack mail failed", slog.String("msg_id", d.ID), slog.String("error", err.Error()))
		return nil
	}

	if d.Message.Expired(w.now()) {
		w.expired.Add(1)
		w.logger.Info("drop expired verification mail",
			slog.String("msg_id", d.ID),
			slog.String("username", d.Message.Username))
		return nil
	}

	// 阻塞入队：worker 全忙时暂停读取。
	err := w.pool.Enqueue(ctx, queue.Task{
		Name:    "mail:" + d.ID,
		Timeout: w.sendTimeout,
		Run: func(taskCtx context.Context) error {
			return w.send(taskCtx, d)
		},
	})
	if err != nil {
		w.requeue(d, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (w *Worker) send(ctx context.Context, d *mailqueue.Delivery) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, limiterKey); err != nil {
			w.failed.Add(1)
			w.requeue(d, err)
			return err
		}
	}
	if err := w.sender.NotifyVerificationCode(ctx, d.Message.Notice()); err != nil {
		w.failed.Add(1)
		w.requeue(d, err)
		return err
	}
	w.sent.Add(1)
	return nil
}

func (w *Worker) requeue(d *mailqueue.Delivery, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), failureTimeout)
	defer cancel()
	action, err := w.source.HandleFailure(ctx, d, cause)
	if err != nil {
		w.logger.Error("handle mail failure failed",
			slog.String("msg_id", d.ID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Warn("verification mail failed",
		slog.String("msg_id", d.ID),
		slog.String("username", d.Message.Username),
		slog.String("action", string(action)),
		slog.String("cause", cause.Error()))
}

// Stats 返回统计快照。
func (w *Worker) Stats() Stats {
	return Stats{
		Received: w.received.Load(),
		Sent:     w.sent.Load(),
		Failed:   w.failed.Load(),
		Expired:  w.expired.Load(),
	}
}
