// Package notify delivers verification codes to users.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"codeverse/internal/identity"
	"codeverse/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// ErrNotConfigured SMTP 未配置。
var ErrNotConfigured = errors.New("notify: email not configured")

// Sender 发送已构建好的邮件，*gomail.Dialer 满足该接口。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// LogNotifier 只把验证码写进日志，用于未配置 SMTP 的本地环境。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建 LogNotifier。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyVerificationCode implements identity.Notifier.
func (n *LogNotifier) NotifyVerificationCode(ctx context.Context, notice identity.CodeNotice) error {
	n.logger.InfoContext(ctx, "verification code issued",
		slog.String("username", notice.Username),
		slog.String("code", notice.Code),
		slog.Time("expires_at", notice.ExpiresAt))
	metrics.NotificationsTotal.WithLabelValues("log", "sent").Inc()
	return nil
}
