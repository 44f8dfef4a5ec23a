package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"codeverse/internal/config"
	"codeverse/internal/identity"
	"codeverse/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送验证码邮件。
type EmailNotifier struct {
	cfg    config.EmailConfig
	sender Sender
	logger *slog.Logger
}

// NewEmailNotifier 创建使用 gomail.Dialer 的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	return NewEmailNotifierWithSender(cfg, dialer, logger)
}

// NewEmailNotifierWithSender 使用自定义 Sender 创建邮件通知器。
func NewEmailNotifierWithSender(cfg *config.EmailConfig, sender Sender, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    *cfg,
		sender: sender,
		logger: logger,
	}
}

// NotifyVerificationCode 发送验证码邮件，ctx 结束时放弃等待。
func (n *EmailNotifier) NotifyVerificationCode(ctx context.Context, notice identity.CodeNotice) error {
	if !n.cfg.Configured() {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return ErrNotConfigured
	}
	if strings.TrimSpace(notice.Email) == "" {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return fmt.Errorf("notify: empty recipient for %s", notice.Username)
	}

	m := n.buildMessage(notice)

	done := make(chan error, 1)
	go func() {
		done <- n.sender.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
			return fmt.Errorf("send email: %w", err)
		}
	case <-ctx.Done():
		metrics.NotificationsTotal.WithLabelValues("email", "timeout").Inc()
		return fmt.Errorf("send email: %w", ctx.Err())
	}

	metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	n.logger.Info("verification email sent", slog.String("username", notice.Username))
	return nil
}

func (n *EmailNotifier) buildMessage(notice identity.CodeNotice) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.FromEmail, n.cfg.FromName)
	m.SetHeader("To", notice.Email)
	m.SetHeader("Subject", fmt.Sprintf("[%s] Your verification code", n.cfg.FromName))
	m.SetBody("text/plain", plainBody(notice))
	m.AddAlternative("text/html", htmlBody(n.cfg.FromName, notice))
	return m
}

func plainBody(notice identity.CodeNotice) string {
	return fmt.Sprintf("Hi %s,\n\nYour verification code is %s.\nIt expires in %s.\n",
		notice.Username, notice.Code, validFor(notice.ExpiresAt))
}

func htmlBody(appName string, notice identity.CodeNotice) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>%s email verification</h2>
    <p>Hi %s, your verification code is:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">%s</div>
    <p>The code expires in %s.</p>
  </div>
</body>
</html>`, html.EscapeString(appName), html.EscapeString(notice.Username), notice.Code, validFor(notice.ExpiresAt))
}

// validFor 将过期时间转为“N minutes”形式，已过期时返回 0。
func validFor(expiresAt time.Time) string {
	left := time.Until(expiresAt).Round(time.Minute)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%d minutes", int(left.Minutes()))
}
