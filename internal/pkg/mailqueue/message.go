package mailqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"codeverse/internal/identity"
)

// VerificationMail 是 Stream 中的一条验证码邮件消息。
type VerificationMail struct {
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Retry      int       `json:"retry"`
}

// NewVerificationMail 由验证码通知构建消息。
func NewVerificationMail(notice identity.CodeNotice) *VerificationMail {
	return &VerificationMail{
		Username:   notice.Username,
		Email:      notice.Email,
		Code:       notice.Code,
		ExpiresAt:  notice.ExpiresAt,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Notice 转回验证码通知。
func (m *VerificationMail) Notice() identity.CodeNotice {
	return identity.CodeNotice{
		Username:  m.Username,
		Email:     m.Email,
		Code:      m.Code,
		ExpiresAt: m.ExpiresAt,
	}
}

// Expired 验证码过期后邮件不再有意义。
func (m *VerificationMail) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func parseMessage(data string) (*VerificationMail, error) {
	var msg VerificationMail
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Email == "" || msg.Code == "" {
		return nil, fmt.Errorf("message missing email or code")
	}
	return &msg, nil
}
