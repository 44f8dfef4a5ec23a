package identity

import (
	"context"
	"time"

	"codeverse/internal/model"
)

// Store 是凭证存储。所有方法只按账户唯一键访问记录。
//
// 验证码相关字段只能通过带条件的更新修改：条件不满足时返回 ErrConflict，
// 调用方需要重新读取后再决定下一步。
type Store interface {
	// FindAccount 查询账户，不存在时返回 ErrAccountNotFound。
	FindAccount(ctx context.Context, lookup Lookup) (*model.Account, error)
	// FindAccountByID 按 ID 查询账户，不存在时返回 ErrAccountNotFound。
	FindAccountByID(ctx context.Context, id string) (*model.Account, error)
	// CreateAccount 在同一事务中写入新账户与资料（profile 可以为空），
	// 用户名或邮箱冲突时返回 ErrDuplicateIdentifier。
	CreateAccount(ctx context.Context, account *model.Account, profile *model.Profile) error
	// DeleteUnverified 删除仍未验证的账户；账户已验证时返回 ErrConflict。
	DeleteUnverified(ctx context.Context, id string) error
	// RotateCode 仅当当前验证码等于 expectedCode 且账户未验证时替换验证码。
	RotateCode(ctx context.Context, id, expectedCode, code string, expiresAt time.Time) error
	// MarkVerified 仅当当前验证码等于 code 且账户未验证时将账户置为已验证。
	MarkVerified(ctx context.Context, id, code string, at time.Time) error
}

// CodeNotice 是发给用户的验证码通知内容。
type CodeNotice struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Notifier 投递验证码。调用是尽力而为的：失败只记录告警，不影响业务结果。
type Notifier interface {
	NotifyVerificationCode(ctx context.Context, notice CodeNotice) error
}
