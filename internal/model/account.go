package model

import "time"

// Account 表示一个身份账户（凭证 + 验证状态）。
//
// 资料字段不在这里，见 Profile。
type Account struct {
	ID               string     `gorm:"type:char(36);primaryKey"`                // 账户 ID (uuid)
	Username         string     `gorm:"type:varchar(20);uniqueIndex;not null"`   // 用户名（唯一）
	Email            string     `gorm:"type:varchar(191);uniqueIndex;not null"`  // 邮箱（唯一）
	PasswordHash     string     `gorm:"not null"`                                // bcrypt 哈希
	Verified         bool       `gorm:"default:false;not null"`                  // 邮箱是否已验证
	VerificationCode string     `gorm:"type:varchar(16)"`                        // 当前有效验证码
	CodeExpiresAt    time.Time  `gorm:"not null"`                                // 验证码过期时间
	VerifiedAt       *time.Time // 验证通过时间
	CreatedAt        time.Time  // 创建时间
	UpdatedAt        time.Time  // 更新时间
}

// CodeExpired 判断验证码在 now 时刻是否已过期。
//
// 恰好等于过期时间时仍然有效。
func (a *Account) CodeExpired(now time.Time) bool {
	return now.After(a.CodeExpiresAt)
}
