package identity

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost 与线上注册流程一致。
	DefaultBcryptCost = 10
	// maxPasswordBytes 是 bcrypt 能处理的最大输入长度。
	maxPasswordBytes = 72
)

// PasswordHasher 使用 bcrypt 生成和校验密码哈希。
type PasswordHasher struct {
	cost  int
	dummy []byte
}

// NewPasswordHasher 创建哈希器。cost 超出 bcrypt 范围时使用默认值。
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	// 未知账户登录时与该哈希比较，使两条失败路径耗时接近。
	dummy, err := bcrypt.GenerateFromPassword([]byte("codeverse-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("init dummy hash: %w", err)
	}
	return &PasswordHasher{cost: cost, dummy: dummy}, nil
}

// Hash 返回加盐哈希。
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password longer than %d bytes", ErrValidation, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Compare 校验明文与哈希是否匹配。不匹配是正常结果，不是错误。
func (h *PasswordHasher) Compare(hash, plaintext string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	return err == nil
}

// CompareDummy 执行一次必定失败的比较。
func (h *PasswordHasher) CompareDummy(plaintext string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plaintext))
}

// Cost 返回实际使用的 cost。
func (h *PasswordHasher) Cost() int {
	return h.cost
}
