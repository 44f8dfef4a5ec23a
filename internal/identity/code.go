package identity

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"
)

const (
	codeMin = 100000
	codeMax = 999999

	// DefaultCodeTTL 是验证码默认有效期。
	DefaultCodeTTL = 60 * time.Minute
)

// CodeSource 生成验证码及其过期时间。
type CodeSource interface {
	Generate(now time.Time) (code string, expiresAt time.Time, err error)
}

// CodeGenerator 在 [100000, 999999] 上均匀生成 6 位数字验证码。
type CodeGenerator struct {
	ttl    time.Duration
	random io.Reader
}

// NewCodeGenerator 创建验证码生成器，ttl <= 0 时使用 DefaultCodeTTL。
func NewCodeGenerator(ttl time.Duration) *CodeGenerator {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeGenerator{ttl: ttl, random: rand.Reader}
}

func (g *CodeGenerator) Generate(now time.Time) (string, time.Time, error) {
	n, err := rand.Int(g.random, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	code := strconv.FormatInt(n.Int64()+codeMin, 10)
	return code, now.Add(g.ttl), nil
}

// TTL 返回验证码有效期。
func (g *CodeGenerator) TTL() time.Duration {
	return g.ttl
}
