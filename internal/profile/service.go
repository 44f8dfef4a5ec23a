package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeverse/internal/identity"
	"codeverse/internal/model"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound         = errors.New("profile not found")
	ErrAlreadyCompleted = errors.New("profile already completed")
	ErrNotVerified      = errors.New("account not verified")
)

var validate = validator.New()

// Store 持久化资料扩展。
type Store interface {
	// Find 查询资料，不存在时返回 ErrNotFound。
	Find(ctx context.Context, accountID string) (*model.Profile, error)
	// Complete 写入详细资料，已补全过时返回 ErrAlreadyCompleted。
	Complete(ctx context.Context, accountID string, p *model.Profile) error
}

// Accounts 提供账户验证状态。
type Accounts interface {
	Account(ctx context.Context, id string) (*model.Account, error)
}

// Basics 是注册时提交的基础资料。
type Basics struct {
	Name      string   `json:"name" validate:"required,min=2,max=50"`
	Bio       string   `json:"bio" validate:"max=500"`
	AvatarURL string   `json:"avatarUrl" validate:"omitempty,url"`
	Location  []string `json:"location" validate:"max=5,dive,max=100"`
	Website   string   `json:"website" validate:"omitempty,url"`
}

// Details 是账户验证后补全的详细资料。
type Details struct {
	Role         model.ProfileRole `json:"role"`
	About        string            `json:"about" validate:"max=2000"`
	Technologies []string          `json:"technologies" validate:"max=30,dive,min=1,max=50"`
	SocialLinks  model.SocialLinks `json:"socialLinks"`
	Projects     []model.Project   `json:"projects" validate:"max=20"`
}

// Service 管理账户资料扩展。
type Service struct {
	store    Store
	accounts Accounts
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, accounts Accounts, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, accounts: accounts, logger: logger, now: time.Now}
}

// Validate 校验基础资料。
func (b Basics) Validate() error {
	b.Name = strings.TrimSpace(b.Name)
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", identity.ErrValidation, err)
	}
	return nil
}

// Profile 校验基础资料并转换为资料记录，AccountID 由注册流程填写。
func (b Basics) Profile() (*model.Profile, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &model.Profile{
		Name:      strings.TrimSpace(b.Name),
		Bio:       strings.TrimSpace(b.Bio),
		AvatarURL: b.AvatarURL,
		Location:  b.Location,
		Website:   b.Website,
	}, nil
}

// Complete 补全详细资料。账户必须已验证，且只能补全一次。
func (s *Service) Complete(ctx context.Context, accountID string, d Details) (*model.Profile, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrValidation, err)
	}
	if strings.TrimSpace(d.Role.Role) == "" {
		return nil, fmt.Errorf("%w: role is required", identity.ErrValidation)
	}

	account, err := s.accounts.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Verified {
		return nil, ErrNotVerified
	}

	now := s.now()
	p := &model.Profile{
		Role:         d.Role,
		About:        strings.TrimSpace(d.About),
		Technologies: d.Technologies,
		SocialLinks:  d.SocialLinks,
		Projects:     d.Projects,
		CompletedAt:  &now,
	}
	if err := s.store.Complete(ctx, accountID, p); err != nil {
		if !errors.Is(err, ErrAlreadyCompleted) {
			s.logger.Error("complete profile failed", slog.String("account_id", accountID), slog.String("error", err.Error()))
		}
		return nil, err
	}
	p.AccountID = accountID

	s.logger.Info("profile completed", slog.String("account_id", accountID))
	return p, nil
}

// Get 返回账户资料。
func (s *Service) Get(ctx context.Context, accountID string) (*model.Profile, error) {
	return s.store.Find(ctx, accountID)
}
