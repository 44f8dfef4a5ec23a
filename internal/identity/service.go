package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeverse/internal/model"

	"github.com/google/uuid"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	defaultMaxRetries    = 3
)

// Service 编排注册、验证、登录与会话校验。
//
// Service 本身不持有可变状态，可被多个请求并发使用；
// 同一账户上的并发修改由 Store 的条件更新保证原子性。
type Service struct {
	store    Store
	hasher   *PasswordHasher
	codes    CodeSource
	signer   *Signer
	notifier Notifier
	logger   *slog.Logger

	now           func() time.Time
	newID         func() string
	notifyTimeout time.Duration
	minEntropy    float64
	maxRetries    int
}

// Option 配置 Service。
type Option func(*Service)

// WithClock 替换时间来源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换账户 ID 生成方式。
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithNotifyTimeout 设置单次通知的超时时间。
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithMinPasswordEntropy 设置密码最低熵（bit），0 表示不检查。
func WithMinPasswordEntropy(bits float64) Option {
	return func(s *Service) {
		s.minEntropy = bits
	}
}

// NewService 创建身份服务。notifier 可以为 nil，此时验证码不会投递。
func NewService(store Store, hasher *PasswordHasher, codes CodeSource, signer *Signer, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:         store,
		hasher:        hasher,
		codes:         codes,
		signer:        signer,
		notifier:      notifier,
		logger:        logger,
		now:           time.Now,
		newID:         func() string { return uuid.NewString() },
		notifyTimeout: defaultNotifyTimeout,
		maxRetries:    defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyResult 是 VerifyCode 的结果。
type VerifyResult struct {
	// AlreadyVerified 为 true 表示账户此前已完成验证，本次调用没有任何修改。
	AlreadyVerified bool
}

// Session 是登录成功后签发的会话。
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   *model.Account
}

// Register 创建未验证账户并发送首个验证码。
//
// 用户名或邮箱被已验证账户占用时返回 ErrDuplicateIdentifier，此时不做任何修改。
// 被未验证账户占用时，在所有检查通过后删除旧账户再注册。
// reg.Profile 不为空时与账户一起写入。
func (s *Service) Register(ctx context.Context, reg Registration) (*model.Account, error) {
	reg.normalize()
	if err := validateRegistration(reg, s.minEntropy); err != nil {
		return nil, err
	}

	stale, err := s.staleHolders(ctx, reg)
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(reg.Password)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		s.logger.Error("hash password failed", slog.String("username", reg.Username), slog.String("error", err.Error()))
		return nil, err
	}

	now := s.now()
	code, expiresAt, err := s.codes.Generate(now)
	if err != nil {
		s.logger.Error("generate verification code failed", slog.String("error", err.Error()))
		return nil, err
	}

	for _, holder := range stale {
		if err := s.reclaim(ctx, holder); err != nil {
			return nil, err
		}
	}

	account := &model.Account{
		ID:               s.newID(),
		Username:         reg.Username,
		Email:            reg.Email,
		PasswordHash:     hash,
		VerificationCode: code,
		CodeExpiresAt:    expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var profile *model.Profile
	if reg.Profile != nil {
		p := *reg.Profile
		p.AccountID = account.ID
		p.CreatedAt = now
		p.UpdatedAt = now
		profile = &p
	}
	if err := s.store.CreateAccount(ctx, account, profile); err != nil {
		return nil, s.storeFailure("create account", err)
	}

	s.logger.Info("account registered", slog.String("username", account.Username), slog.String("account_id", account.ID))
	s.notify(ctx, account, code, expiresAt)
	return account, nil
}

// staleHolder 是占用注册标识的未验证账户。
type staleHolder struct {
	account *model.Account
	by      LookupKind
}

// staleHolders 查询两个标识的当前持有者。任一持有者已验证时返回 ErrDuplicateIdentifier；
// 同一账户同时持有两个标识时只返回一次。
func (s *Service) staleHolders(ctx context.Context, reg Registration) ([]staleHolder, error) {
	var holders []staleHolder
	for _, lookup := range []Lookup{LookupUsername(reg.Username), LookupEmail(reg.Email)} {
		existing, err := s.store.FindAccount(ctx, lookup)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, s.storeFailure("find account", err)
		}
		if existing.Verified {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, lookup.Kind)
		}
		if len(holders) > 0 && holders[0].account.ID == existing.ID {
			continue
		}
		holders = append(holders, staleHolder{account: existing, by: lookup.Kind})
	}
	return holders, nil
}

// reclaim 删除占用标识的未验证账户。删除条件未命中时重新读取，账户已验证则报冲突。
func (s *Service) reclaim(ctx context.Context, holder staleHolder) error {
	id := holder.account.ID
	err := s.store.DeleteUnverified(ctx, id)
	if err == nil {
		s.logger.Info("unverified account reclaimed",
			slog.String("account_id", id),
			slog.String("by", holder.by.String()))
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		return s.storeFailure("delete unverified account", err)
	}

	// 账户可能已被删除，或刚刚完成验证。
	current, err := s.store.FindAccountByID(ctx, id)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return nil
	case err != nil:
		return s.storeFailure("find account", err)
	case current.Verified:
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, holder.by)
	default:
		return s.storeFailure("delete unverified account", ErrConflict)
	}
}

// RequestVerificationCode 为未验证账户生成新验证码并通知用户。
//
// 通知失败不会回滚新验证码，用户可以再次请求发送。
func (s *Service) RequestVerificationCode(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		account, err := s.store.FindAccount(ctx, LookupUsername(username))
		if err != nil {
			return s.storeFailure("find account", err)
		}
		if account.Verified {
			return ErrAlreadyVerified
		}

		code, expiresAt, err := s.rotate(ctx, account, s.now())
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.logger.Info("verification code issued", slog.String("username", username))
		s.notify(ctx, account, code, expiresAt)
		return nil
	}
	return s.storeFailure("rotate verification code", ErrConflict)
}

// VerifyCode 校验验证码。
//
// 已验证账户直接返回成功（AlreadyVerified）。验证码过期时生成新验证码并重新通知，
// 返回 ErrExpiredCode；不匹配返回 ErrInvalidCode，不修改任何状态。
func (s *Service) VerifyCode(ctx context.Context, username, code string) (VerifyResult, error) {
	username = strings.TrimSpace(username)
	code = strings.TrimSpace(code)
	if err := ValidateUsername(username); err != nil {
		return VerifyResult{}, err
	}
	if code == "" {
		return VerifyResult{}, fmt.Errorf("%w: code is required", ErrValidation)
	}

	account, err := s.store.FindAccount(ctx, LookupUsername(username))
	if err != nil {
		return VerifyResult{}, s.storeFailure("find account", err)
	}
	if account.Verified {
		return VerifyResult{AlreadyVerified: true}, nil
	}

	now := s.now()
	if account.CodeExpired(now) {
		newCode, expiresAt, err := s.rotate(ctx, account, now)
		switch {
		case err == nil:
			s.logger.Info("expired verification code replaced", slog.String("username", username))
			s.notify(ctx, account, newCode, expiresAt)
		case errors.Is(err, ErrConflict):
			// 并发请求已经替换了验证码，不重复生成。
		default:
			return VerifyResult{}, err
		}
		return VerifyResult{}, ErrExpiredCode
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(account.VerificationCode)) != 1 {
		return VerifyResult{}, ErrInvalidCode
	}

	err = s.store.MarkVerified(ctx, account.ID, code, now)
	if errors.Is(err, ErrConflict) {
		current, ferr := s.store.FindAccountByID(ctx, account.ID)
		if ferr == nil && current.Verified {
			return VerifyResult{AlreadyVerified: true}, nil
		}
		return VerifyResult{}, ErrInvalidCode
	}
	if err != nil {
		return VerifyResult{}, s.storeFailure("mark verified", err)
	}

	s.logger.Info("account verified", slog.String("username", username), slog.String("account_id", account.ID))
	return VerifyResult{}, nil
}

// rotate 用新验证码替换账户当前验证码（条件更新）。
func (s *Service) rotate(ctx context.Context, account *model.Account, now time.Time) (string, time.Time, error) {
	var (
		code      string
		expiresAt time.Time
		err       error
	)
	for i := 0; ; i++ {
		code, expiresAt, err = s.codes.Generate(now)
		if err != nil {
			s.logger.Error("generate verification code failed", slog.String("error", err.Error()))
			return "", time.Time{}, err
		}
		if code != account.VerificationCode {
			break
		}
		if i >= 4 {
			return "", time.Time{}, errors.New("generate code: kept repeating the previous code")
		}
	}

	if err := s.store.RotateCode(ctx, account.ID, account.VerificationCode, code, expiresAt); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, s.storeFailure("rotate verification code", err)
	}
	account.VerificationCode = code
	account.CodeExpiresAt = expiresAt
	return code, expiresAt, nil
}

// SignIn 使用用户名或邮箱加密码登录。
//
// 账户不存在与密码错误返回同一个 ErrInvalidCredentials。
func (s *Service) SignIn(ctx context.Context, identifier, password string) (*Session, error) {
	lookup := LookupIdentifier(identifier)
	if lookup.Value == "" || password == "" {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}

	account, err := s.store.FindAccount(ctx, lookup)
	if errors.Is(err, ErrAccountNotFound) {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, s.storeFailure("find account", err)
	}
	if !s.hasher.Compare(account.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.signer.Issue(account.ID, account.Username)
	if err != nil {
		s.logger.Error("issue session failed", slog.String("account_id", account.ID), slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.Info("account signed in", slog.String("username", account.Username), slog.Bool("verified", account.Verified))
	return &Session{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

// ValidateSession 校验会话令牌并返回其中的声明。
func (s *Service) ValidateSession(token string) (*Claims, error) {
	return s.signer.Parse(token)
}

// UsernameAvailable 判断用户名是否可注册。仅被未验证账户占用的用户名视为可用。
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return false, err
	}
	account, err := s.store.FindAccount(ctx, LookupUsername(username))
	if errors.Is(err, ErrAccountNotFound) {
		return true, nil
	}
	if err != nil {
		return false, s.storeFailure("find account", err)
	}
	return !account.Verified, nil
}

// Account 按 ID 返回账户。
func (s *Service) Account(ctx context.Context, id string) (*model.Account, error) {
	account, err := s.store.FindAccountByID(ctx, id)
	if err != nil {
		return nil, s.storeFailure("find account", err)
	}
	return account, nil
}

func (s *Service) notify(ctx context.Context, account *model.Account, code string, expiresAt time.Time) {
	if s.notifier == nil {
		s.logger.Warn("notifier not configured, verification code not delivered", slog.String("username", account.Username))
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	notice := CodeNotice{
		Username:  account.Username,
		Email:     account.Email,
		Code:      code,
		ExpiresAt: expiresAt,
	}
	if err := s.notifier.NotifyVerificationCode(nctx, notice); err != nil {
		err = fmt.Errorf("%w: %w", ErrNotifier, err)
		s.logger.Warn("deliver verification code failed",
			slog.String("username", account.Username),
			slog.String("error", err.Error()))
	}
}

// storeFailure 记录基础设施错误；业务错误原样返回。
func (s *Service) storeFailure(op string, err error) error {
	switch KindOf(err) {
	case KindStorage, KindInternal:
		s.logger.Error(op+" failed", slog.String("error", err.Error()))
		if !errors.Is(err, ErrStorage) {
			return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
		}
	}
	return err
}
