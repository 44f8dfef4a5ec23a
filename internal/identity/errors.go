package identity

import "errors"

// 业务错误。调用方通过 errors.Is 或 KindOf 判断类型。
var (
	ErrValidation          = errors.New("validation failed")
	ErrDuplicateIdentifier = errors.New("username or email already taken")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrExpiredCode         = errors.New("verification code expired")
	ErrAlreadyVerified     = errors.New("account already verified")

	ErrMissingToken     = errors.New("missing session token")
	ErrInvalidSignature = errors.New("invalid session signature")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrSessionExpired   = errors.New("session expired")

	ErrStorage  = errors.New("storage failure")
	ErrNotifier = errors.New("notifier failure")

	// ErrConflict 由存储层在条件更新未命中时返回（记录已被并发修改）。
	ErrConflict = errors.New("record changed concurrently")
)

// Kind 是对外暴露的稳定错误类型。
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation_failed"
	KindDuplicateIdentifier Kind = "duplicate_identifier"
	KindAccountNotFound     Kind = "account_not_found"
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindInvalidCode         Kind = "invalid_code"
	KindExpiredCode         Kind = "expired_code"
	KindAlreadyVerified     Kind = "already_verified"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindStorage             Kind = "storage_failure"
	KindNotifier            Kind = "notifier_failure"
	KindInternal            Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrDuplicateIdentifier, KindDuplicateIdentifier},
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrInvalidCode, KindInvalidCode},
	{ErrExpiredCode, KindExpiredCode},
	{ErrAlreadyVerified, KindAlreadyVerified},
	{ErrMissingToken, KindUnauthorized},
	{ErrInvalidSignature, KindForbidden},
	{ErrInvalidToken, KindForbidden},
	{ErrSessionExpired, KindForbidden},
	{ErrStorage, KindStorage},
	{ErrConflict, KindStorage},
	{ErrNotifier, KindNotifier},
}

// KindOf 将错误映射为 Kind。nil 返回 KindNone，未知错误返回 KindInternal。
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
