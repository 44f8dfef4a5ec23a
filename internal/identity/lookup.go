package identity

import "strings"

// LookupKind 指定按哪个标识查询账户。
type LookupKind int

const (
	ByUsername LookupKind = iota + 1
	ByEmail
	ByEither
)

func (k LookupKind) String() string {
	switch k {
	case ByUsername:
		return "username"
	case ByEmail:
		return "email"
	case ByEither:
		return "either"
	default:
		return "unknown"
	}
}

// Lookup 是一次显式的账户查询：按用户名、按邮箱，或二者任一。
type Lookup struct {
	Kind  LookupKind
	Value string
}

func LookupUsername(username string) Lookup {
	return Lookup{Kind: ByUsername, Value: strings.TrimSpace(username)}
}

func LookupEmail(email string) Lookup {
	return Lookup{Kind: ByEmail, Value: normalizeEmail(email)}
}

// LookupIdentifier 用于登录：标识既可能是用户名也可能是邮箱。
//
// 邮箱比较不区分大小写，因此值中含 @ 时按邮箱规则归一化。
func LookupIdentifier(identifier string) Lookup {
	v := strings.TrimSpace(identifier)
	if strings.Contains(v, "@") {
		v = normalizeEmail(v)
	}
	return Lookup{Kind: ByEither, Value: v}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
