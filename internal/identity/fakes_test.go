package identity

import (
	"context"
	"sync"
	"time"

	"codeverse/internal/model"
)

// memStore 是带条件更新语义的内存 Store。
type memStore struct {
	mu              sync.Mutex
	accounts        map[string]*model.Account
	profiles        map[string]*model.Profile
	findErr         error
	rotateConflicts int
	rotateCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*model.Account),
		profiles: make(map[string]*model.Profile),
	}
}

func (m *memStore) FindAccount(ctx context.Context, lookup Lookup) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, a := range m.accounts {
		switch lookup.Kind {
		case ByUsername:
			if a.Username == lookup.Value {
				return cloneAccount(a), nil
			}
		case ByEmail:
			if a.Email == lookup.Value {
				return cloneAccount(a), nil
			}
		case ByEither:
			if a.Username == lookup.Value || a.Email == lookup.Value {
				return cloneAccount(a), nil
			}
		}
	}
	return nil, ErrAccountNotFound
}

func (m *memStore) FindAccountByID(ctx context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (m *memStore) CreateAccount(ctx context.Context, account *model.Account, profile *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Username == account.Username || a.Email == account.Email {
			return ErrDuplicateIdentifier
		}
	}
	m.accounts[account.ID] = cloneAccount(account)
	if profile != nil {
		p := *profile
		m.profiles[account.ID] = &p
	}
	return nil
}

func (m *memStore) DeleteUnverified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.Verified {
		return ErrConflict
	}
	delete(m.accounts, id)
	delete(m.profiles, id)
	return nil
}

func (m *memStore) RotateCode(ctx context.Context, id, expectedCode, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateCalls++
	if m.rotateConflicts > 0 {
		m.rotateConflicts--
		return ErrConflict
	}
	a, ok := m.accounts[id]
	if !ok || a.Verified || a.VerificationCode != expectedCode {
		return ErrConflict
	}
	a.VerificationCode = code
	a.CodeExpiresAt = expiresAt
	return nil
}

func (m *memStore) MarkVerified(ctx context.Context, id, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.Verified || a.VerificationCode != code {
		return ErrConflict
	}
	a.Verified = true
	a.VerificationCode = ""
	a.VerifiedAt = &at
	return nil
}

func (m *memStore) byUsername(username string) *model.Account {
	a, err := m.FindAccount(context.Background(), LookupUsername(username))
	if err != nil {
		return nil
	}
	return a
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	return &c
}

// seqCodes 依次返回预设验证码。
type seqCodes struct {
	mu    sync.Mutex
	codes []string
	ttl   time.Duration
	next  int
}

func (s *seqCodes) Generate(now time.Time) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.codes[s.next%len(s.codes)]
	s.next++
	return code, now.Add(s.ttl), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []CodeNotice
	err     error
}

func (n *recordingNotifier) NotifyVerificationCode(ctx context.Context, notice CodeNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func (n *recordingNotifier) sent() []CodeNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]CodeNotice, len(n.notices))
	copy(out, n.notices)
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
