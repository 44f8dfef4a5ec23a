package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"strings"
	"testing"
	"time"

	"codeverse/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	svc      *Service
	store    *memStore
	codes    *seqCodes
	notifier *recordingNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T, codes []string, opts ...Option) *testEnv {
	t.Helper()

	hasher, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	signer, err := NewSigner("test-secret", DefaultSessionTTL)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	signer.now = clock.Now

	env := &testEnv{
		store:    newMemStore(),
		codes:    &seqCodes{codes: codes, ttl: time.Hour},
		notifier: &recordingNotifier{},
		clock:    clock,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	env.svc = NewService(env.store, hasher, env.codes, signer, env.notifier, logger, opts...)
	return env
}

func (e *testEnv) register(t *testing.T, username, email, password string) {
	t.Helper()
	_, err := e.svc.Register(context.Background(), Registration{Username: username, Email: email, Password: password})
	require.NoError(t, err)
}

func TestRegister_CreatesUnverifiedAccountWithFutureExpiry(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})

	account, err := env.svc.Register(context.Background(), Registration{
		Username: "alice",
		Email:    "Alice@X.com",
		Password: "secret1",
	})
	require.NoError(t, err)

	assert.False(t, account.Verified)
	assert.Equal(t, "alice@x.com", account.Email)
	assert.NotEqual(t, "secret1", account.PasswordHash)
	assert.True(t, account.CodeExpiresAt.After(env.clock.Now()))

	stored := env.store.byUsername("alice")
	require.NotNil(t, stored)
	assert.Equal(t, "123456", stored.VerificationCode)

	sent := env.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "123456", sent[0].Code)
	assert.Equal(t, "alice@x.com", sent[0].Email)
}

func TestRegister_VerifiedCollisionFails(t *testing.T) {
	tests := []struct {
		name     string
		username string
		email    string
	}{
		{name: "same username", username: "alice", email: "other@x.com"},
		{name: "same email", username: "alice2", email: "alice@x.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []string{"123456"})
			env.register(t, "alice", "alice@x.com", "secret1")
			_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
			require.NoError(t, err)

			_, err = env.svc.Register(context.Background(), Registration{Username: tt.username, Email: tt.email, Password: "secret1"})
			assert.ErrorIs(t, err, ErrDuplicateIdentifier)
			assert.Equal(t, KindDuplicateIdentifier, KindOf(err))
		})
	}
}

func TestRegister_ReplacesStaleUnverifiedAccount(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222"})
	env.register(t, "alice", "alice@x.com", "secret1")
	first := env.store.byUsername("alice")
	require.NotNil(t, first)

	account, err := env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: "another1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, account.ID)
	_, err = env.store.FindAccountByID(context.Background(), first.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, "222222", env.store.byUsername("alice").VerificationCode)
}

func TestRegister_ReclaimsByEmailAndUsernameSeparately(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222", "333333"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.register(t, "bob", "bob@x.com", "secret1")

	// 新账户同时占用了两个旧账户的标识。
	_, err := env.svc.Register(context.Background(), Registration{Username: "alice", Email: "bob@x.com", Password: "secret1"})
	require.NoError(t, err)

	assert.Nil(t, env.store.byUsername("bob"))
	assert.Equal(t, "bob@x.com", env.store.byUsername("alice").Email)
}

func TestRegister_VerifiedEmailKeepsStaleUsernameHolder(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222", "333333"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.register(t, "bob", "bob@x.com", "secret1")
	_, err := env.svc.VerifyCode(context.Background(), "bob", "222222")
	require.NoError(t, err)

	_, err = env.svc.Register(context.Background(), Registration{Username: "alice", Email: "bob@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	stale := env.store.byUsername("alice")
	require.NotNil(t, stale, "rejected registration must not delete the unverified holder")
	assert.Equal(t, "111111", stale.VerificationCode)
	assert.Len(t, env.store.accounts, 2)
}

func TestRegister_RejectedPasswordLeavesStaleHolder(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222"})
	env.register(t, "alice", "alice@x.com", "secret1")

	// 72 个字符，216 个字节。
	long := strings.Repeat("密", 72)
	_, err := env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: long})
	assert.ErrorIs(t, err, ErrValidation)

	require.NotNil(t, env.store.byUsername("alice"))
	assert.Equal(t, "111111", env.store.byUsername("alice").VerificationCode)
}

func TestRegister_StoresProfileWithAccount(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})

	account, err := env.svc.Register(context.Background(), Registration{
		Username: "alice",
		Email:    "alice@x.com",
		Password: "secret1",
		Profile:  &model.Profile{Name: "Alice", Location: []string{"Pune"}},
	})
	require.NoError(t, err)

	p := env.store.profiles[account.ID]
	require.NotNil(t, p)
	assert.Equal(t, account.ID, p.AccountID)
	assert.Equal(t, "Alice", p.Name)

	// 重新注册时旧账户的资料随之删除。
	_, err = env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: "secret1"})
	require.NoError(t, err)
	assert.NotContains(t, env.store.profiles, account.ID)
}

func TestRegister_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		reg  Registration
	}{
		{name: "short username", reg: Registration{Username: "a", Email: "a@x.com", Password: "secret1"}},
		{name: "long username", reg: Registration{Username: "abcdefghijklmnopqrstu", Email: "a@x.com", Password: "secret1"}},
		{name: "bad characters", reg: Registration{Username: "al-ice", Email: "a@x.com", Password: "secret1"}},
		{name: "bad email", reg: Registration{Username: "alice", Email: "not-an-email", Password: "secret1"}},
		{name: "short password", reg: Registration{Username: "alice", Email: "a@x.com", Password: "abc"}},
		{name: "missing password", reg: Registration{Username: "alice", Email: "a@x.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []string{"123456"})
			_, err := env.svc.Register(context.Background(), tt.reg)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, env.store.accounts)
		})
	}
}

func TestRegister_WeakPasswordRejectedWhenEntropyRequired(t *testing.T) {
	env := newTestEnv(t, []string{"123456"}, WithMinPasswordEntropy(60))

	_, err := env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: "Tr0ub4dour&3-horse-Battery"})
	assert.NoError(t, err)
}

func TestRegister_StorageFailureIsReported(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.store.findErr = errors.New("connection refused")

	_, err := env.svc.Register(context.Background(), Registration{Username: "alice", Email: "alice@x.com", Password: "secret1"})
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestScenario_VerifyBeforeExpiry(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")

	account := env.store.byUsername("alice")
	assert.Equal(t, "123456", account.VerificationCode)
	assert.Equal(t, env.clock.Now().Add(time.Hour), account.CodeExpiresAt)

	env.clock.Advance(30 * time.Minute)
	res, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)
	assert.False(t, res.AlreadyVerified)
	assert.True(t, env.store.byUsername("alice").Verified)
}

func TestScenario_ExpiredCodeRegenerates(t *testing.T) {
	env := newTestEnv(t, []string{"123456", "654321"})
	env.register(t, "alice", "alice@x.com", "secret1")
	oldExpiry := env.store.byUsername("alice").CodeExpiresAt

	env.clock.Advance(61 * time.Minute)
	_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	assert.ErrorIs(t, err, ErrExpiredCode)

	account := env.store.byUsername("alice")
	assert.False(t, account.Verified)
	assert.Equal(t, "654321", account.VerificationCode)
	assert.True(t, account.CodeExpiresAt.After(oldExpiry))

	sent := env.notifier.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "654321", sent[1].Code)

	_, err = env.svc.VerifyCode(context.Background(), "alice", "654321")
	require.NoError(t, err)
	assert.True(t, env.store.byUsername("alice").Verified)
}

func TestVerifyCode_ExpiredNeverVerifiesEvenWithWrongCode(t *testing.T) {
	env := newTestEnv(t, []string{"123456", "654321"})
	env.register(t, "alice", "alice@x.com", "secret1")

	env.clock.Advance(2 * time.Hour)
	_, err := env.svc.VerifyCode(context.Background(), "alice", "000000")
	assert.ErrorIs(t, err, ErrExpiredCode)
	assert.False(t, env.store.byUsername("alice").Verified)
}

func TestVerifyCode_AtExactExpiryStillValid(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")

	env.clock.Advance(time.Hour)
	_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)
}

func TestVerifyCode_ReplayOnVerifiedAccountIsNoop(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")

	_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)
	verifiedAt := env.store.byUsername("alice").VerifiedAt

	env.clock.Advance(2 * time.Hour)
	res, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)
	assert.True(t, res.AlreadyVerified)
	assert.Equal(t, verifiedAt, env.store.byUsername("alice").VerifiedAt)
}

func TestVerifyCode_InvalidCodeDoesNotMutate(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")
	before := env.store.byUsername("alice")

	_, err := env.svc.VerifyCode(context.Background(), "alice", "999999")
	assert.ErrorIs(t, err, ErrInvalidCode)

	after := env.store.byUsername("alice")
	assert.Equal(t, before, after)
}

func TestVerifyCode_AccountNotFound(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})

	_, err := env.svc.VerifyCode(context.Background(), "nobody", "123456")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRequestVerificationCode_InvalidatesPreviousCode(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222"})
	env.register(t, "alice", "alice@x.com", "secret1")

	require.NoError(t, env.svc.RequestVerificationCode(context.Background(), "alice"))
	assert.Equal(t, "222222", env.store.byUsername("alice").VerificationCode)

	_, err := env.svc.VerifyCode(context.Background(), "alice", "111111")
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = env.svc.VerifyCode(context.Background(), "alice", "222222")
	assert.NoError(t, err)
}

func TestRequestVerificationCode_NotifierFailureKeepsNewCode(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.notifier.err = errors.New("smtp down")

	err := env.svc.RequestVerificationCode(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "222222", env.store.byUsername("alice").VerificationCode)
}

func TestRequestVerificationCode_Errors(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")
	_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)

	err = env.svc.RequestVerificationCode(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	err = env.svc.RequestVerificationCode(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	err = env.svc.RequestVerificationCode(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequestVerificationCode_RetriesOnConflict(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222", "333333"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.store.rotateConflicts = 1

	require.NoError(t, env.svc.RequestVerificationCode(context.Background(), "alice"))
	assert.Equal(t, 2, env.store.rotateCalls)
	assert.Equal(t, "333333", env.store.byUsername("alice").VerificationCode)
}

func TestRequestVerificationCode_GivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t, []string{"111111", "222222"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.store.rotateConflicts = 10

	err := env.svc.RequestVerificationCode(context.Background(), "alice")
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, "111111", env.store.byUsername("alice").VerificationCode)
}

func TestRequestVerificationCode_ConcurrentRequestsLeaveDeliveredCode(t *testing.T) {
	codes := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		codes = append(codes, strconv.Itoa(100000+i))
	}
	env := newTestEnv(t, codes)
	env.register(t, "alice", "alice@x.com", "secret1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.svc.RequestVerificationCode(context.Background(), "alice")
			if err != nil {
				assert.Equal(t, KindStorage, KindOf(err))
			}
		}()
	}
	wg.Wait()

	current := env.store.byUsername("alice").VerificationCode
	delivered := false
	for _, n := range env.notifier.sent() {
		if n.Code == current {
			delivered = true
		}
	}
	assert.True(t, delivered, "stored code %s was never delivered", current)
}

func TestSignIn_UniformFailure(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")

	_, errUnknown := env.svc.SignIn(context.Background(), "nobody", "secret1")
	_, errWrong := env.svc.SignIn(context.Background(), "alice", "wrong-password")

	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.Equal(t, KindOf(errUnknown), KindOf(errWrong))
}

func TestSignIn_ByUsernameOrEmail(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")

	for _, identifier := range []string{"alice", "alice@x.com", " ALICE@x.com "} {
		session, err := env.svc.SignIn(context.Background(), identifier, "secret1")
		require.NoError(t, err, identifier)
		assert.False(t, session.Account.Verified)
		assert.Equal(t, env.clock.Now().Add(DefaultSessionTTL), session.ExpiresAt)

		claims, err := env.svc.ValidateSession(session.Token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
		assert.Equal(t, session.Account.ID, claims.UserID)
	}
}

func TestSignIn_ReportsVerifiedFlag(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")
	_, err := env.svc.VerifyCode(context.Background(), "alice", "123456")
	require.NoError(t, err)

	session, err := env.svc.SignIn(context.Background(), "alice", "secret1")
	require.NoError(t, err)
	assert.True(t, session.Account.Verified)
}

func TestValidateSession_ExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t, []string{"123456"})
	env.register(t, "alice", "alice@x.com", "secret1")
	session, err := env.svc.SignIn(context.Background(), "alice", "secret1")
	require.NoError(t, err)

	env.clock.Advance(DefaultSessionTTL + time.Second)
	_, err = env.svc.ValidateSession(session.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestUsernameAvailable(t *testing.T) {
	env := newTestEnv(t, []string{"123456", "654321"})
	env.register(t, "alice", "alice@x.com", "secret1")
	env.register(t, "bob", "bob@x.com", "secret1")
	_, err := env.svc.VerifyCode(context.Background(), "bob", "654321")
	require.NoError(t, err)

	available, err := env.svc.UsernameAvailable(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, available)

	available, err = env.svc.UsernameAvailable(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, available, "unverified holder can be reclaimed")

	available, err = env.svc.UsernameAvailable(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, available)

	_, err = env.svc.UsernameAvailable(context.Background(), "x!")
	assert.ErrorIs(t, err, ErrValidation)
}
