package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/email"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
	"github.com/EmreUYGUNX/lumi-identity/internal/security"
)

// fakeMailer records every message instead of delivering it.
type fakeMailer struct {
	mu                 sync.Mutex
	verificationTokens map[string]string
	resetTokens        map[string]string
	lockoutNotices     []string
	newDeviceAlerts    []string
	changedNotices     []string
}

var _ email.Sender = (*fakeMailer)(nil)

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		verificationTokens: make(map[string]string),
		resetTokens:        make(map[string]string),
	}
}

func (m *fakeMailer) SendWelcomeEmail(context.Context, string, string) error { return nil }

func (m *fakeMailer) SendVerificationEmail(_ context.Context, to, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verificationTokens[to] = token
	return nil
}

func (m *fakeMailer) SendPasswordResetEmail(_ context.Context, to, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetTokens[to] = token
	return nil
}

func (m *fakeMailer) SendPasswordChangedNotification(_ context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changedNotices = append(m.changedNotices, to)
	return nil
}

func (m *fakeMailer) SendNewDeviceLoginAlert(_ context.Context, to, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newDeviceAlerts = append(m.newDeviceAlerts, to)
	return nil
}

func (m *fakeMailer) SendAccountLockoutNotification(_ context.Context, to string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockoutNotices = append(m.lockoutNotices, to)
	return nil
}

func (m *fakeMailer) verificationToken(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verificationTokens[to]
}

func (m *fakeMailer) resetToken(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetTokens[to]
}

func (m *fakeMailer) lockoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lockoutNotices)
}

func (m *fakeMailer) newDeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.newDeviceAlerts)
}

type authStack struct {
	repos    *repository.Repositories
	rbac     *RBACService
	tokens   *TokenService
	sessions *SessionService
	auth     *AuthService
	guard    *InMemoryAuthAbuseGuard
	mailer   *fakeMailer
	recorder *AsyncSecurityEventRecorder
}

func newAuthStackForTest(t *testing.T) *authStack {
	t.Helper()

	repos := newReposForTest(t)
	mailer := newFakeMailer()
	recorder := NewAsyncSecurityEventRecorder(repos.Events, nil)
	rbac := NewRBACService(repos.Users, repos.Roles, repos.Perms, NewInMemoryRBACPermissionCacheStore(), time.Minute)
	jwt := security.NewJWTManager("identity-test", "identity-clients", "test-secret-0123456789abcdef")
	blacklist := NewInMemoryTokenBlacklist(0, nil)
	t.Cleanup(blacklist.Shutdown)

	tokens := NewTokenService(repos.Sessions, rbac, jwt, blacklist, recorder,
		"test-pepper", 15*time.Minute, 24*time.Hour, nil)
	sessions := NewSessionService(repos.Sessions, blacklist, recorder, 15*time.Minute, nil)
	guard := NewInMemoryAuthAbuseGuard(AuthAbusePolicy{
		FreeAttempts:     100,
		ResetWindow:      time.Minute,
		CaptchaThreshold: 5,
	})
	auth := NewAuthService(repos, tokens, sessions, guard, recorder, mailer, "test-pepper", AuthConfig{
		MaxLoginAttempts:     3,
		LockoutDuration:      time.Minute,
		BcryptCost:           4,
		VerificationTokenTTL: time.Hour,
		ResetTokenTTL:        time.Hour,
	}, nil)

	return &authStack{
		repos:    repos,
		rbac:     rbac,
		tokens:   tokens,
		sessions: sessions,
		auth:     auth,
		guard:    guard,
		mailer:   mailer,
		recorder: recorder,
	}
}

// registerVerified runs registration plus email verification for a test user.
func (st *authStack) registerVerified(t *testing.T, emailAddr, password string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.auth.Register(ctx, emailAddr, password, "Test User", DeviceContext{IP: "10.0.0.1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	st.auth.Flush()
	token := st.mailer.verificationToken(emailAddr)
	if token == "" {
		t.Fatal("no verification email captured")
	}
	if err := st.auth.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("verify email: %v", err)
	}
}
