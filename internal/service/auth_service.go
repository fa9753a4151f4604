package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/email"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
	"github.com/EmreUYGUNX/lumi-identity/internal/security"
)

// AuthConfig carries the tunables of the authentication flows.
type AuthConfig struct {
	MaxLoginAttempts     int
	LockoutDuration      time.Duration
	BcryptCost           int
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
}

// AuthService implements registration, email verification, login with
// lockout, refresh, logout, and the password reset and change flows.
type AuthService struct {
	repos    *repository.Repositories
	tokens   *TokenService
	sessions *SessionService
	guard    AuthAbuseGuard
	recorder SecurityEventRecorder
	mailer   email.Sender
	pepper   string
	cfg      AuthConfig
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewAuthService(
	repos *repository.Repositories,
	tokens *TokenService,
	sessions *SessionService,
	guard AuthAbuseGuard,
	recorder SecurityEventRecorder,
	mailer email.Sender,
	pepper string,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if guard == nil {
		guard = NewInMemoryAuthAbuseGuard(AuthAbusePolicy{})
	}
	if recorder == nil {
		recorder = NoopSecurityEventRecorder{}
	}
	if mailer == nil {
		mailer = email.NewLogSender(logger)
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = security.DefaultBcryptCost
	}
	if cfg.VerificationTokenTTL <= 0 {
		cfg.VerificationTokenTTL = 24 * time.Hour
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		repos:    repos,
		tokens:   tokens,
		sessions: sessions,
		guard:    guard,
		recorder: recorder,
		mailer:   mailer,
		pepper:   pepper,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegistrationResult is what a successful registration hands back. The raw
// verification token travels only by email; callers see the profile and the
// token's expiry.
type RegistrationResult struct {
	Profile               domain.Profile
	VerificationExpiresAt time.Time
}

// Register creates a pending account and sends the verification email. The
// raw verification token lives only in that email; the row stores its hash.
func (s *AuthService) Register(ctx context.Context, emailAddr, password, name string, device DeviceContext) (*RegistrationResult, error) {
	emailAddr = normalizeAuthIdentity(emailAddr)
	if err := validateEmail(emailAddr); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	taken, err := s.repos.Users.ExistsByEmail(emailAddr)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailTaken
	}

	hash, err := security.HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Email:        emailAddr,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Status:       domain.UserStatusPending,
	}
	if err := s.repos.Users.Create(user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	rawToken, expiresAt, err := s.issueVerificationToken(user.ID, domain.TokenPurposeEmailVerification, s.cfg.VerificationTokenTTL, device)
	if err != nil {
		return nil, err
	}
	s.dispatch(func(ctx context.Context) {
		if err := s.mailer.SendVerificationEmail(ctx, user.Email, rawToken); err != nil {
			s.logger.Error("verification email dispatch", "user_id", user.ID, "error", err)
		}
	})
	s.recorder.Record(ctx, domain.EventUserRegistered, &user.ID, device, map[string]any{
		"email": user.Email,
	})

	return &RegistrationResult{
		Profile:               user.Profile(),
		VerificationExpiresAt: expiresAt,
	}, nil
}

// VerifyEmail consumes a verification token and activates the account.
// Consumption is a conditional update, so a token can succeed at most once
// even under concurrent presentation.
func (s *AuthService) VerifyEmail(ctx context.Context, rawToken string) error {
	token, err := s.findToken(rawToken, domain.TokenPurposeEmailVerification)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.repos.WithTransaction(func(tx *repository.Repositories) error {
		consumed, err := tx.Tokens.Consume(token.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrTokenNotFound
		}
		return tx.Users.MarkVerified(token.UserID, now)
	})
	if err != nil {
		return err
	}

	if user, err := s.repos.Users.FindByID(token.UserID); err == nil {
		s.dispatch(func(ctx context.Context) {
			if err := s.mailer.SendWelcomeEmail(ctx, user.Email, user.Name); err != nil {
				s.logger.Error("welcome email dispatch", "user_id", user.ID, "error", err)
			}
		})
	}
	s.recorder.Record(ctx, domain.EventEmailVerified, &token.UserID, DeviceContext{}, nil)
	return nil
}

// ResendVerification issues a fresh verification token, invalidating any
// pending ones. It succeeds silently when the address is unknown or already
// verified, so it leaks nothing.
func (s *AuthService) ResendVerification(ctx context.Context, emailAddr string, device DeviceContext) error {
	emailAddr = normalizeAuthIdentity(emailAddr)
	user, err := s.repos.Users.FindByEmail(emailAddr)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified {
		return nil
	}

	if _, err := s.repos.Tokens.InvalidatePendingForUser(user.ID, domain.TokenPurposeEmailVerification, time.Now().UTC()); err != nil {
		return err
	}
	rawToken, _, err := s.issueVerificationToken(user.ID, domain.TokenPurposeEmailVerification, s.cfg.VerificationTokenTTL, device)
	if err != nil {
		return err
	}
	s.dispatch(func(ctx context.Context) {
		if err := s.mailer.SendVerificationEmail(ctx, user.Email, rawToken); err != nil {
			s.logger.Error("verification email dispatch", "user_id", user.ID, "error", err)
		}
	})
	return nil
}

// Login authenticates credentials and opens a session. Unknown addresses and
// wrong passwords are indistinguishable to the caller; only an active
// lockout and an unverified address surface as distinct errors.
func (s *AuthService) Login(ctx context.Context, emailAddr, password string, device DeviceContext) (*domain.Profile, *TokenPair, error) {
	emailAddr = normalizeAuthIdentity(emailAddr)

	user, err := s.repos.Users.FindByEmail(emailAddr)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, err
	}

	// An active lockout wins over throttling: no password work, no failure
	// counted, no cooldown disclosure.
	now := time.Now()
	if user != nil && user.LockedOut(now) {
		observability.RecordLoginAttempt("locked")
		s.recorder.Record(ctx, domain.EventLoginFailed, &user.ID, device, map[string]any{
			"reason": "account_locked",
		})
		return nil, nil, ErrAccountLocked
	}

	cooldown, err := s.guard.Check(ctx, AuthAbuseScopeLogin, emailAddr, device.IP)
	if err != nil {
		s.logger.Warn("abuse guard check", "error", err)
	} else if cooldown > 0 {
		observability.RecordLoginAttempt("throttled")
		return nil, nil, fmt.Errorf("%w: retry in %s", ErrTooManyAttempts, cooldown.Round(time.Second))
	}

	if user == nil {
		// Burn a hash comparison so unknown addresses cost the same as
		// wrong passwords.
		_, _ = security.VerifyPassword(password, dummyPasswordHash)
		return nil, nil, s.registerLoginFailure(ctx, emailAddr, device, nil, "unknown_email")
	}
	if user.Status == domain.UserStatusDisabled {
		return nil, nil, s.registerLoginFailure(ctx, emailAddr, device, &user.ID, "account_disabled")
	}

	match, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !match {
		failErr := s.registerLoginFailure(ctx, emailAddr, device, &user.ID, "bad_password")
		state, err := s.repos.Users.RecordLoginFailure(user.ID, s.cfg.MaxLoginAttempts, s.cfg.LockoutDuration)
		if err != nil {
			s.logger.Error("record login failure", "user_id", user.ID, "error", err)
		} else if state.LockedNow {
			observability.RecordAccountLockout()
			s.recorder.Record(ctx, domain.EventAccountLocked, &user.ID, device, map[string]any{
				"failed_count":  state.FailedCount,
				"lockout_until": state.LockoutUntil,
			})
			until := now.Add(s.cfg.LockoutDuration)
			if state.LockoutUntil != nil {
				until = *state.LockoutUntil
			}
			s.dispatch(func(ctx context.Context) {
				if err := s.mailer.SendAccountLockoutNotification(ctx, user.Email, until); err != nil {
					s.logger.Error("lockout email dispatch", "user_id", user.ID, "error", err)
				}
			})
		}
		return nil, nil, failErr
	}

	if !user.EmailVerified {
		observability.RecordLoginAttempt("unverified")
		s.recorder.Record(ctx, domain.EventLoginFailed, &user.ID, device, map[string]any{
			"reason": "email_not_verified",
		})
		return nil, nil, ErrEmailNotVerified
	}

	// An expired lockout clears on the first good login.
	if user.Status == domain.UserStatusLocked {
		if err := s.repos.Users.ClearLockout(user.ID); err != nil {
			return nil, nil, err
		}
	} else if user.FailedLoginCount > 0 {
		if err := s.repos.Users.ResetLoginFailures(user.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := s.guard.Reset(ctx, AuthAbuseScopeLogin, emailAddr, device.IP); err != nil {
		s.logger.Warn("abuse guard reset", "error", err)
	}

	newDevice := false
	if device.Fingerprint != "" {
		seen, err := s.repos.Sessions.HasFingerprint(user.ID, device.Fingerprint)
		if err != nil {
			s.logger.Warn("fingerprint lookup", "user_id", user.ID, "error", err)
		} else {
			newDevice = !seen
		}
	}

	pair, err := s.tokens.Issue(ctx, user, device)
	if err != nil {
		return nil, nil, err
	}

	if newDevice {
		s.recorder.Record(ctx, domain.EventNewDeviceLogin, &user.ID, device, nil)
		s.dispatch(func(ctx context.Context) {
			if err := s.mailer.SendNewDeviceLoginAlert(ctx, user.Email, device.IP, device.UserAgent); err != nil {
				s.logger.Error("new device email dispatch", "user_id", user.ID, "error", err)
			}
		})
	}

	observability.RecordLoginAttempt("success")
	s.recorder.Record(ctx, domain.EventLoginSucceeded, &user.ID, device, map[string]any{
		"session_id": pair.SessionID,
	})
	profile := user.Profile()
	return &profile, pair, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s *AuthService) Refresh(ctx context.Context, rawRefresh string, device DeviceContext) (*TokenPair, error) {
	return s.tokens.Rotate(ctx, rawRefresh, device)
}

// Logout ends the session the access token was minted under and blacklists
// the token itself. Logging out an already-dead session is not an error.
func (s *AuthService) Logout(ctx context.Context, claims *security.AccessClaims) error {
	userID, err := claims.UserID()
	if err != nil {
		return ErrTokenInvalid
	}
	if claims.SessionID != 0 {
		if _, err := s.repos.Sessions.RevokeByIDForUser(userID, claims.SessionID, domain.RevokeReasonLogout); err != nil &&
			!errors.Is(err, repository.ErrSessionNotFound) {
			return err
		}
	}
	if err := s.tokens.RevokeAccess(ctx, claims); err != nil {
		return err
	}
	observability.RecordSessionsRevoked(domain.RevokeReasonLogout, 1)
	s.recorder.Record(ctx, domain.EventSessionRevoked, &userID, DeviceContext{}, map[string]any{
		"session_id": claims.SessionID,
		"reason":     domain.RevokeReasonLogout,
	})
	return nil
}

// LogoutAll ends every session of the user, the current one included.
func (s *AuthService) LogoutAll(ctx context.Context, claims *security.AccessClaims) (int64, error) {
	userID, err := claims.UserID()
	if err != nil {
		return 0, ErrTokenInvalid
	}
	count, err := s.sessions.RevokeAllForUser(ctx, userID, domain.RevokeReasonUserRequest)
	if err != nil {
		return 0, err
	}
	if err := s.tokens.RevokeAccess(ctx, claims); err != nil {
		return count, err
	}
	return count, nil
}

// RequestPasswordReset starts the forgot-password flow. It reports success
// for unknown addresses too, so responses never reveal whether an account
// exists.
func (s *AuthService) RequestPasswordReset(ctx context.Context, emailAddr string, device DeviceContext) error {
	emailAddr = normalizeAuthIdentity(emailAddr)

	cooldown, err := s.guard.Check(ctx, AuthAbuseScopeForgot, emailAddr, device.IP)
	if err != nil {
		s.logger.Warn("abuse guard check", "error", err)
	} else if cooldown > 0 {
		return fmt.Errorf("%w: retry in %s", ErrTooManyAttempts, cooldown.Round(time.Second))
	}
	state, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeForgot, emailAddr, device.IP)
	if err != nil {
		s.logger.Warn("abuse guard register", "error", err)
	} else if state.CaptchaRequired {
		return &AbuseChallengeError{State: state, Err: ErrTooManyAttempts}
	}

	user, err := s.repos.Users.FindByEmail(emailAddr)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.Status == domain.UserStatusDisabled {
		return nil
	}

	if _, err := s.repos.Tokens.InvalidatePendingForUser(user.ID, domain.TokenPurposePasswordReset, time.Now().UTC()); err != nil {
		return err
	}
	rawToken, _, err := s.issueVerificationToken(user.ID, domain.TokenPurposePasswordReset, s.cfg.ResetTokenTTL, device)
	if err != nil {
		return err
	}
	s.dispatch(func(ctx context.Context) {
		if err := s.mailer.SendPasswordResetEmail(ctx, user.Email, rawToken); err != nil {
			s.logger.Error("password reset email dispatch", "user_id", user.ID, "error", err)
		}
	})
	observability.RecordPasswordReset("requested")
	s.recorder.Record(ctx, domain.EventPasswordResetRequested, &user.ID, device, nil)
	return nil
}

// ResetPassword consumes a reset token, replaces the password, clears any
// lockout, and revokes every session.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken, newPassword string, device DeviceContext) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	token, err := s.findToken(rawToken, domain.TokenPurposePasswordReset)
	if err != nil {
		return err
	}
	hash, err := security.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.repos.WithTransaction(func(tx *repository.Repositories) error {
		consumed, err := tx.Tokens.Consume(token.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrTokenNotFound
		}
		if err := tx.Users.SetPassword(token.UserID, hash); err != nil {
			return err
		}
		return tx.Users.ClearLockout(token.UserID)
	})
	if err != nil {
		return err
	}

	if _, err := s.sessions.RevokeAllForUser(ctx, token.UserID, domain.RevokeReasonPasswordReset); err != nil {
		s.logger.Error("revoke sessions after reset", "user_id", token.UserID, "error", err)
	}
	if user, err := s.repos.Users.FindByID(token.UserID); err == nil {
		s.dispatch(func(ctx context.Context) {
			if err := s.mailer.SendPasswordChangedNotification(ctx, user.Email); err != nil {
				s.logger.Error("password changed email dispatch", "user_id", user.ID, "error", err)
			}
		})
	}
	observability.RecordPasswordReset("completed")
	s.recorder.Record(ctx, domain.EventPasswordResetCompleted, &token.UserID, device, nil)
	return nil
}

// ChangePassword replaces the password of a signed-in user after checking
// the current one, and ends every other session.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, currentPassword, newPassword string, keepSessionID uint) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	user, err := s.repos.Users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrNotFound
		}
		return err
	}
	match, err := security.VerifyPassword(currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !match {
		return ErrInvalidCredentials
	}

	hash, err := security.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.repos.Users.SetPassword(userID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeOtherSessions(ctx, userID, keepSessionID); err != nil {
		s.logger.Error("revoke other sessions after change", "user_id", userID, "error", err)
	}
	s.dispatch(func(ctx context.Context) {
		if err := s.mailer.SendPasswordChangedNotification(ctx, user.Email); err != nil {
			s.logger.Error("password changed email dispatch", "user_id", userID, "error", err)
		}
	})
	s.recorder.Record(ctx, domain.EventPasswordChanged, &userID, DeviceContext{}, nil)
	return nil
}

// Flush waits for in-flight email dispatches. Tests and shutdown use it.
func (s *AuthService) Flush() {
	s.wg.Wait()
}

// registerLoginFailure counts the miss against the abuse guard and returns
// the error to surface: plain ErrInvalidCredentials, or the same wrapped in
// an AbuseChallengeError once the guard demands a challenge.
func (s *AuthService) registerLoginFailure(ctx context.Context, emailAddr string, device DeviceContext, userID *uint, reason string) error {
	state, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeLogin, emailAddr, device.IP)
	if err != nil {
		s.logger.Warn("abuse guard register", "error", err)
	}
	observability.RecordLoginAttempt("failure")
	s.recorder.Record(ctx, domain.EventLoginFailed, userID, device, map[string]any{
		"reason": reason,
	})
	if state.CaptchaRequired {
		return &AbuseChallengeError{State: state, Err: ErrInvalidCredentials}
	}
	return ErrInvalidCredentials
}

// findToken resolves a raw single-use token to its unconsumed, unexpired row.
func (s *AuthService) findToken(rawToken string, purpose domain.TokenPurpose) (*domain.VerificationToken, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, ErrTokenNotFound
	}
	hash := security.HashToken(rawToken, s.pepper)
	token, err := s.repos.Tokens.FindByHash(hash, purpose)
	if err != nil {
		if errors.Is(err, repository.ErrVerificationTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if token.ConsumedAt != nil {
		return nil, ErrTokenNotFound
	}
	if !token.ExpiresAt.After(time.Now()) {
		return nil, ErrTokenExpired
	}
	return token, nil
}

func (s *AuthService) issueVerificationToken(userID uint, purpose domain.TokenPurpose, ttl time.Duration, device DeviceContext) (string, time.Time, error) {
	raw, err := security.NewOpaqueToken()
	if err != nil {
		return "", time.Time{}, err
	}
	token := &domain.VerificationToken{
		UserID:           userID,
		TokenHash:        security.HashToken(raw, s.pepper),
		Purpose:          purpose,
		ExpiresAt:        time.Now().UTC().Add(ttl),
		RequestIP:        device.IP,
		RequestUserAgent: device.UserAgent,
	}
	if err := s.repos.Tokens.Create(token); err != nil {
		return "", time.Time{}, err
	}
	return raw, token.ExpiresAt, nil
}

func (s *AuthService) dispatch(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.Background())
	}()
}

// dummyPasswordHash is compared against when the email is unknown, keeping
// response timing independent of account existence. bcrypt hash of an
// unguessable throwaway value.
var dummyPasswordHash = func() string {
	h, err := security.HashPassword("timing-equalizer-not-a-real-password", security.DefaultBcryptCost)
	if err != nil {
		panic(err)
	}
	return h
}()

func validateEmail(emailAddr string) error {
	if emailAddr == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(emailAddr)
	if err != nil || addr.Address != emailAddr {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 characters", ErrValidation)
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("%w: password must contain letters and digits", ErrValidation)
	}
	return nil
}
