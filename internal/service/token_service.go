package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
	"github.com/EmreUYGUNX/lumi-identity/internal/security"
)

// TokenPair is what a successful login or refresh hands back. The refresh
// token is opaque and shown exactly once; only its peppered hash is stored.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        uint      `json:"session_id"`
}

// DeviceContext carries the request attributes bound to a session.
type DeviceContext struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// PermissionSnapshotter supplies the role and permission snapshot embedded
// in access tokens.
type PermissionSnapshotter interface {
	Snapshot(ctx context.Context, userID uint) (*domain.User, []uint, []string, error)
}

type TokenService struct {
	sessions   repository.SessionRepository
	snapshots  PermissionSnapshotter
	jwt        *security.JWTManager
	blacklist  TokenBlacklist
	recorder   SecurityEventRecorder
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

func NewTokenService(
	sessions repository.SessionRepository,
	snapshots PermissionSnapshotter,
	jwt *security.JWTManager,
	blacklist TokenBlacklist,
	recorder SecurityEventRecorder,
	pepper string,
	accessTTL, refreshTTL time.Duration,
	logger *slog.Logger,
) *TokenService {
	if recorder == nil {
		recorder = NoopSecurityEventRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		sessions:   sessions,
		snapshots:  snapshots,
		jwt:        jwt,
		blacklist:  blacklist,
		recorder:   recorder,
		pepper:     pepper,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Issue creates a new session for the user's device and mints the first
// token pair for it.
func (s *TokenService) Issue(ctx context.Context, user *domain.User, device DeviceContext) (*TokenPair, error) {
	_, roleIDs, perms, err := s.snapshots.Snapshot(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	refreshToken, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	jti := security.NewJTI()
	session := &domain.Session{
		UserID:           user.ID,
		RefreshTokenHash: security.HashToken(refreshToken, s.pepper),
		AccessTokenID:    &jti,
		Fingerprint:      device.Fingerprint,
		IPAddress:        device.IP,
		UserAgent:        device.UserAgent,
		ExpiresAt:        now.Add(s.refreshTTL),
	}
	if err := s.sessions.Create(session); err != nil {
		return nil, err
	}

	accessToken, err := s.jwt.SignAccessToken(user.ID, user.Email, roleIDs, perms, session.ID, jti, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refreshToken,
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
	}, nil
}

// Rotate exchanges a refresh token for a fresh pair. Each token is valid for
// exactly one exchange: a second presentation of a rotated-out token is
// treated as theft and kills the whole session.
func (s *TokenService) Rotate(ctx context.Context, rawRefresh string, device DeviceContext) (*TokenPair, error) {
	hash := security.HashToken(rawRefresh, s.pepper)

	session, err := s.sessions.FindActiveByHash(hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, s.classifyMissingRefresh(ctx, hash, device)
		}
		observability.RecordRefreshAttempt("error")
		return nil, err
	}

	user, roleIDs, perms, err := s.snapshots.Snapshot(ctx, session.UserID)
	if err != nil {
		observability.RecordRefreshAttempt("error")
		return nil, err
	}
	if user.Status == domain.UserStatusDisabled {
		observability.RecordRefreshAttempt("rejected")
		return nil, ErrForbidden
	}
	if user.LockedOut(time.Now()) {
		observability.RecordRefreshAttempt("rejected")
		return nil, ErrAccountLocked
	}

	newRefresh, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	newHash := security.HashToken(newRefresh, s.pepper)
	jti := security.NewJTI()

	rotated, err := s.sessions.Rotate(session.ID, hash, newHash, jti, now.Add(s.refreshTTL))
	if err != nil {
		observability.RecordRefreshAttempt("error")
		return nil, err
	}
	if !rotated {
		// Lost a race on the same token. The winner already rotated, so this
		// presentation is a reuse; revoke the session.
		return nil, s.revokeOnReplay(ctx, session, device)
	}
	s.blacklistSessionAccessToken(ctx, session)

	accessToken, err := s.jwt.SignAccessToken(user.ID, user.Email, roleIDs, perms, session.ID, jti, s.accessTTL)
	if err != nil {
		return nil, err
	}
	observability.RecordRefreshAttempt("success")
	s.recorder.Record(ctx, domain.EventTokenRefreshed, &session.UserID, device, map[string]any{
		"session_id": session.ID,
	})
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     newRefresh,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		SessionID:        session.ID,
	}, nil
}

// classifyMissingRefresh distinguishes replayed, revoked, expired, and
// unknown refresh tokens once the active lookup has missed.
func (s *TokenService) classifyMissingRefresh(ctx context.Context, hash string, device DeviceContext) error {
	if session, err := s.sessions.FindByPreviousHash(hash); err == nil {
		return s.revokeOnReplay(ctx, session, device)
	}
	session, err := s.sessions.FindByHash(hash)
	if err != nil {
		observability.RecordRefreshAttempt("invalid")
		return ErrTokenInvalid
	}
	if session.RevokedAt != nil {
		observability.RecordRefreshAttempt("revoked")
		return ErrRefreshTokenRevoked
	}
	observability.RecordRefreshAttempt("expired")
	return ErrTokenExpired
}

// revokeOnReplay handles a rotated-out token being presented again: the
// legitimate holder and the thief can no longer be told apart, so the whole
// session is ended.
func (s *TokenService) revokeOnReplay(ctx context.Context, session *domain.Session, device DeviceContext) error {
	if err := s.sessions.MarkReuseDetected(session.ID); err != nil {
		s.logger.Error("mark reuse detected", "session_id", session.ID, "error", err)
	}
	revoked, err := s.sessions.Revoke(session.ID, domain.RevokeReasonReplay)
	if err != nil {
		s.logger.Error("revoke replayed session", "session_id", session.ID, "error", err)
	}
	s.blacklistSessionAccessToken(ctx, session)
	if revoked {
		observability.RecordSessionsRevoked(domain.RevokeReasonReplay, 1)
	}
	observability.RecordRefreshAttempt("replay")
	s.recorder.Record(ctx, domain.EventTokenReplayDetected, &session.UserID, device, map[string]any{
		"session_id": session.ID,
	})
	return ErrRefreshTokenRevoked
}

// Verify authenticates an access token: signature and claims first, then the
// revocation blacklist, then the state of the session it was minted under.
func (s *TokenService) Verify(ctx context.Context, rawAccess string) (*security.AccessClaims, error) {
	claims, err := s.jwt.ParseAccessToken(rawAccess)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if s.blacklist != nil {
		revoked, err := s.blacklist.Has(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	if claims.SessionID != 0 {
		session, err := s.sessions.FindByID(claims.SessionID)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return nil, ErrTokenRevoked
			}
			return nil, err
		}
		if session.RevokedAt != nil {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// RevokeAccess blacklists the access token until its natural expiry.
func (s *TokenService) RevokeAccess(ctx context.Context, claims *security.AccessClaims) error {
	if s.blacklist == nil || claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (s *TokenService) Shutdown() {
	if s.blacklist != nil {
		s.blacklist.Shutdown()
	}
}

func (s *TokenService) blacklistSessionAccessToken(ctx context.Context, session *domain.Session) {
	if s.blacklist == nil || session.AccessTokenID == nil || *session.AccessTokenID == "" {
		return
	}
	if err := s.blacklist.Add(ctx, *session.AccessTokenID, time.Now().Add(s.accessTTL)); err != nil {
		s.logger.Warn("blacklist access token", "session_id", session.ID, "error", err)
	}
}
