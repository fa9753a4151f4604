package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
)

// SessionView is the device listing exposed to the account owner. Token
// material never leaves the service.
type SessionView struct {
	ID          uint      `json:"id"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsCurrent   bool      `json:"is_current"`
}

type SessionService struct {
	sessions  repository.SessionRepository
	blacklist TokenBlacklist
	recorder  SecurityEventRecorder
	accessTTL time.Duration
	logger    *slog.Logger
}

func NewSessionService(
	sessions repository.SessionRepository,
	blacklist TokenBlacklist,
	recorder SecurityEventRecorder,
	accessTTL time.Duration,
	logger *slog.Logger,
) *SessionService {
	if recorder == nil {
		recorder = NoopSecurityEventRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		sessions:  sessions,
		blacklist: blacklist,
		recorder:  recorder,
		accessTTL: accessTTL,
		logger:    logger,
	}
}

// ListActiveSessions returns the user's live sessions, flagging the one the
// request arrived on.
func (s *SessionService) ListActiveSessions(ctx context.Context, userID, currentSessionID uint) ([]SessionView, error) {
	sessions, err := s.sessions.ListActiveByUserID(userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{
			ID:          sess.ID,
			IPAddress:   sess.IPAddress,
			UserAgent:   sess.UserAgent,
			Fingerprint: sess.Fingerprint,
			CreatedAt:   sess.CreatedAt,
			LastUsedAt:  sess.UpdatedAt,
			ExpiresAt:   sess.ExpiresAt,
			IsCurrent:   sess.ID == currentSessionID,
		})
	}
	return views, nil
}

// RevokeSession revokes one of the user's own sessions. A session id that
// does not exist or belongs to someone else yields ErrNotFound; ownership
// failures are indistinguishable from absence.
func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID uint) error {
	sess, err := s.sessions.FindByID(sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		return err
	}
	if sess.UserID != userID {
		return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}

	revoked, err := s.sessions.RevokeByIDForUser(userID, sessionID, domain.RevokeReasonUserRequest)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}
	s.blacklistAccessToken(ctx, sess.AccessTokenID)

	observability.RecordSessionsRevoked(domain.RevokeReasonUserRequest, 1)
	s.recorder.Record(ctx, domain.EventSessionRevoked, &userID, DeviceContext{}, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// RevokeOtherSessions ends every session except the one the user is on.
func (s *SessionService) RevokeOtherSessions(ctx context.Context, userID, keepSessionID uint) (int64, error) {
	others, err := s.sessions.ListActiveByUserID(userID)
	if err != nil {
		return 0, err
	}
	count, err := s.sessions.RevokeOthersForUser(userID, keepSessionID, domain.RevokeReasonUserRequest)
	if err != nil {
		return 0, err
	}
	for _, sess := range others {
		if sess.ID != keepSessionID {
			s.blacklistAccessToken(ctx, sess.AccessTokenID)
		}
	}
	if count > 0 {
		observability.RecordSessionsRevoked(domain.RevokeReasonUserRequest, count)
		s.recorder.Record(ctx, domain.EventAllSessionsRevoked, &userID, DeviceContext{}, map[string]any{
			"kept_session_id": keepSessionID,
			"revoked":         count,
		})
	}
	return count, nil
}

// RevokeAllForUser ends every session, including the current one. Used for
// password resets and administrative lockdown.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error) {
	active, err := s.sessions.ListActiveByUserID(userID)
	if err != nil {
		return 0, err
	}
	count, err := s.sessions.RevokeAllForUser(userID, reason)
	if err != nil {
		return 0, err
	}
	for _, sess := range active {
		s.blacklistAccessToken(ctx, sess.AccessTokenID)
	}
	if count > 0 {
		observability.RecordSessionsRevoked(reason, count)
		s.recorder.Record(ctx, domain.EventAllSessionsRevoked, &userID, DeviceContext{}, map[string]any{
			"reason":  reason,
			"revoked": count,
		})
	}
	return count, nil
}

func (s *SessionService) blacklistAccessToken(ctx context.Context, jti *string) {
	if s.blacklist == nil || jti == nil || *jti == "" {
		return
	}
	if err := s.blacklist.Add(ctx, *jti, time.Now().Add(s.accessTTL)); err != nil {
		s.logger.Warn("blacklist access token", "error", err)
	}
}
