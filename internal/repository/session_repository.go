package repository

import (
	"context"
	"errors"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository interface {
	Create(s *domain.Session) error
	FindByID(id uint) (*domain.Session, error)
	FindByHash(hash string) (*domain.Session, error)
	FindActiveByHash(hash string) (*domain.Session, error)
	FindByPreviousHash(hash string) (*domain.Session, error)
	Rotate(id uint, oldHash, newHash, accessTokenID string, expiresAt time.Time) (bool, error)
	SetAccessTokenID(id uint, accessTokenID string) error
	Revoke(id uint, reason string) (bool, error)
	RevokeByIDForUser(userID, id uint, reason string) (bool, error)
	RevokeAllForUser(userID uint, reason string) (int64, error)
	RevokeOthersForUser(userID, keepID uint, reason string) (int64, error)
	MarkReuseDetected(id uint) error
	ListActiveByUserID(userID uint) ([]domain.Session, error)
	HasFingerprint(userID uint, fingerprint string) (bool, error)
	DeleteExpired(before time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(s *domain.Session) error {
	err := r.db.Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByID(id uint) (*domain.Session, error) {
	var s domain.Session
	err := r.db.First(&s, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindByHash(hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.Where("refresh_token_hash = ?", hash).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_hash", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindActiveByHash(hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.Where("refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, time.Now()).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_active_by_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_active_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_active_by_hash", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindByPreviousHash(hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.Where("previous_token_hash = ?", hash).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_previous_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_previous_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_previous_hash", "success")
	return &s, nil
}

// Rotate swaps the session's refresh-token hash in place. The WHERE clause
// pins the expected pre-image, so when two callers race on the same stale
// token exactly one update succeeds; the loser observes false.
func (r *GormSessionRepository) Rotate(id uint, oldHash, newHash, accessTokenID string, expiresAt time.Time) (bool, error) {
	res := r.db.Model(&domain.Session{}).
		Where("id = ? AND refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", id, oldHash, time.Now()).
		Updates(map[string]any{
			"previous_token_hash": oldHash,
			"refresh_token_hash":  newHash,
			"access_token_id":     accessTokenID,
			"expires_at":          expiresAt,
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "rotate", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "session", "rotate", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "rotate", "success")
	return true, nil
}

func (r *GormSessionRepository) SetAccessTokenID(id uint, accessTokenID string) error {
	err := r.db.Model(&domain.Session{}).Where("id = ?", id).
		Update("access_token_id", accessTokenID).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "set_access_token_id", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "set_access_token_id", "success")
	return nil
}

func (r *GormSessionRepository) Revoke(id uint, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "revoke", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeByIDForUser(userID, id uint, reason string) (bool, error) {
	var s domain.Session
	if err := r.db.Where("user_id = ? AND id = ?", userID, id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "revoke_by_id_for_user", "not_found")
			return false, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke_by_id_for_user", "error")
		return false, err
	}
	if s.RevokedAt != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke_by_id_for_user", "success")
		return false, nil
	}
	now := time.Now().UTC()
	res := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND id = ? AND revoked_at IS NULL", userID, id).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke_by_id_for_user", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "revoke_by_id_for_user", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeAllForUser(userID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke_all_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "revoke_all_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) RevokeOthersForUser(userID, keepID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND id <> ? AND revoked_at IS NULL", userID, keepID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "revoke_others_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "revoke_others_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) MarkReuseDetected(id uint) error {
	now := time.Now().UTC()
	err := r.db.Model(&domain.Session{}).Where("id = ?", id).
		Updates(map[string]any{"reuse_detected_at": now}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "mark_reuse_detected", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "mark_reuse_detected", "success")
	return nil
}

func (r *GormSessionRepository) ListActiveByUserID(userID uint) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "success")
	return sessions, nil
}

// DeleteExpired drops sessions whose expiry passed before the cutoff. Revoked
// rows inside the window stay for audit.
func (r *GormSessionRepository) DeleteExpired(before time.Time) (int64, error) {
	res := r.db.Where("expires_at < ?", before).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "delete_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "delete_expired", "success")
	return res.RowsAffected, nil
}

// HasFingerprint reports whether any session (revoked ones included) was ever
// created for this user from the given device fingerprint.
func (r *GormSessionRepository) HasFingerprint(userID uint, fingerprint string) (bool, error) {
	var count int64
	err := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "has_fingerprint", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "has_fingerprint", "success")
	return count > 0, nil
}
