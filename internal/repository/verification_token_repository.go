package repository

import (
	"context"
	"errors"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
)

var ErrVerificationTokenNotFound = errors.New("verification token not found")

type VerificationTokenRepository interface {
	Create(t *domain.VerificationToken) error
	FindByHash(hash string, purpose domain.TokenPurpose) (*domain.VerificationToken, error)
	Consume(id uint, at time.Time) (bool, error)
	InvalidatePendingForUser(userID uint, purpose domain.TokenPurpose, at time.Time) (int64, error)
	DeleteExpired(before time.Time) (int64, error)
}

type GormVerificationTokenRepository struct{ db *gorm.DB }

func NewVerificationTokenRepository(db *gorm.DB) VerificationTokenRepository {
	return &GormVerificationTokenRepository{db: db}
}

func (r *GormVerificationTokenRepository) Create(t *domain.VerificationToken) error {
	err := r.db.Create(t).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "verification_token", "create", "success")
	return nil
}

func (r *GormVerificationTokenRepository) FindByHash(hash string, purpose domain.TokenPurpose) (*domain.VerificationToken, error) {
	var t domain.VerificationToken
	err := r.db.Where("token_hash = ? AND purpose = ?", hash, purpose).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "verification_token", "find_by_hash", "not_found")
			return nil, ErrVerificationTokenNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "verification_token", "find_by_hash", "success")
	return &t, nil
}

// Consume marks a token used. The conditional update makes the token
// single-use: the second of two racing consumers affects zero rows.
func (r *GormVerificationTokenRepository) Consume(id uint, at time.Time) (bool, error) {
	res := r.db.Model(&domain.VerificationToken{}).
		Where("id = ? AND consumed_at IS NULL AND expires_at > ?", id, at).
		Update("consumed_at", at)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "consume", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "consume", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(context.Background(), "verification_token", "consume", "success")
	return true, nil
}

// InvalidatePendingForUser supersedes earlier unconsumed tokens when a new
// one is issued for the same purpose.
func (r *GormVerificationTokenRepository) InvalidatePendingForUser(userID uint, purpose domain.TokenPurpose, at time.Time) (int64, error) {
	res := r.db.Model(&domain.VerificationToken{}).
		Where("user_id = ? AND purpose = ? AND consumed_at IS NULL", userID, purpose).
		Update("consumed_at", at)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "invalidate_pending", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "verification_token", "invalidate_pending", "success")
	return res.RowsAffected, nil
}

func (r *GormVerificationTokenRepository) DeleteExpired(before time.Time) (int64, error) {
	res := r.db.Where("expires_at <= ?", before).Delete(&domain.VerificationToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "verification_token", "delete_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "verification_token", "delete_expired", "success")
	return res.RowsAffected, nil
}
