package repository

import (
	"context"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
)

// SecurityEventRepository is append-only. Rows are never updated or deleted.
type SecurityEventRepository interface {
	Append(event *domain.SecurityEvent) error
	ListByUserID(userID uint) ([]domain.SecurityEvent, error)
	ListRecentByType(eventType string, limit int) ([]domain.SecurityEvent, error)
}

type GormSecurityEventRepository struct{ db *gorm.DB }

func NewSecurityEventRepository(db *gorm.DB) SecurityEventRepository {
	return &GormSecurityEventRepository{db: db}
}

func (r *GormSecurityEventRepository) Append(event *domain.SecurityEvent) error {
	err := r.db.Create(event).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "security_event", "append", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "security_event", "append", "success")
	return nil
}

func (r *GormSecurityEventRepository) ListByUserID(userID uint) ([]domain.SecurityEvent, error) {
	var events []domain.SecurityEvent
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&events).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "security_event", "list_by_user_id", "error")
		return events, err
	}
	observability.RecordRepositoryOperation(context.Background(), "security_event", "list_by_user_id", "success")
	return events, nil
}

func (r *GormSecurityEventRepository) ListRecentByType(eventType string, limit int) ([]domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []domain.SecurityEvent
	err := r.db.Where("type = ?", eventType).Order("created_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "security_event", "list_recent_by_type", "error")
		return events, err
	}
	observability.RecordRepositoryOperation(context.Background(), "security_event", "list_recent_by_type", "success")
	return events, nil
}
