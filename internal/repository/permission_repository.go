package repository

import (
	"context"
	"errors"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
)

var ErrPermissionNotFound = errors.New("permission not found")

type PermissionRepository interface {
	FindByID(id uint) (*domain.Permission, error)
	FindByResourceAction(resource, action string) (*domain.Permission, error)
	List() ([]domain.Permission, error)
	Create(permission *domain.Permission) error
}

type GormPermissionRepository struct{ db *gorm.DB }

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &GormPermissionRepository{db: db}
}

func (r *GormPermissionRepository) FindByID(id uint) (*domain.Permission, error) {
	var p domain.Permission
	if err := r.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_id", "not_found")
			return nil, ErrPermissionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_id", "success")
	return &p, nil
}

func (r *GormPermissionRepository) FindByResourceAction(resource, action string) (*domain.Permission, error) {
	var p domain.Permission
	if err := r.db.Where("resource = ? AND action = ?", resource, action).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_resource_action", "not_found")
			return nil, ErrPermissionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_resource_action", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "find_by_resource_action", "success")
	return &p, nil
}

func (r *GormPermissionRepository) List() ([]domain.Permission, error) {
	var perms []domain.Permission
	err := r.db.Find(&perms).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "list", "error")
		return perms, err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "list", "success")
	return perms, nil
}

func (r *GormPermissionRepository) Create(permission *domain.Permission) error {
	err := r.db.Create(permission).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "create", "success")
	return nil
}
