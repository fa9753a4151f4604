package repository

import (
	"context"
	"errors"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
)

var ErrRoleNotFound = errors.New("role not found")

type RoleRepository interface {
	FindByID(id uint) (*domain.Role, error)
	FindByName(name string) (*domain.Role, error)
	List() ([]domain.Role, error)
	Create(role *domain.Role) error
}

type GormRoleRepository struct{ db *gorm.DB }

func NewRoleRepository(db *gorm.DB) RoleRepository { return &GormRoleRepository{db: db} }

func (r *GormRoleRepository) FindByID(id uint) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").First(&role, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "success")
	return &role, nil
}

func (r *GormRoleRepository) FindByName(name string) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").Where("name = ?", name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "success")
	return &role, nil
}

func (r *GormRoleRepository) List() ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.Preload("Permissions").Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "list", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "list", "success")
	return roles, nil
}

func (r *GormRoleRepository) Create(role *domain.Role) error {
	err := r.db.Create(role).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "create", "success")
	return nil
}
