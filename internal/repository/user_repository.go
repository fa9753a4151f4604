package repository

import (
	"context"
	"errors"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// LoginFailureState reports the outcome of recording one failed login.
// LockedNow is true only for the call that crossed the threshold, so callers
// can send the lockout notification exactly once.
type LoginFailureState struct {
	FailedCount  int
	LockedNow    bool
	LockoutUntil *time.Time
}

type UserRepository interface {
	Create(user *domain.User) error
	FindByID(id uint) (*domain.User, error)
	FindByEmail(email string) (*domain.User, error)
	ExistsByEmail(email string) (bool, error)
	Update(user *domain.User) error
	SetPassword(userID uint, passwordHash string) error
	MarkVerified(userID uint, at time.Time) error
	RecordLoginFailure(userID uint, maxAttempts int, lockoutFor time.Duration) (*LoginFailureState, error)
	ResetLoginFailures(userID uint) error
	ClearLockout(userID uint) error
	AddRole(userID, roleID uint) error
	RemoveRole(userID, roleID uint) error
	GrantPermission(userID, permissionID uint) error
	RevokePermission(userID, permissionID uint) error
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) Create(user *domain.User) error {
	err := r.db.Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(context.Background(), "user", "create", "conflict")
			return ErrDuplicateEmail
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "create", "success")
	return nil
}

func (r *GormUserRepository) FindByID(id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.Preload("Roles.Permissions").Preload("Permissions").First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "success")
	return &u, nil
}

func (r *GormUserRepository) FindByEmail(email string) (*domain.User, error) {
	var u domain.User
	err := r.db.Preload("Roles.Permissions").Preload("Permissions").Where("email = ?", email).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "success")
	return &u, nil
}

func (r *GormUserRepository) ExistsByEmail(email string) (bool, error) {
	var count int64
	err := r.db.Model(&domain.User{}).Where("email = ?", email).Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "exists_by_email", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "exists_by_email", "success")
	return count > 0, nil
}

func (r *GormUserRepository) Update(user *domain.User) error {
	err := r.db.Save(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update", "success")
	return nil
}

func (r *GormUserRepository) SetPassword(userID uint, passwordHash string) error {
	res := r.db.Model(&domain.User{}).Where("id = ?", userID).
		Update("password_hash", passwordHash)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "set_password", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "user", "set_password", "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "set_password", "success")
	return nil
}

func (r *GormUserRepository) MarkVerified(userID uint, at time.Time) error {
	res := r.db.Model(&domain.User{}).Where("id = ?", userID).Updates(map[string]any{
		"email_verified": true,
		"verified_at":    at,
		"status":         domain.UserStatusActive,
	})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "mark_verified", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "user", "mark_verified", "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "mark_verified", "success")
	return nil
}

// RecordLoginFailure increments the durable failure counter and, when the
// configured threshold is reached, opens the lockout window in the same
// transaction. The row is locked so concurrent failures cannot both report
// the locking transition.
func (r *GormUserRepository) RecordLoginFailure(userID uint, maxAttempts int, lockoutFor time.Duration) (*LoginFailureState, error) {
	state := &LoginFailureState{}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var u domain.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		state.FailedCount = u.FailedLoginCount + 1
		updates := map[string]any{"failed_login_count": state.FailedCount}
		if state.FailedCount >= maxAttempts && !u.LockedOut(time.Now()) {
			until := time.Now().UTC().Add(lockoutFor)
			updates["lockout_until"] = until
			updates["status"] = domain.UserStatusLocked
			state.LockedNow = true
			state.LockoutUntil = &until
		}
		return tx.Model(&domain.User{}).Where("id = ?", userID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "record_login_failure", "not_found")
		} else {
			observability.RecordRepositoryOperation(context.Background(), "user", "record_login_failure", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "record_login_failure", "success")
	return state, nil
}

func (r *GormUserRepository) ResetLoginFailures(userID uint) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", userID).Updates(map[string]any{
		"failed_login_count": 0,
		"lockout_until":      nil,
	}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "reset_login_failures", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "reset_login_failures", "success")
	return nil
}

// ClearLockout returns a user whose lockout window has elapsed to ACTIVE.
func (r *GormUserRepository) ClearLockout(userID uint) error {
	err := r.db.Model(&domain.User{}).
		Where("id = ? AND status = ?", userID, domain.UserStatusLocked).
		Updates(map[string]any{
			"failed_login_count": 0,
			"lockout_until":      nil,
			"status":             domain.UserStatusActive,
		}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "clear_lockout", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "clear_lockout", "success")
	return nil
}

func (r *GormUserRepository) AddRole(userID, roleID uint) error {
	u := domain.User{ID: userID}
	role := domain.Role{ID: roleID}
	if err := r.db.Model(&u).Association("Roles").Append(&role); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "add_role", "success")
	return nil
}

func (r *GormUserRepository) RemoveRole(userID, roleID uint) error {
	u := domain.User{ID: userID}
	role := domain.Role{ID: roleID}
	if err := r.db.Model(&u).Association("Roles").Delete(&role); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "remove_role", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "remove_role", "success")
	return nil
}

func (r *GormUserRepository) GrantPermission(userID, permissionID uint) error {
	u := domain.User{ID: userID}
	perm := domain.Permission{ID: permissionID}
	if err := r.db.Model(&u).Association("Permissions").Append(&perm); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "grant_permission", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "grant_permission", "success")
	return nil
}

func (r *GormUserRepository) RevokePermission(userID, permissionID uint) error {
	u := domain.User{ID: userID}
	perm := domain.Permission{ID: permissionID}
	if err := r.db.Model(&u).Association("Permissions").Delete(&perm); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "revoke_permission", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "revoke_permission", "success")
	return nil
}
