package domain

import "time"

type UserStatus string

const (
	UserStatusPending  UserStatus = "pending_verification"
	UserStatusActive   UserStatus = "active"
	UserStatusLocked   UserStatus = "locked"
	UserStatusDisabled UserStatus = "disabled"
)

type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Email            string     `gorm:"size:256;uniqueIndex;not null" json:"email"`
	Name             string     `gorm:"size:256" json:"name"`
	PasswordHash     string     `gorm:"size:128;not null" json:"-"`
	Status           UserStatus `gorm:"size:32;index;not null;default:pending_verification" json:"status"`
	EmailVerified    bool       `gorm:"not null;default:false" json:"email_verified"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	FailedLoginCount int        `gorm:"not null;default:0" json:"-"`
	LockoutUntil     *time.Time `gorm:"index" json:"-"`
	TwoFactorEnabled bool       `gorm:"not null;default:false" json:"two_factor_enabled"`
	TwoFactorSecret  *string    `gorm:"size:128" json:"-"`
	Roles            []Role     `gorm:"many2many:user_roles" json:"roles,omitempty"`
	// Permissions granted directly to the user, independent of any role.
	Permissions []Permission `gorm:"many2many:user_permissions" json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// LockedOut reports whether an active lockout window rejects logins at now.
func (u *User) LockedOut(now time.Time) bool {
	return u.LockoutUntil != nil && u.LockoutUntil.After(now)
}

// Profile is the caller-facing projection of a user row. It never carries
// credential material.
type Profile struct {
	ID            uint       `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Status        UserStatus `json:"status"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Status:        u.Status,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}
