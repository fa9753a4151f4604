package repository

import "gorm.io/gorm"

// Repositories bundles every repository over one *gorm.DB handle.
type Repositories struct {
	db *gorm.DB

	Users    UserRepository
	Sessions SessionRepository
	Tokens   VerificationTokenRepository
	Roles    RoleRepository
	Perms    PermissionRepository
	Events   SecurityEventRepository
}

func New(db *gorm.DB) *Repositories {
	return &Repositories{
		db:       db,
		Users:    NewUserRepository(db),
		Sessions: NewSessionRepository(db),
		Tokens:   NewVerificationTokenRepository(db),
		Roles:    NewRoleRepository(db),
		Perms:    NewPermissionRepository(db),
		Events:   NewSecurityEventRepository(db),
	}
}

// WithTransaction runs fn against transaction-scoped repositories; the whole
// write sequence commits or rolls back as one. Used for multi-entity flows
// such as password reset (consume token + set hash + revoke sessions).
func (r *Repositories) WithTransaction(fn func(tx *Repositories) error) error {
	return r.db.Transaction(func(txdb *gorm.DB) error {
		return fn(New(txdb))
	})
}
