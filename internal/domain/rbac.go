package domain

import "time"

type Role struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Description string       `gorm:"size:256" json:"description"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type Permission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Resource  string    `gorm:"size:64;uniqueIndex:idx_permissions_resource_action;not null" json:"resource"`
	Action    string    `gorm:"size:64;uniqueIndex:idx_permissions_resource_action;not null" json:"action"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Name renders the canonical "resource:action" form used in token claims and
// wildcard matching.
func (p Permission) Name() string {
	return p.Resource + ":" + p.Action
}
