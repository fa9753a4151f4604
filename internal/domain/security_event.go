package domain

import "time"

// Security event types recorded by the identity core.
const (
	EventUserRegistered         = "user_registered"
	EventEmailVerified          = "email_verified"
	EventLoginSucceeded         = "login_succeeded"
	EventLoginFailed            = "login_failed"
	EventAccountLocked          = "account_locked"
	EventNewDeviceLogin         = "new_device_login"
	EventTokenRefreshed         = "token_refreshed"
	EventTokenReplayDetected    = "token_replay_detected"
	EventSessionRevoked         = "session_revoked"
	EventAllSessionsRevoked     = "all_sessions_revoked"
	EventPasswordResetRequested = "password_reset_requested"
	EventPasswordResetCompleted = "password_reset_completed"
	EventPasswordChanged        = "password_changed"
)

// SecurityEvent is an append-only audit record. Rows are never mutated or
// deleted by this core.
type SecurityEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"size:64;index;not null" json:"type"`
	UserID    *uint     `gorm:"index" json:"user_id,omitempty"`
	IPAddress string    `gorm:"size:64" json:"ip_address"`
	UserAgent string    `gorm:"size:512" json:"user_agent"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
