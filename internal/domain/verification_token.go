package domain

import "time"

type TokenPurpose string

const (
	TokenPurposeEmailVerification TokenPurpose = "email_verification"
	TokenPurposePasswordReset     TokenPurpose = "password_reset"
)

// VerificationToken backs both email-verification and password-reset flows.
// Only the hash of the mailed value is stored; ConsumedAt is set through a
// conditional update so the token is single-use even under concurrent calls.
type VerificationToken struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	UserID           uint         `gorm:"index;not null" json:"user_id"`
	TokenHash        string       `gorm:"size:128;uniqueIndex;not null" json:"-"`
	Purpose          TokenPurpose `gorm:"size:32;index;not null" json:"purpose"`
	ExpiresAt        time.Time    `gorm:"index;not null" json:"expires_at"`
	ConsumedAt       *time.Time   `gorm:"index" json:"consumed_at,omitempty"`
	RequestIP        string       `gorm:"size:64" json:"request_ip"`
	RequestUserAgent string       `gorm:"size:512" json:"request_user_agent"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
