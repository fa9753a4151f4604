package domain

import "time"

// Session is the server-side record binding a user, a device, and the hash of
// the refresh token currently valid for that device. One row per logical
// device/login; the row is mutated in place on each rotation and retained
// after revocation for audit.
type Session struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	UserID           uint   `gorm:"index;not null" json:"user_id"`
	RefreshTokenHash string `gorm:"size:128;uniqueIndex;not null" json:"-"`
	// PreviousTokenHash remembers the hash rotated out by the most recent
	// refresh. A lookup that matches it is a reuse signal, not an expiry.
	PreviousTokenHash *string `gorm:"size:128;index" json:"-"`
	// AccessTokenID is the jti of the access token last issued under this
	// session; logout pushes it onto the blacklist.
	AccessTokenID   *string    `gorm:"size:64;index" json:"-"`
	Fingerprint     string     `gorm:"size:128;index" json:"-"`
	IPAddress       string     `gorm:"size:64" json:"ip_address"`
	UserAgent       string     `gorm:"size:512" json:"user_agent"`
	ExpiresAt       time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt       *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason   *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	ReuseDetectedAt *time.Time `gorm:"index" json:"reuse_detected_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Reasons recorded on revoked sessions.
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonUserRequest   = "user_request"
	RevokeReasonReplay        = "token_replay"
	RevokeReasonPasswordReset = "password_reset"
	RevokeReasonAdmin         = "admin"
)

// Active reports whether the session can still mint tokens at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
