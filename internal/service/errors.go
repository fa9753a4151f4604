package service

import "errors"

// Error kinds surfaced to the transport layer. Login failures collapse to
// ErrInvalidCredentials / ErrAccountLocked externally; the precise reason is
// retained only on the security event, to avoid account enumeration.
var (
	ErrValidation          = errors.New("validation error")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account locked")
	ErrTooManyAttempts     = errors.New("too many attempts")
	ErrEmailNotVerified    = errors.New("email not verified")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	ErrTokenNotFound       = errors.New("token not found")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
)
