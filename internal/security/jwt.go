package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

// AccessClaims is the self-contained claim set carried by access tokens.
// Roles and permissions are a snapshot taken at issuance time; revocation is
// enforced through session and blacklist state, not by re-deriving them.
type AccessClaims struct {
	TokenType   string   `json:"token_type"`
	Email       string   `json:"email"`
	RoleIDs     []uint   `json:"role_ids,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   uint     `json:"sid"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim back into the user's row id.
func (c *AccessClaims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrTokenMalformed)
	}
	return uint(id), nil
}

type JWTManager struct {
	issuer   string
	audience string
	secret   []byte
}

func NewJWTManager(issuer, audience, secret string) *JWTManager {
	return &JWTManager{issuer: issuer, audience: audience, secret: []byte(secret)}
}

// NewJTI returns a fresh access-token identifier.
func NewJTI() string { return uuid.NewString() }

func (m *JWTManager) SignAccessToken(userID uint, email string, roleIDs []uint, perms []string, sessionID uint, jti string, ttl time.Duration) (string, error) {
	if jti == "" {
		jti = NewJTI()
	}
	now := time.Now()
	claims := AccessClaims{
		TokenType:   "access",
		Email:       email,
		RoleIDs:     roleIDs,
		Permissions: perms,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ParseAccessToken verifies signature, issuer, audience and expiry.
// Expiry is reported as ErrTokenExpired; every other defect as ErrTokenMalformed.
func (m *JWTManager) ParseAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !tok.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != "access" {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenMalformed, claims.TokenType)
	}
	return claims, nil
}
