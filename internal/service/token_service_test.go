package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
)

func TestTokenRotationIsSingleUse(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	next, err := st.tokens.Rotate(ctx, pair.RefreshToken, DeviceContext{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.SessionID != pair.SessionID {
		t.Fatalf("session id changed on rotation: %d -> %d", pair.SessionID, next.SessionID)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// The rotated-out token is dead; presenting it again is a replay and
	// kills the session.
	if _, err := st.tokens.Rotate(ctx, pair.RefreshToken, DeviceContext{}); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("replayed token: got %v want ErrRefreshTokenRevoked", err)
	}

	session, err := st.repos.Sessions.FindByID(pair.SessionID)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if session.RevokedAt == nil || session.ReuseDetectedAt == nil {
		t.Fatalf("session=%+v want revoked with reuse flagged", session)
	}

	// The replacement issued in the same rotation chain dies with it.
	if _, err := st.tokens.Rotate(ctx, next.RefreshToken, DeviceContext{}); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("rotate after replay: got %v want ErrRefreshTokenRevoked", err)
	}
}

func TestTokenRotateUnknownToken(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)

	if _, err := st.tokens.Rotate(ctx, "never-issued", DeviceContext{}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("unknown token: got %v want ErrTokenInvalid", err)
	}
}

func TestTokenRotateRevokedSession(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := st.repos.Sessions.Revoke(pair.SessionID, domain.RevokeReasonAdmin); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := st.tokens.Rotate(ctx, pair.RefreshToken, DeviceContext{}); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("revoked session: got %v want ErrRefreshTokenRevoked", err)
	}
}

func TestTokenVerifyPaths(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	claims, err := st.tokens.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Email != "u1@example.com" || claims.SessionID != pair.SessionID {
		t.Fatalf("claims=%+v want matching email and session", claims)
	}

	if _, err := st.tokens.Verify(ctx, "not.a.jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("garbage token: got %v want ErrTokenInvalid", err)
	}

	// Blacklisting the jti revokes the token before its natural expiry.
	if err := st.tokens.RevokeAccess(ctx, claims); err != nil {
		t.Fatalf("revoke access: %v", err)
	}
	if _, err := st.tokens.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("blacklisted token: got %v want ErrTokenRevoked", err)
	}
}

func TestTokenVerifyRejectsRevokedSession(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := st.repos.Sessions.Revoke(pair.SessionID, domain.RevokeReasonAdmin); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := st.tokens.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("token of revoked session: got %v want ErrTokenRevoked", err)
	}
}

func TestTokenAccessClaimsCarryPermissionSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	read := &domain.Permission{Resource: "report", Action: "read"}
	if err := st.repos.Perms.Create(read); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	viewer := &domain.Role{Name: "viewer", Permissions: []domain.Permission{*read}}
	if err := st.repos.Roles.Create(viewer); err != nil {
		t.Fatalf("create role: %v", err)
	}
	user, err := st.repos.Users.FindByEmail("u1@example.com")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if err := st.rbac.AssignRole(ctx, user.ID, viewer.ID); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := st.tokens.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.RoleIDs) != 1 || claims.RoleIDs[0] != viewer.ID {
		t.Fatalf("role ids=%v want [%d]", claims.RoleIDs, viewer.ID)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "report:read" {
		t.Fatalf("permissions=%v want [report:read]", claims.Permissions)
	}
}

func TestTokenRotateRefreshesExpiryWindow(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	before, err := st.repos.Sessions.FindByID(pair.SessionID)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := st.tokens.Rotate(ctx, pair.RefreshToken, DeviceContext{}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after, err := st.repos.Sessions.FindByID(pair.SessionID)
	if err != nil {
		t.Fatalf("find session after rotate: %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatalf("expiry not extended: before=%v after=%v", before.ExpiresAt, after.ExpiresAt)
	}
	if after.PreviousTokenHash == nil || *after.PreviousTokenHash != before.RefreshTokenHash {
		t.Fatal("previous token hash not recorded on rotation")
	}
}

func TestTokenRotateStampsDeviceOnEvents(t *testing.T) {
	ctx := context.Background()
	st := newAuthStackForTest(t)
	st.registerVerified(t, "u1@example.com", "password123")

	_, pair, err := st.auth.Login(ctx, "u1@example.com", "password123", DeviceContext{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	device := DeviceContext{IP: "10.2.2.2", UserAgent: "cli/2.0"}
	if _, err := st.tokens.Rotate(ctx, pair.RefreshToken, device); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	// Replaying the old token records the presenter's address too.
	if _, err := st.tokens.Rotate(ctx, pair.RefreshToken, device); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("replay: got %v want ErrRefreshTokenRevoked", err)
	}
	st.recorder.Flush()

	user, err := st.repos.Users.FindByEmail("u1@example.com")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	events, err := st.repos.Events.ListByUserID(user.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var refreshed, replayed bool
	for _, e := range events {
		switch e.Type {
		case domain.EventTokenRefreshed:
			refreshed = true
		case domain.EventTokenReplayDetected:
			replayed = true
		default:
			continue
		}
		if e.IPAddress != device.IP || e.UserAgent != device.UserAgent {
			t.Fatalf("%s event ip=%q agent=%q want %q %q", e.Type, e.IPAddress, e.UserAgent, device.IP, device.UserAgent)
		}
	}
	if !refreshed || !replayed {
		t.Fatalf("refreshed=%v replayed=%v want both recorded", refreshed, replayed)
	}
}
