package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
)

func newSessionRepoForTest(t *testing.T) SessionRepository {
	t.Helper()
	return NewSessionRepository(newDBForTest(t))
}

func TestSessionRotateIsConditional(t *testing.T) {
	repo := newSessionRepoForTest(t)

	s := &domain.Session{
		UserID:           1,
		RefreshTokenHash: "hash-a",
		ExpiresAt:        time.Now().Add(time.Hour),
	}
	if err := repo.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.Rotate(s.ID, "hash-a", "hash-b", "jti-2", time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !ok {
		t.Fatal("expected first rotate to succeed")
	}

	// Second rotate against the stale pre-image must lose the race.
	ok, err = repo.Rotate(s.ID, "hash-a", "hash-c", "jti-3", time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("stale rotate: %v", err)
	}
	if ok {
		t.Fatal("expected rotate with stale hash to affect zero rows")
	}

	rotated, err := repo.FindByID(s.ID)
	if err != nil {
		t.Fatalf("find rotated: %v", err)
	}
	if rotated.RefreshTokenHash != "hash-b" {
		t.Fatalf("RefreshTokenHash=%q want hash-b", rotated.RefreshTokenHash)
	}
	if rotated.PreviousTokenHash == nil || *rotated.PreviousTokenHash != "hash-a" {
		t.Fatal("expected previous hash to record the rotated-out value")
	}
}

func TestSessionRotateRejectsRevoked(t *testing.T) {
	repo := newSessionRepoForTest(t)

	s := &domain.Session{
		UserID:           1,
		RefreshTokenHash: "hash-a",
		ExpiresAt:        time.Now().Add(time.Hour),
	}
	if err := repo.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Revoke(s.ID, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	ok, err := repo.Rotate(s.ID, "hash-a", "hash-b", "jti-2", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if ok {
		t.Fatal("expected rotate on revoked session to fail")
	}
}

func TestSessionFindActiveByHashFiltersRevokedAndExpired(t *testing.T) {
	repo := newSessionRepoForTest(t)

	revokedAt := time.Now().UTC()
	rows := []*domain.Session{
		{UserID: 1, RefreshTokenHash: "h-active", ExpiresAt: time.Now().Add(time.Hour)},
		{UserID: 1, RefreshTokenHash: "h-revoked", ExpiresAt: time.Now().Add(time.Hour), RevokedAt: &revokedAt},
		{UserID: 1, RefreshTokenHash: "h-expired", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	for _, s := range rows {
		if err := repo.Create(s); err != nil {
			t.Fatalf("create %s: %v", s.RefreshTokenHash, err)
		}
	}

	if _, err := repo.FindActiveByHash("h-active"); err != nil {
		t.Fatalf("active hash: %v", err)
	}
	if _, err := repo.FindActiveByHash("h-revoked"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked hash: got %v want ErrSessionNotFound", err)
	}
	if _, err := repo.FindActiveByHash("h-expired"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired hash: got %v want ErrSessionNotFound", err)
	}
}

func TestSessionRevokeByIDForUserEnforcesOwnership(t *testing.T) {
	repo := newSessionRepoForTest(t)

	s := &domain.Session{UserID: 2, RefreshTokenHash: "h1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := repo.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := repo.RevokeByIDForUser(1, s.ID, "manual"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign revoke: got %v want ErrSessionNotFound", err)
	}

	changed, err := repo.RevokeByIDForUser(2, s.ID, "manual")
	if err != nil {
		t.Fatalf("owned revoke: %v", err)
	}
	if !changed {
		t.Fatal("expected revoke to change the row")
	}

	changed, err = repo.RevokeByIDForUser(2, s.ID, "manual")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if changed {
		t.Fatal("expected second revoke to be a no-op")
	}
}

func TestSessionRevokeAllAndOthers(t *testing.T) {
	repo := newSessionRepoForTest(t)

	var ids []uint
	for _, h := range []string{"h1", "h2", "h3"} {
		s := &domain.Session{UserID: 7, RefreshTokenHash: h, ExpiresAt: time.Now().Add(time.Hour)}
		if err := repo.Create(s); err != nil {
			t.Fatalf("create %s: %v", h, err)
		}
		ids = append(ids, s.ID)
	}

	count, err := repo.RevokeOthersForUser(7, ids[0], "password_changed")
	if err != nil {
		t.Fatalf("revoke others: %v", err)
	}
	if count != 2 {
		t.Fatalf("revoked=%d want 2", count)
	}

	count, err = repo.RevokeAllForUser(7, "logout_all")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if count != 1 {
		t.Fatalf("revoked=%d want 1 (only the kept session remained)", count)
	}
}

func TestSessionHasFingerprint(t *testing.T) {
	repo := newSessionRepoForTest(t)

	s := &domain.Session{
		UserID:           3,
		RefreshTokenHash: "h1",
		Fingerprint:      "fp-laptop",
		ExpiresAt:        time.Now().Add(time.Hour),
	}
	if err := repo.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	seen, err := repo.HasFingerprint(3, "fp-laptop")
	if err != nil {
		t.Fatalf("has fingerprint: %v", err)
	}
	if !seen {
		t.Fatal("expected known fingerprint")
	}

	seen, err = repo.HasFingerprint(3, "fp-phone")
	if err != nil {
		t.Fatalf("has fingerprint: %v", err)
	}
	if seen {
		t.Fatal("expected unknown fingerprint")
	}
}

func TestSessionDeleteExpired(t *testing.T) {
	repo := NewSessionRepository(newDBForTest(t))

	expired := &domain.Session{UserID: 1, RefreshTokenHash: "h-old", ExpiresAt: time.Now().Add(-time.Hour)}
	live := &domain.Session{UserID: 1, RefreshTokenHash: "h-live", ExpiresAt: time.Now().Add(time.Hour)}
	for _, s := range []*domain.Session{expired, live} {
		if err := repo.Create(s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := repo.DeleteExpired(time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted=%d want 1", n)
	}
	if _, err := repo.FindByID(live.ID); err != nil {
		t.Fatalf("live session should survive: %v", err)
	}
	if _, err := repo.FindByID(expired.ID); err != ErrSessionNotFound {
		t.Fatalf("expired session: got %v want ErrSessionNotFound", err)
	}
}
