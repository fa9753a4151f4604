package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
)

func TestUserRecordLoginFailureSignalsLockoutOnce(t *testing.T) {
	repo := NewUserRepository(newDBForTest(t))

	u := &domain.User{Email: "a@x.com", PasswordHash: "h", Status: domain.UserStatusActive}
	if err := repo.Create(u); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := repo.RecordLoginFailure(u.ID, 2, time.Minute)
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if state.FailedCount != 1 || state.LockedNow {
		t.Fatalf("state=%+v want count=1 unlocked", state)
	}

	state, err = repo.RecordLoginFailure(u.ID, 2, time.Minute)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if !state.LockedNow || state.LockoutUntil == nil {
		t.Fatalf("state=%+v want locking transition on threshold", state)
	}

	// Further failures while locked must not re-signal the transition.
	state, err = repo.RecordLoginFailure(u.ID, 2, time.Minute)
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if state.LockedNow {
		t.Fatal("expected LockedNow only on the threshold-crossing call")
	}

	got, err := repo.FindByID(u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.UserStatusLocked {
		t.Fatalf("status=%s want locked", got.Status)
	}
	if !got.LockedOut(time.Now()) {
		t.Fatal("expected active lockout window")
	}
}

func TestUserResetLoginFailures(t *testing.T) {
	repo := NewUserRepository(newDBForTest(t))

	u := &domain.User{Email: "a@x.com", PasswordHash: "h", Status: domain.UserStatusActive, FailedLoginCount: 3}
	if err := repo.Create(u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.ResetLoginFailures(u.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := repo.FindByID(u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.FailedLoginCount != 0 || got.LockoutUntil != nil {
		t.Fatalf("user=%+v want cleared counters", got)
	}
}

func TestUserClearLockoutRestoresActive(t *testing.T) {
	repo := NewUserRepository(newDBForTest(t))

	past := time.Now().Add(-time.Minute)
	u := &domain.User{
		Email:            "a@x.com",
		PasswordHash:     "h",
		Status:           domain.UserStatusLocked,
		FailedLoginCount: 5,
		LockoutUntil:     &past,
	}
	if err := repo.Create(u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.ClearLockout(u.ID); err != nil {
		t.Fatalf("clear lockout: %v", err)
	}

	got, err := repo.FindByID(u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.UserStatusActive || got.FailedLoginCount != 0 || got.LockoutUntil != nil {
		t.Fatalf("user=%+v want active with cleared lockout", got)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	repo := NewUserRepository(newDBForTest(t))

	if err := repo.Create(&domain.User{Email: "a@x.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(&domain.User{Email: "a@x.com", PasswordHash: "h2"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("duplicate create: got %v want ErrDuplicateEmail", err)
	}
}

func TestUserRoleAndPermissionAssignments(t *testing.T) {
	db := newDBForTest(t)
	users := NewUserRepository(db)
	roles := NewRoleRepository(db)
	perms := NewPermissionRepository(db)

	u := &domain.User{Email: "a@x.com", PasswordHash: "h"}
	if err := users.Create(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	admin := &domain.Role{Name: "admin"}
	if err := roles.Create(admin); err != nil {
		t.Fatalf("create role: %v", err)
	}
	read := &domain.Permission{Resource: "report", Action: "read"}
	if err := perms.Create(read); err != nil {
		t.Fatalf("create permission: %v", err)
	}

	if err := users.AddRole(u.ID, admin.ID); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if err := users.GrantPermission(u.ID, read.ID); err != nil {
		t.Fatalf("grant permission: %v", err)
	}

	got, err := users.FindByID(u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0].Name != "admin" {
		t.Fatalf("roles=%+v want [admin]", got.Roles)
	}
	if len(got.Permissions) != 1 || got.Permissions[0].Name() != "report:read" {
		t.Fatalf("permissions=%+v want [report:read]", got.Permissions)
	}

	if err := users.RemoveRole(u.ID, admin.ID); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	got, err = users.FindByID(u.ID)
	if err != nil {
		t.Fatalf("find after removal: %v", err)
	}
	if len(got.Roles) != 0 {
		t.Fatalf("roles=%+v want empty", got.Roles)
	}
}
