package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
)

// RBACService resolves a user's effective permission set: the union of
// direct grants and every permission carried by the user's roles. Resolution
// is cached per user; any role or permission mutation bumps the user's
// cache epoch.
type RBACService struct {
	users repository.UserRepository
	roles repository.RoleRepository
	perms repository.PermissionRepository
	cache RBACPermissionCacheStore
	ttl   time.Duration

	group singleflight.Group
}

func NewRBACService(
	users repository.UserRepository,
	roles repository.RoleRepository,
	perms repository.PermissionRepository,
	cache RBACPermissionCacheStore,
	ttl time.Duration,
) *RBACService {
	if cache == nil {
		cache = NewNoopRBACPermissionCacheStore()
	}
	return &RBACService{
		users: users,
		roles: roles,
		perms: perms,
		cache: cache,
		ttl:   ttl,
	}
}

func (s *RBACService) GetUserRoles(ctx context.Context, userID uint) ([]domain.Role, error) {
	user, err := s.findUser(userID)
	if err != nil {
		return nil, err
	}
	return user.Roles, nil
}

// GetUserPermissions returns the sorted, deduplicated effective permission
// names for the user. Concurrent cache misses for the same user collapse
// into a single database resolution.
func (s *RBACService) GetUserPermissions(ctx context.Context, userID uint) ([]string, error) {
	if cached, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("perms:%d", userID), func() (any, error) {
		user, err := s.findUser(userID)
		if err != nil {
			return nil, err
		}
		perms := effectivePermissions(user)
		_ = s.cache.Set(ctx, userID, perms, s.ttl)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// HasAnyRole reports whether the user holds at least one of the named roles.
// An empty role list imposes no restriction. Role names compare
// case-insensitively.
func (s *RBACService) HasAnyRole(ctx context.Context, userID uint, names ...string) (bool, error) {
	if len(names) == 0 {
		return true, nil
	}
	roles, err := s.GetUserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		for _, name := range names {
			if strings.EqualFold(role.Name, name) {
				return true, nil
			}
		}
	}
	return false, nil
}

// HasPermission reports whether any of the required "resource:action" pairs
// is covered by the user's effective grants. An empty required list imposes
// no restriction, like HasAnyRole. A grant may be a wildcard: "*" matches
// anything, "report:*" matches every action on the resource, "*:read"
// matches the action on every resource.
func (s *RBACService) HasPermission(ctx context.Context, userID uint, required ...string) (bool, error) {
	if len(required) == 0 {
		return true, nil
	}
	granted, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, req := range required {
		req = strings.TrimSpace(req)
		if req == "" {
			return false, fmt.Errorf("%w: permission must not be empty", ErrValidation)
		}
		for _, g := range granted {
			if permissionMatches(g, req) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *RBACService) AssignRole(ctx context.Context, userID, roleID uint) error {
	if _, err := s.findUser(userID); err != nil {
		return err
	}
	if _, err := s.roles.FindByID(roleID); err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
		}
		return err
	}
	if err := s.users.AddRole(userID, roleID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

func (s *RBACService) RevokeRole(ctx context.Context, userID, roleID uint) error {
	if _, err := s.findUser(userID); err != nil {
		return err
	}
	if err := s.users.RemoveRole(userID, roleID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

func (s *RBACService) GrantPermission(ctx context.Context, userID, permissionID uint) error {
	if _, err := s.findUser(userID); err != nil {
		return err
	}
	if _, err := s.perms.FindByID(permissionID); err != nil {
		if errors.Is(err, repository.ErrPermissionNotFound) {
			return fmt.Errorf("%w: permission %d", ErrNotFound, permissionID)
		}
		return err
	}
	if err := s.users.GrantPermission(userID, permissionID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

func (s *RBACService) RevokePermission(ctx context.Context, userID, permissionID uint) error {
	if _, err := s.findUser(userID); err != nil {
		return err
	}
	if err := s.users.RevokePermission(userID, permissionID); err != nil {
		return err
	}
	return s.cache.InvalidateUser(ctx, userID)
}

// InvalidateAll drops every cached permission set, for bulk role or
// permission definition changes.
func (s *RBACService) InvalidateAll(ctx context.Context) error {
	return s.cache.InvalidateAll(ctx)
}

// Snapshot loads the user together with the role ids and effective
// permissions embedded into freshly issued access tokens.
func (s *RBACService) Snapshot(ctx context.Context, userID uint) (*domain.User, []uint, []string, error) {
	user, err := s.findUser(userID)
	if err != nil {
		return nil, nil, nil, err
	}
	roleIDs := make([]uint, 0, len(user.Roles))
	for _, role := range user.Roles {
		roleIDs = append(roleIDs, role.ID)
	}
	return user, roleIDs, effectivePermissions(user), nil
}

func (s *RBACService) findUser(userID uint) (*domain.User, error) {
	user, err := s.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return nil, err
	}
	return user, nil
}

func effectivePermissions(user *domain.User) []string {
	seen := make(map[string]struct{})
	for _, p := range user.Permissions {
		seen[p.Name()] = struct{}{}
	}
	for _, role := range user.Roles {
		for _, p := range role.Permissions {
			seen[p.Name()] = struct{}{}
		}
	}
	perms := make([]string, 0, len(seen))
	for name := range seen {
		perms = append(perms, name)
	}
	sort.Strings(perms)
	return perms
}

func permissionMatches(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	gRes, gAct, ok := strings.Cut(granted, ":")
	if !ok {
		return false
	}
	rRes, rAct, ok := strings.Cut(required, ":")
	if !ok {
		return false
	}
	resMatch := gRes == "*" || gRes == rRes
	actMatch := gAct == "*" || gAct == rAct
	return resMatch && actMatch
}
