package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/obs"
)

// Grants resolves the user's active roles and the union of their permissions.
// Assignments whose expiry has passed are ignored.
func (s *Service) Grants(ctx context.Context, userID string) (Grants, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Grants{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	var generation int64
	cached := false
	if s.cache != nil {
		g, gen, hit, err := s.cache.Get(ctx, userID)
		switch {
		case err != nil:
			obs.ObserveCache("error")
			s.logger.WarnContext(ctx, "permission cache read failed", "event", "permission_cache", "user_id", userID, "error", err.Error())
		case hit:
			obs.ObserveCache("hit")
			return g, nil
		default:
			obs.ObserveCache("miss")
			generation = gen
			cached = true
		}
	}

	now := s.clock()
	assignments, err := s.store.Assignments(ctx).ListForUser(ctx, userID)
	if err != nil {
		return Grants{}, storageErr("list assignments", err)
	}
	ttl := s.permCacheTTL
	roleIDs := make([]string, 0, len(assignments))
	g := Grants{Roles: []string{}, Permissions: []string{}}
	for _, a := range assignments {
		if !a.ActiveAt(now) {
			continue
		}
		roleIDs = append(roleIDs, a.RoleID)
		g.Roles = append(g.Roles, a.RoleName)
		if a.ExpiresAt != nil {
			if left := a.ExpiresAt.Sub(now); left < ttl {
				ttl = left
			}
		}
	}
	if len(roleIDs) > 0 {
		names, err := s.store.Roles(ctx).PermissionNames(ctx, roleIDs)
		if err != nil {
			return Grants{}, storageErr("resolve permissions", err)
		}
		g.Permissions = names
	}
	slices.Sort(g.Roles)
	g.Roles = slices.Compact(g.Roles)
	slices.Sort(g.Permissions)
	g.Permissions = slices.Compact(g.Permissions)

	if cached && ttl > time.Second {
		if err := s.cache.Set(ctx, userID, generation, g, ttl); err != nil {
			s.logger.WarnContext(ctx, "permission cache write failed", "event", "permission_cache", "user_id", userID, "error", err.Error())
		}
	}
	return g, nil
}

// HasPermission reports whether any active role of the user carries permission.
func (s *Service) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return false, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return false, err
	}
	ok := g.HasPermission(permission)
	obs.ObserveDecision("permission", ok)
	return ok, nil
}

// HasRole reports whether the user actively holds any of roleNames.
func (s *Service) HasRole(ctx context.Context, userID string, roleNames ...string) (bool, error) {
	if len(roleNames) == 0 {
		return false, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return false, err
	}
	ok := g.HasAnyRole(roleNames...)
	obs.ObserveDecision("role", ok)
	return ok, nil
}

// EffectivePermissions lists the sorted permission names the user holds now.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return nil, err
	}
	return g.Permissions, nil
}

// Require fails with ErrPermissionDenied, after recording the denial, unless
// the user holds permission.
func (s *Service) Require(ctx context.Context, userID, permission string) error {
	ok, err := s.HasPermission(ctx, userID, permission)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.audit(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionAccessDenied,
		ResourceType: "permission",
		After:        map[string]any{"required_permission": permission},
	})
	return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
}

// RequireRole fails with ErrPermissionDenied unless the user holds one of roleNames.
func (s *Service) RequireRole(ctx context.Context, userID string, roleNames ...string) error {
	ok, err := s.HasRole(ctx, userID, roleNames...)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.audit(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionAccessDenied,
		ResourceType: "role",
		After:        map[string]any{"required_roles": roleNames},
	})
	return fmt.Errorf("%w: requires one of %s", ErrPermissionDenied, strings.Join(roleNames, ", "))
}

// invalidate drops cached grants. Failures are reported but not returned;
// the write that triggered them has already committed.
func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		obs.ObserveCache("error")
		obs.CaptureError(err, map[string]string{"op": "permission_cache_invalidate"})
		s.logger.ErrorContext(ctx, "permission cache invalidation failed", "event", "permission_cache", "users", len(userIDs), "error", err.Error())
	}
}

func (s *Service) invalidateRole(ctx context.Context, roleID string) {
	if s.cache == nil {
		return
	}
	holders, err := s.store.Assignments(ctx).UserIDsForRole(ctx, roleID)
	if err != nil {
		s.logger.ErrorContext(ctx, "list role holders failed", "event", "permission_cache", "role_id", roleID, "error", err.Error())
		return
	}
	s.invalidate(ctx, holders...)
}
