package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
)

// NewRole describes a custom role. Roles created here are never system roles.
type NewRole struct {
	Name        string
	Description string
	Config      map[string]any
}

func (s *Service) CreateRole(ctx context.Context, in NewRole) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	now := s.clock()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, storageErr("create role", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionRoleCreated,
		ResourceType: "role",
		ResourceID:   role.ID,
		After:        map[string]any{"name": role.Name},
	})
	return role, nil
}

// UpdateRole edits a custom role's attributes.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	before := map[string]any{"name": role.Name, "description": role.Description}
	renamed := false
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		renamed = name != role.Name
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Config != nil {
		role.Config = upd.Config
	}
	role.UpdatedAt = s.clock()
	if err := s.store.Roles(ctx).Update(ctx, role); err != nil {
		return nil, s.roleErr("update role", err)
	}
	if renamed {
		s.invalidateRole(ctx, role.ID)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionRoleUpdated,
		ResourceType: "role",
		ResourceID:   role.ID,
		Before:       before,
		After:        map[string]any{"name": role.Name, "description": role.Description},
	})
	return role, nil
}

// DeleteRole removes a custom role with its bindings and assignments.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	holders, err := s.store.Assignments(ctx).UserIDsForRole(ctx, role.ID)
	if err != nil {
		return storageErr("list role holders", err)
	}
	if err := s.store.Roles(ctx).Delete(ctx, role.ID); err != nil {
		return s.roleErr("delete role", err)
	}
	s.invalidate(ctx, holders...)
	s.audit(ctx, audit.Event{
		Action:       audit.ActionRoleDeleted,
		ResourceType: "role",
		ResourceID:   role.ID,
		Before:       map[string]any{"name": role.Name},
	})
	return nil
}

func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return nil, s.roleErr("find role", err)
	}
	return role, nil
}

func (s *Service) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role, err := s.store.Roles(ctx).FindByName(ctx, name)
	if err != nil {
		return nil, s.roleErr("find role", err)
	}
	return role, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.store.Roles(ctx).List(ctx)
	if err != nil {
		return nil, storageErr("list roles", err)
	}
	return roles, nil
}

func (s *Service) ListRolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.Roles(ctx).ListPermissions(ctx, role.ID)
	if err != nil {
		return nil, storageErr("list role permissions", err)
	}
	return perms, nil
}

// BindPermission grants permissionID to roleID, replacing the constraints of
// an existing binding.
func (s *Service) BindPermission(ctx context.Context, roleID, permissionID string, constraints map[string]any) (*RolePermission, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perm, err := s.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if constraints == nil {
		constraints = map[string]any{}
	}
	rp := &RolePermission{
		RoleID:       role.ID,
		PermissionID: perm.ID,
		Constraints:  constraints,
		CreatedAt:    s.clock(),
	}
	if err := s.store.Roles(ctx).BindPermission(ctx, rp); err != nil {
		return nil, storageErr("bind permission", err)
	}
	s.invalidateRole(ctx, role.ID)
	s.audit(ctx, audit.Event{
		Action:       audit.ActionPermissionBound,
		ResourceType: "role",
		ResourceID:   role.ID,
		After:        map[string]any{"permission": perm.Name},
	})
	return rp, nil
}

func (s *Service) UnbindPermission(ctx context.Context, roleID, permissionID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if err := s.store.Roles(ctx).UnbindPermission(ctx, role.ID, permissionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrBindingNotFound
		}
		return storageErr("unbind permission", err)
	}
	s.invalidateRole(ctx, role.ID)
	s.audit(ctx, audit.Event{
		Action:       audit.ActionPermissionUnbound,
		ResourceType: "role",
		ResourceID:   role.ID,
		Before:       map[string]any{"permission_id": permissionID},
	})
	return nil
}

// mutableRole loads a role and rejects system roles.
func (s *Service) mutableRole(ctx context.Context, roleID string) (*Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, fmt.Errorf("%w: %s", ErrImmutableRole, role.Name)
	}
	return role, nil
}

// NewPermission describes a permission such as "users.read".
type NewPermission struct {
	Name         string
	ResourceType string
	Action       string
	Description  string
}

func (s *Service) CreatePermission(ctx context.Context, in NewPermission) (*Permission, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	resourceType, action := strings.TrimSpace(in.ResourceType), strings.TrimSpace(in.Action)
	if resourceType == "" && action == "" {
		if res, act, ok := strings.Cut(name, "."); ok {
			resourceType, action = res, act
		}
	}
	perm := &Permission{
		ID:           ids.New(),
		Name:         name,
		ResourceType: resourceType,
		Action:       action,
		Description:  strings.TrimSpace(in.Description),
		CreatedAt:    s.clock(),
	}
	if err := s.store.Permissions(ctx).Create(ctx, perm); err != nil {
		return nil, storageErr("create permission", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionPermissionCreated,
		ResourceType: "permission",
		ResourceID:   perm.ID,
		After:        map[string]any{"name": perm.Name},
	})
	return perm, nil
}

func (s *Service) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	perm, err := s.store.Permissions(ctx).Find(ctx, permissionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPermissionNotFound
		}
		return nil, storageErr("find permission", err)
	}
	return perm, nil
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.store.Permissions(ctx).List(ctx)
	if err != nil {
		return nil, storageErr("list permissions", err)
	}
	return perms, nil
}

func (s *Service) roleErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrRoleNotFound
	}
	return storageErr(op, err)
}
