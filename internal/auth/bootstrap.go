package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"centralauth.org/internal/ids"
)

type seedPermission struct {
	name        string
	description string
}

var seedPermissions = []seedPermission{
	{PermUsersCreate, "Create users"},
	{PermUsersRead, "Read users"},
	{PermUsersUpdate, "Update users and their role assignments"},
	{PermUsersDelete, "Delete users"},
	{PermAppsManage, "Manage applications, roles and permissions"},
	{PermResourcesCreate, "Create resources"},
	{PermResourcesRead, "Read resources"},
	{PermResourcesUpdate, "Update resources"},
	{PermResourcesDelete, "Delete resources"},
}

type seedRole struct {
	name        string
	description string
	permissions []string
}

var seedRoles = []seedRole{
	{RoleSuperAdmin, "Full system access", []string{
		PermUsersCreate, PermUsersRead, PermUsersUpdate, PermUsersDelete, PermAppsManage,
		PermResourcesCreate, PermResourcesRead, PermResourcesUpdate, PermResourcesDelete,
	}},
	{RoleAdmin, "Administrative access", []string{
		PermUsersCreate, PermUsersRead, PermUsersUpdate, PermAppsManage,
		PermResourcesCreate, PermResourcesRead, PermResourcesUpdate, PermResourcesDelete,
	}},
	{RoleUser, "Standard user access", []string{PermUsersRead, PermResourcesRead}},
	{RoleGuest, "Limited guest access", nil},
}

// Bootstrap ensures the system roles and built-in permissions exist with their
// seeded bindings. It is idempotent and writes through the store directly, so
// it is the only path that may touch system roles.
func (s *Service) Bootstrap(ctx context.Context) error {
	now := s.clock()
	permIDs := make(map[string]string, len(seedPermissions))
	for _, sp := range seedPermissions {
		p, err := s.store.Permissions(ctx).FindByName(ctx, sp.name)
		if errors.Is(err, ErrNotFound) {
			res, act, _ := strings.Cut(sp.name, ".")
			p = &Permission{
				ID:           ids.New(),
				Name:         sp.name,
				ResourceType: res,
				Action:       act,
				Description:  sp.description,
				CreatedAt:    now,
			}
			err = s.store.Permissions(ctx).Create(ctx, p)
		}
		if err != nil {
			return storageErr("seed permission", err)
		}
		permIDs[sp.name] = p.ID
	}

	for _, sr := range seedRoles {
		r, err := s.store.Roles(ctx).FindByName(ctx, sr.name)
		if errors.Is(err, ErrNotFound) {
			r = &Role{
				ID:          ids.New(),
				Name:        sr.name,
				Description: sr.description,
				IsSystem:    true,
				Config:      map[string]any{},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			err = s.store.Roles(ctx).Create(ctx, r)
		}
		if err != nil {
			return storageErr("seed role", err)
		}
		if !r.IsSystem {
			return fmt.Errorf("%w: role %q exists and is not a system role", ErrConflict, sr.name)
		}
		for _, name := range sr.permissions {
			rp := &RolePermission{RoleID: r.ID, PermissionID: permIDs[name], Constraints: map[string]any{}, CreatedAt: now}
			if err := s.store.Roles(ctx).BindPermission(ctx, rp); err != nil {
				return storageErr("seed binding", err)
			}
		}
	}
	return nil
}
