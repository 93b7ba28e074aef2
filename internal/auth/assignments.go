package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
)

// AssignInput grants RoleID to UserID. A nil ExpiresAt never expires.
type AssignInput struct {
	UserID     string
	RoleID     string
	ExpiresAt  *time.Time
	AssignedBy string
}

// AssignRole creates the (user, role) assignment or updates the expiry and
// grantor of the existing one.
func (s *Service) AssignRole(ctx context.Context, in AssignInput) (*RoleAssignment, error) {
	user, err := s.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	role, err := s.GetRole(ctx, in.RoleID)
	if err != nil {
		return nil, err
	}
	var expires *time.Time
	if in.ExpiresAt != nil {
		t := in.ExpiresAt.UTC()
		expires = &t
	}
	a := &RoleAssignment{
		ID:         ids.New(),
		UserID:     user.ID,
		RoleID:     role.ID,
		RoleName:   role.Name,
		AssignedBy: strings.TrimSpace(in.AssignedBy),
		AssignedAt: s.clock(),
		ExpiresAt:  expires,
	}
	if err := s.store.Assignments(ctx).Upsert(ctx, a); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: assignment references a missing entity", ErrNotFound)
		}
		return nil, storageErr("assign role", err)
	}
	a.RoleName = role.Name
	s.invalidate(ctx, user.ID)

	after := map[string]any{"role_id": role.ID, "role": role.Name}
	if expires != nil {
		after["expires_at"] = expires.Format(time.RFC3339)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionRoleAssigned,
		ResourceType: "user_role",
		ResourceID:   user.ID,
		After:        after,
	})
	return a, nil
}

// RemoveRole deletes the (user, role) assignment.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID string) error {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.Assignments(ctx).Delete(ctx, userID, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAssignmentNotFound
		}
		return storageErr("remove role", err)
	}
	s.invalidate(ctx, userID)
	s.audit(ctx, audit.Event{
		Action:       audit.ActionRoleRemoved,
		ResourceType: "user_role",
		ResourceID:   userID,
		Before:       map[string]any{"role_id": roleID},
	})
	return nil
}

// ListUserRoles returns the user's currently active assignments.
func (s *Service) ListUserRoles(ctx context.Context, userID string) ([]RoleAssignment, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.Assignments(ctx).ListForUser(ctx, user.ID)
	if err != nil {
		return nil, storageErr("list assignments", err)
	}
	now := s.clock()
	active := make([]RoleAssignment, 0, len(all))
	for _, a := range all {
		if a.ActiveAt(now) {
			active = append(active, a)
		}
	}
	return active, nil
}
