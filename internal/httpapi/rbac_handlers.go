package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"centralauth.org/internal/auth"
)

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createRoleRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config"`
}

type bindPermissionRequest struct {
	PermissionID string         `json:"permission_id"`
	Constraints  map[string]any `json:"constraints"`
}

type createPermissionRequest struct {
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	Description  string `json:"description"`
}

type createApplicationRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config"`
}

func (a *API) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	// Users may always read their own assignments.
	if userID != current(r).User.ID && !a.ensurePermission(w, r, auth.PermUsersRead) {
		return
	}
	assignments, err := a.svc.ListUserRoles(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": assignments})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermUsersUpdate) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	assignment, err := a.svc.AssignRole(r.Context(), auth.AssignInput{
		UserID:     r.PathValue("id"),
		RoleID:     req.RoleID,
		ExpiresAt:  req.ExpiresAt,
		AssignedBy: current(r).User.ID,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermUsersUpdate) {
		return
	}
	if err := a.svc.RemoveRole(r.Context(), r.PathValue("id"), r.PathValue("roleId")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermUsersRead) {
		return
	}
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), auth.NewRole{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	if err := a.svc.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermUsersRead) {
		return
	}
	perms, err := a.svc.ListRolePermissions(r.Context(), r.PathValue("id"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleBindPermission(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	var req bindPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PermissionID) == "" {
		writeError(w, r, http.StatusBadRequest, "permission_id is required")
		return
	}
	binding, err := a.svc.BindPermission(r.Context(), r.PathValue("id"), req.PermissionID, req.Constraints)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (a *API) handleUnbindPermission(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	if err := a.svc.UnbindPermission(r.Context(), r.PathValue("id"), r.PathValue("permissionId")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermUsersRead) {
		return
	}
	perms, err := a.svc.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.CreatePermission(r.Context(), auth.NewPermission{
		Name:         req.Name,
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Description:  req.Description,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	var req createApplicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	app, secret, err := a.svc.CreateApplication(r.Context(), auth.NewApplication{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/applications/%s", app.ID))
	writeJSON(w, http.StatusCreated, map[string]any{
		"application": app,
		"app_secret":  secret,
	})
}

func (a *API) handleRegenerateSecret(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermAppsManage) {
		return
	}
	secret, err := a.svc.RegenerateSecret(r.Context(), r.PathValue("id"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app_secret": secret})
}
