package auth

import (
	"slices"
	"time"
)

// Seeded role names. Roles carrying IsSystem cannot be edited.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleGuest      = "guest"
)

// Permission names that gate the administrative HTTP surface.
const (
	PermUsersCreate     = "users.create"
	PermUsersRead       = "users.read"
	PermUsersUpdate     = "users.update"
	PermUsersDelete     = "users.delete"
	PermAppsManage      = "apps.manage"
	PermResourcesCreate = "resources.create"
	PermResourcesRead   = "resources.read"
	PermResourcesUpdate = "resources.update"
	PermResourcesDelete = "resources.delete"
)

// DefaultRole is assigned to every newly registered user.
const DefaultRole = RoleUser

type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Username      string         `json:"username"`
	PasswordHash  string         `json:"-"`
	FirstName     string         `json:"first_name,omitempty"`
	LastName      string         `json:"last_name,omitempty"`
	PhoneNumber   string         `json:"phone_number,omitempty"`
	Active        bool           `json:"active"`
	EmailVerified bool           `json:"email_verified"`
	MFASecret     string         `json:"-"`
	MFAEnabled    bool           `json:"mfa_enabled"`
	LastLoginAt   *time.Time     `json:"last_login_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type Application struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Key         string         `json:"app_key"`
	SecretHash  string         `json:"-"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Role struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	IsSystem    bool           `json:"is_system"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RoleUpdate carries optional changes; nil fields are left untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
	Config      map[string]any
}

type Permission struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ResourceType string    `json:"resource_type,omitempty"`
	Action       string    `json:"action,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RolePermission binds a permission to a role. Constraints are stored for
// callers but never evaluated during authorization.
type RolePermission struct {
	RoleID       string         `json:"role_id"`
	PermissionID string         `json:"permission_id"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RoleAssignment links a user to a role, optionally until ExpiresAt.
type RoleAssignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	RoleName   string     `json:"role_name,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the assignment grants its role at t.
func (a RoleAssignment) ActiveAt(t time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// Session is the persisted half of an authenticated session. Only digests of
// the issued tokens are kept.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ApplicationID    string    `json:"application_id,omitempty"`
	AccessTokenHash  string    `json:"-"`
	RefreshTokenHash string    `json:"-"`
	SourceAddress    string    `json:"source_address,omitempty"`
	ClientInfo       string    `json:"client_info,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// IssuedSession is returned whenever tokens are minted. The plaintext tokens
// exist only here.
type IssuedSession struct {
	Session
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SessionRotation describes the replacement tokens written by a refresh.
type SessionRotation struct {
	AccessTokenHash  string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RotatedAt        time.Time
}

type PasswordResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Grants is the resolved view of a user's active roles and permissions.
type Grants struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (g Grants) HasPermission(name string) bool { return slices.Contains(g.Permissions, name) }

func (g Grants) HasAnyRole(names ...string) bool {
	for _, n := range names {
		if slices.Contains(g.Roles, n) {
			return true
		}
	}
	return false
}

// Actor identifies who is performing an operation, for audit attribution.
type Actor struct {
	UserID        string
	ApplicationID string
	SourceAddress string
}
