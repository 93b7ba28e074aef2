package auth

import (
	"context"
	"time"
)

// Store exposes the persistence surface used by Service. Implementations
// return ErrNotFound and ErrConflict for missing rows and uniqueness
// violations; anything else is treated as a storage failure.
type Store interface {
	Users(ctx context.Context) UserStore
	Applications(ctx context.Context) ApplicationStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Assignments(ctx context.Context) AssignmentStore
	Sessions(ctx context.Context) SessionStore
	ResetTokens(ctx context.Context) ResetTokenStore
	Ping(ctx context.Context) error
}

type UserStore interface {
	// Create inserts u together with its initial role assignment, if any.
	// Either both rows are written or neither is.
	Create(ctx context.Context, u *User, initial *RoleAssignment) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	SetMFA(ctx context.Context, id, secret string, enabled bool, at time.Time) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type ApplicationStore interface {
	Create(ctx context.Context, app *Application) error
	Find(ctx context.Context, id string) (*Application, error)
	FindByKey(ctx context.Context, key string) (*Application, error)
	UpdateSecret(ctx context.Context, id, secretHash string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, r *Role) error
	Delete(ctx context.Context, id string) error
	// BindPermission inserts the binding or replaces its constraints.
	BindPermission(ctx context.Context, rp *RolePermission) error
	UnbindPermission(ctx context.Context, roleID, permissionID string) error
	ListPermissions(ctx context.Context, roleID string) ([]Permission, error)
	// PermissionNames returns the distinct permission names bound to any of roleIDs.
	PermissionNames(ctx context.Context, roleIDs []string) ([]string, error)
}

type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	FindByName(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
}

type AssignmentStore interface {
	// Upsert creates the (user, role) pair or replaces its expiry and grantor.
	// The stored row, including its original AssignedAt, is written back to a.
	Upsert(ctx context.Context, a *RoleAssignment) error
	Delete(ctx context.Context, userID, roleID string) error
	// ListForUser returns every assignment with RoleName populated.
	ListForUser(ctx context.Context, userID string) ([]RoleAssignment, error)
	// UserIDsForRole returns users holding roleID, expired or not.
	UserIDsForRole(ctx context.Context, roleID string) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByAccessHash(ctx context.Context, hash string) (*Session, error)
	FindByRefreshHash(ctx context.Context, hash string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// Rotate swaps the token pair of the session currently holding
	// oldRefreshHash, provided it has not expired at rot.RotatedAt. At most
	// one concurrent caller succeeds; the rest get ErrNotFound.
	Rotate(ctx context.Context, oldRefreshHash string, rot SessionRotation) (*Session, error)
	DeleteForUser(ctx context.Context, id, userID string) error
	DeleteByAccessHash(ctx context.Context, hash string) (*Session, error)
	DeleteAllExcept(ctx context.Context, userID, keepID string) (int64, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type ResetTokenStore interface {
	Create(ctx context.Context, t *PasswordResetToken) error
	// Consume atomically marks the unused, unexpired token with tokenHash as
	// used, stores passwordHash for its owner and deletes all of the owner's
	// sessions. It returns ErrNotFound when no such token exists.
	Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (userID string, revoked int64, err error)
	// FindActive returns the unused token with tokenHash that is still valid
	// at now, or ErrNotFound.
	FindActive(ctx context.Context, tokenHash string, now time.Time) (*PasswordResetToken, error)
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

// PermissionCache memoizes resolved grants per user. Entries are keyed by a
// per-user generation that Invalidate advances, so a grant computed before an
// invalidation can never be served after it.
type PermissionCache interface {
	Get(ctx context.Context, userID string) (g Grants, generation int64, hit bool, err error)
	Set(ctx context.Context, userID string, generation int64, g Grants, ttl time.Duration) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// Notifier delivers password reset tokens out of band.
type Notifier interface {
	NotifyPasswordReset(ctx context.Context, n ResetNotice)
}

type ResetNotice struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}
