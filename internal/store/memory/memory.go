// Package memory is a process-local implementation of auth.Store and
// audit.Sink. A single mutex stands in for the transactions and unique
// constraints of the SQL store.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/auth"
)

type pair struct{ a, b string }

// Store holds every entity in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	users        map[string]*auth.User
	apps         map[string]*auth.Application
	roles        map[string]*auth.Role
	perms        map[string]*auth.Permission
	bindings     map[pair]*auth.RolePermission // (role, permission)
	assignments  map[pair]*auth.RoleAssignment // (user, role)
	sessions     map[string]*auth.Session
	resetTokens  map[string]*auth.PasswordResetToken
	auditRecords []audit.Record
}

func New() *Store {
	return &Store{
		users:       map[string]*auth.User{},
		apps:        map[string]*auth.Application{},
		roles:       map[string]*auth.Role{},
		perms:       map[string]*auth.Permission{},
		bindings:    map[pair]*auth.RolePermission{},
		assignments: map[pair]*auth.RoleAssignment{},
		sessions:    map[string]*auth.Session{},
		resetTokens: map[string]*auth.PasswordResetToken{},
	}
}

func (s *Store) Users(context.Context) auth.UserStore               { return userStore{s} }
func (s *Store) Applications(context.Context) auth.ApplicationStore { return appStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore               { return roleStore{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore   { return permStore{s} }
func (s *Store) Assignments(context.Context) auth.AssignmentStore   { return assignmentStore{s} }
func (s *Store) Sessions(context.Context) auth.SessionStore         { return sessionStore{s} }
func (s *Store) ResetTokens(context.Context) auth.ResetTokenStore   { return resetStore{s} }
func (s *Store) Ping(ctx context.Context) error                     { return ctx.Err() }

// Append implements audit.Sink.
func (s *Store) Append(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditRecords = append(s.auditRecords, *rec)
	return nil
}

// AuditRecords returns a copy of everything appended so far, oldest first.
func (s *Store) AuditRecords() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.auditRecords)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ---- users

type userStore struct{ s *Store }

func cloneUser(u *auth.User) *auth.User {
	c := *u
	c.Metadata = maps.Clone(u.Metadata)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	return &c
}

func (r userStore) Create(_ context.Context, u *auth.User, initial *auth.RoleAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.users {
		if existing.Email == u.Email || existing.Username == u.Username {
			return auth.ErrConflict
		}
	}
	if initial != nil {
		if _, ok := r.s.roles[initial.RoleID]; !ok {
			return auth.ErrNotFound
		}
	}
	r.s.users[u.ID] = cloneUser(u)
	if initial != nil {
		c := *initial
		c.UserID = u.ID
		c.ExpiresAt = cloneTime(initial.ExpiresAt)
		r.s.assignments[pair{u.ID, initial.RoleID}] = &c
	}
	return nil
}

func (r userStore) Find(_ context.Context, id string) (*auth.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r userStore) update(id string, fn func(*auth.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	return nil
}

func (r userStore) UpdatePassword(_ context.Context, id, hash string, at time.Time) error {
	return r.update(id, func(u *auth.User) { u.PasswordHash, u.UpdatedAt = hash, at })
}

func (r userStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	return r.update(id, func(u *auth.User) { u.Active, u.UpdatedAt = active, at })
}

func (r userStore) SetMFA(_ context.Context, id, secret string, enabled bool, at time.Time) error {
	return r.update(id, func(u *auth.User) { u.MFASecret, u.MFAEnabled, u.UpdatedAt = secret, enabled, at })
}

func (r userStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *auth.User) { u.LastLoginAt = &at })
}

func (r userStore) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.users, id)
	for k := range r.s.assignments {
		if k.a == id {
			delete(r.s.assignments, k)
		}
	}
	for k, sess := range r.s.sessions {
		if sess.UserID == id {
			delete(r.s.sessions, k)
		}
	}
	for k, t := range r.s.resetTokens {
		if t.UserID == id {
			delete(r.s.resetTokens, k)
		}
	}
	for i := range r.s.auditRecords {
		if r.s.auditRecords[i].UserID == id {
			r.s.auditRecords[i].UserID = ""
		}
	}
	return nil
}

// ---- applications

type appStore struct{ s *Store }

func cloneApp(a *auth.Application) *auth.Application {
	c := *a
	c.Config = maps.Clone(a.Config)
	return &c
}

func (r appStore) Create(_ context.Context, app *auth.Application) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.apps {
		if existing.Name == app.Name || existing.Key == app.Key {
			return auth.ErrConflict
		}
	}
	r.s.apps[app.ID] = cloneApp(app)
	return nil
}

func (r appStore) Find(_ context.Context, id string) (*auth.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.apps[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneApp(a), nil
}

func (r appStore) FindByKey(_ context.Context, key string) (*auth.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.apps {
		if a.Key == key {
			return cloneApp(a), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r appStore) UpdateSecret(_ context.Context, id, hash string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.apps[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.SecretHash, a.UpdatedAt = hash, at
	return nil
}

func (r appStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.apps[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.Active, a.UpdatedAt = active, at
	return nil
}

func (r appStore) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.apps[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.apps, id)
	for k, sess := range r.s.sessions {
		if sess.ApplicationID == id {
			delete(r.s.sessions, k)
		}
	}
	for i := range r.s.auditRecords {
		if r.s.auditRecords[i].ApplicationID == id {
			r.s.auditRecords[i].ApplicationID = ""
		}
	}
	return nil
}

// ---- roles

type roleStore struct{ s *Store }

func cloneRole(r *auth.Role) *auth.Role {
	c := *r
	c.Config = maps.Clone(r.Config)
	return &c
}

func (r roleStore) Create(_ context.Context, role *auth.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.roles {
		if existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	r.s.roles[role.ID] = cloneRole(role)
	return nil
}

func (r roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRole(role), nil
}

func (r roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, role := range r.s.roles {
		if role.Name == name {
			return cloneRole(role), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r roleStore) List(context.Context) ([]auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, *cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleStore) Update(_ context.Context, role *auth.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.roles[role.ID]
	if !ok {
		return auth.ErrNotFound
	}
	for id, other := range r.s.roles {
		if id != role.ID && other.Name == role.Name {
			return auth.ErrConflict
		}
	}
	existing.Name = role.Name
	existing.Description = role.Description
	existing.Config = maps.Clone(role.Config)
	existing.UpdatedAt = role.UpdatedAt
	return nil
}

func (r roleStore) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.roles, id)
	for k := range r.s.bindings {
		if k.a == id {
			delete(r.s.bindings, k)
		}
	}
	for k := range r.s.assignments {
		if k.b == id {
			delete(r.s.assignments, k)
		}
	}
	return nil
}

func (r roleStore) BindPermission(_ context.Context, rp *auth.RolePermission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roles[rp.RoleID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.s.perms[rp.PermissionID]; !ok {
		return auth.ErrNotFound
	}
	key := pair{rp.RoleID, rp.PermissionID}
	if existing, ok := r.s.bindings[key]; ok {
		existing.Constraints = maps.Clone(rp.Constraints)
		rp.CreatedAt = existing.CreatedAt
		return nil
	}
	c := *rp
	c.Constraints = maps.Clone(rp.Constraints)
	r.s.bindings[key] = &c
	return nil
}

func (r roleStore) UnbindPermission(_ context.Context, roleID, permissionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := pair{roleID, permissionID}
	if _, ok := r.s.bindings[key]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.bindings, key)
	return nil
}

func (r roleStore) ListPermissions(_ context.Context, roleID string) ([]auth.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []auth.Permission
	for k := range r.s.bindings {
		if k.a != roleID {
			continue
		}
		if p, ok := r.s.perms[k.b]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleStore) PermissionNames(_ context.Context, roleIDs []string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := map[string]struct{}{}
	for k := range r.s.bindings {
		if !slices.Contains(roleIDs, k.a) {
			continue
		}
		if p, ok := r.s.perms[k.b]; ok {
			seen[p.Name] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// ---- permissions

type permStore struct{ s *Store }

func (r permStore) Create(_ context.Context, p *auth.Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.perms {
		if existing.Name == p.Name {
			return auth.ErrConflict
		}
	}
	c := *p
	r.s.perms[p.ID] = &c
	return nil
}

func (r permStore) Find(_ context.Context, id string) (*auth.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.perms[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r permStore) FindByName(_ context.Context, name string) (*auth.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.perms {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r permStore) List(context.Context) ([]auth.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]auth.Permission, 0, len(r.s.perms))
	for _, p := range r.s.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- assignments

type assignmentStore struct{ s *Store }

func (r assignmentStore) Upsert(_ context.Context, a *auth.RoleAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[a.UserID]; !ok {
		return auth.ErrNotFound
	}
	role, ok := r.s.roles[a.RoleID]
	if !ok {
		return auth.ErrNotFound
	}
	key := pair{a.UserID, a.RoleID}
	if existing, ok := r.s.assignments[key]; ok {
		existing.ExpiresAt = cloneTime(a.ExpiresAt)
		existing.AssignedBy = a.AssignedBy
		a.ID = existing.ID
		a.AssignedAt = existing.AssignedAt
		a.RoleName = role.Name
		return nil
	}
	c := *a
	c.ExpiresAt = cloneTime(a.ExpiresAt)
	r.s.assignments[key] = &c
	a.RoleName = role.Name
	return nil
}

func (r assignmentStore) Delete(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := pair{userID, roleID}
	if _, ok := r.s.assignments[key]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.assignments, key)
	return nil
}

func (r assignmentStore) ListForUser(_ context.Context, userID string) ([]auth.RoleAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []auth.RoleAssignment
	for k, a := range r.s.assignments {
		if k.a != userID {
			continue
		}
		c := *a
		c.ExpiresAt = cloneTime(a.ExpiresAt)
		if role, ok := r.s.roles[a.RoleID]; ok {
			c.RoleName = role.Name
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (r assignmentStore) UserIDsForRole(_ context.Context, roleID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for k := range r.s.assignments {
		if k.b == roleID {
			out = append(out, k.a)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r assignmentStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, a := range r.s.assignments {
		if !a.ActiveAt(now) {
			delete(r.s.assignments, k)
			n++
		}
	}
	return n, nil
}

// ---- sessions

type sessionStore struct{ s *Store }

func (r sessionStore) Create(_ context.Context, sess *auth.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[sess.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.s.apps[sess.ApplicationID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range r.s.sessions {
		if existing.AccessTokenHash == sess.AccessTokenHash || existing.RefreshTokenHash == sess.RefreshTokenHash {
			return auth.ErrConflict
		}
	}
	c := *sess
	r.s.sessions[sess.ID] = &c
	return nil
}

func (r sessionStore) Find(_ context.Context, id string) (*auth.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (r sessionStore) findBy(match func(*auth.Session) bool) (*auth.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if match(sess) {
			c := *sess
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r sessionStore) FindByAccessHash(_ context.Context, hash string) (*auth.Session, error) {
	return r.findBy(func(s *auth.Session) bool { return s.AccessTokenHash == hash })
}

func (r sessionStore) FindByRefreshHash(_ context.Context, hash string) (*auth.Session, error) {
	return r.findBy(func(s *auth.Session) bool { return s.RefreshTokenHash == hash })
}

func (r sessionStore) Touch(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.LastActivityAt = at
	return nil
}

func (r sessionStore) Rotate(_ context.Context, oldRefreshHash string, rot auth.SessionRotation) (*auth.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if sess.RefreshTokenHash != oldRefreshHash || !sess.ExpiresAt.After(rot.RotatedAt) {
			continue
		}
		sess.AccessTokenHash = rot.AccessTokenHash
		sess.RefreshTokenHash = rot.RefreshTokenHash
		sess.ExpiresAt = rot.ExpiresAt
		sess.LastActivityAt = rot.RotatedAt
		c := *sess
		return &c, nil
	}
	return nil, auth.ErrNotFound
}

func (r sessionStore) DeleteForUser(_ context.Context, id, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.UserID != userID {
		return auth.ErrNotFound
	}
	delete(r.s.sessions, id)
	return nil
}

func (r sessionStore) DeleteByAccessHash(_ context.Context, hash string) (*auth.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, sess := range r.s.sessions {
		if sess.AccessTokenHash == hash {
			delete(r.s.sessions, id)
			return sess, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r sessionStore) DeleteAllExcept(_ context.Context, userID, keepID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.UserID == userID && id != keepID {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r sessionStore) ListActive(_ context.Context, userID string, now time.Time) ([]auth.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []auth.Session
	for _, sess := range r.s.sessions {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r sessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ---- reset tokens

type resetStore struct{ s *Store }

func (r resetStore) Create(_ context.Context, t *auth.PasswordResetToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[t.UserID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range r.s.resetTokens {
		if existing.TokenHash == t.TokenHash {
			return auth.ErrConflict
		}
	}
	c := *t
	r.s.resetTokens[t.ID] = &c
	return nil
}

func (r resetStore) Consume(_ context.Context, tokenHash, passwordHash string, now time.Time) (string, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.resetTokens {
		if t.TokenHash != tokenHash || t.UsedAt != nil || !t.ExpiresAt.After(now) {
			continue
		}
		u, ok := r.s.users[t.UserID]
		if !ok {
			return "", 0, auth.ErrNotFound
		}
		used := now
		t.UsedAt = &used
		u.PasswordHash, u.UpdatedAt = passwordHash, now
		var n int64
		for id, sess := range r.s.sessions {
			if sess.UserID == u.ID {
				delete(r.s.sessions, id)
				n++
			}
		}
		return u.ID, n, nil
	}
	return "", 0, auth.ErrNotFound
}

func (r resetStore) FindActive(_ context.Context, tokenHash string, now time.Time) (*auth.PasswordResetToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.resetTokens {
		if t.TokenHash == tokenHash && t.UsedAt == nil && t.ExpiresAt.After(now) {
			c := *t
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r resetStore) DeleteStale(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.resetTokens {
		if t.UsedAt != nil || !t.ExpiresAt.After(now) {
			delete(r.s.resetTokens, id)
			n++
		}
	}
	return n, nil
}
