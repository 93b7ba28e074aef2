package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/auth"
	"centralauth.org/internal/cache"
	"centralauth.org/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureNotifier struct {
	mu      sync.Mutex
	notices []auth.ResetNotice
}

func (n *captureNotifier) NotifyPasswordReset(_ context.Context, notice auth.ResetNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *captureNotifier) last(t *testing.T) auth.ResetNotice {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		t.Fatalf("no reset notice delivered")
	}
	return n.notices[len(n.notices)-1]
}

type harness struct {
	svc      *auth.Service
	store    *memory.Store
	clock    *testClock
	notifier *captureNotifier
	app      *auth.Application
}

const testPassword = "Correct-Horse-9"

func newHarness(t *testing.T, opts ...auth.ServiceOption) *harness {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	notifier := &captureNotifier{}
	signer, err := auth.NewHMACSigner(strings.Repeat("s", 32), "central-auth", clk.Now)
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	base := []auth.ServiceOption{
		auth.WithClock(clk.Now),
		auth.WithHasher(&auth.Argon2Hasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}),
		auth.WithRecorder(audit.NewRecorder(store, audit.WithClock(clk.Now))),
		auth.WithNotifier(notifier),
	}
	svc, err := auth.NewService(store, signer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	app, _, err := svc.CreateApplication(ctx, auth.NewApplication{Name: "Web Portal"})
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	return &harness{svc: svc, store: store, clock: clk, notifier: notifier, app: app}
}

func (h *harness) register(t *testing.T, name string) *auth.User {
	t.Helper()
	u, err := h.svc.Register(context.Background(), auth.RegisterInput{
		Email:    name + "@example.com",
		Username: name,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	return u
}

func (h *harness) login(t *testing.T, email string) *auth.IssuedSession {
	t.Helper()
	issued, _, err := h.svc.Login(context.Background(), auth.LoginInput{
		Email:         email,
		Password:      testPassword,
		AppKey:        h.app.Key,
		SourceAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return issued
}

func (h *harness) role(t *testing.T, name string) *auth.Role {
	t.Helper()
	r, err := h.svc.GetRoleByName(context.Background(), name)
	if err != nil {
		t.Fatalf("GetRoleByName(%s): %v", name, err)
	}
	return r
}

func (h *harness) auditActions() []string {
	var out []string
	for _, rec := range h.store.AuditRecords() {
		out = append(out, rec.Action)
	}
	return out
}

func TestRegisterGrantsDefaultRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")

	if ok, err := h.svc.HasRole(ctx, u.ID, auth.RoleUser); err != nil || !ok {
		t.Fatalf("expected default role, ok=%v err=%v", ok, err)
	}
	if ok, _ := h.svc.HasPermission(ctx, u.ID, auth.PermUsersRead); !ok {
		t.Fatalf("expected users.read via default role")
	}
	if ok, _ := h.svc.HasPermission(ctx, u.ID, auth.PermAppsManage); ok {
		t.Fatalf("default role must not grant apps.manage")
	}

	_, err := h.svc.Register(ctx, auth.RegisterInput{Email: "ALICE@example.com", Username: "alice2", Password: testPassword})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
	_, err = h.svc.Register(ctx, auth.RegisterInput{Email: "bob@example.com", Username: "bob", Password: "short"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}

func TestLoginAndValidateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	issued := h.login(t, "alice@example.com")

	if issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatalf("expected both tokens")
	}
	if issued.ApplicationID != h.app.ID {
		t.Fatalf("session bound to %q, want %q", issued.ApplicationID, h.app.ID)
	}
	if want := issued.IssuedAt.Add(time.Hour); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("expires %v, want %v", issued.ExpiresAt, want)
	}

	h.clock.Advance(10 * time.Minute)
	user, sess, err := h.svc.ValidateSession(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if user.ID != u.ID || sess.ID != issued.ID {
		t.Fatalf("validated wrong session: user=%s session=%s", user.ID, sess.ID)
	}
	if !sess.LastActivityAt.Equal(h.clock.Now()) {
		t.Fatalf("last activity not updated: %v", sess.LastActivityAt)
	}

	if _, _, err := h.svc.ValidateSession(ctx, "garbage"); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	h.clock.Advance(50 * time.Minute)
	if _, _, err := h.svc.ValidateSession(ctx, issued.AccessToken); !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired at expiry, got %v", err)
	}

	actions := strings.Join(h.auditActions(), ",")
	if !strings.Contains(actions, audit.ActionRegister) || !strings.Contains(actions, audit.ActionLogin) {
		t.Fatalf("missing audit records: %s", actions)
	}
}

func TestLoginFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")

	_, _, err := h.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "wrong-password", AppKey: h.app.Key})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	_, _, err = h.svc.Login(ctx, auth.LoginInput{Email: "nobody@example.com", Password: testPassword, AppKey: h.app.Key})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
	_, _, err = h.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: testPassword, AppKey: "missing"})
	if !errors.Is(err, auth.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}

	if err := h.svc.SetApplicationActive(ctx, h.app.ID, false); err != nil {
		t.Fatalf("SetApplicationActive: %v", err)
	}
	_, _, err = h.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: testPassword, AppKey: h.app.Key})
	if !errors.Is(err, auth.ErrApplicationInactive) {
		t.Fatalf("expected ErrApplicationInactive, got %v", err)
	}
	if err := h.svc.SetApplicationActive(ctx, h.app.ID, true); err != nil {
		t.Fatalf("SetApplicationActive: %v", err)
	}

	if err := h.svc.SetUserActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	_, _, err = h.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: testPassword, AppKey: h.app.Key})
	if !errors.Is(err, auth.ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
}

func TestValidateSessionRejectsInactiveUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	issued := h.login(t, "alice@example.com")

	if err := h.svc.SetUserActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, issued.AccessToken); !errors.Is(err, auth.ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice")
	first := h.login(t, "alice@example.com")

	h.clock.Advance(30 * time.Minute)
	second, err := h.svc.RefreshSession(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("refresh should keep the session identity")
	}
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Fatalf("tokens were not rotated")
	}
	if want := h.clock.Now().Add(time.Hour); !second.ExpiresAt.Equal(want) {
		t.Fatalf("expiry %v, want %v", second.ExpiresAt, want)
	}

	if _, _, err := h.svc.ValidateSession(ctx, first.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("old access token still usable: %v", err)
	}
	if _, err := h.svc.RefreshSession(ctx, first.RefreshToken); !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("old refresh token still usable: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}

	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.RefreshSession(ctx, second.RefreshToken); !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("expired session refreshed: %v", err)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice")
	issued := h.login(t, "alice@example.com")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.RefreshSession(ctx, issued.RefreshToken); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, auth.ErrInvalidRefreshToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", success)
	}
	sessions, err := h.svc.ListSessions(ctx, issued.UserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session after concurrent refresh, got %d", len(sessions))
	}
}

func TestTerminateSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	a1 := h.login(t, "alice@example.com")
	a2 := h.login(t, "alice@example.com")
	a3 := h.login(t, "alice@example.com")
	b1 := h.login(t, "bob@example.com")

	if err := h.svc.TerminateSession(ctx, b1.ID, alice.ID); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("terminated another user's session: %v", err)
	}
	if err := h.svc.TerminateSession(ctx, a2.ID, alice.ID); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, a2.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("terminated session still valid: %v", err)
	}

	n, err := h.svc.TerminateAllOtherSessions(ctx, alice.ID, a1.ID)
	if err != nil {
		t.Fatalf("TerminateAllOtherSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 terminated session, got %d", n)
	}
	if _, _, err := h.svc.ValidateSession(ctx, a3.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("other session survived: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, a1.AccessToken); err != nil {
		t.Fatalf("current session was terminated: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, b1.AccessToken); err != nil {
		t.Fatalf("bob's session was terminated: %v", err)
	}

	if err := h.svc.Logout(ctx, a1.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, a1.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("logged out session still valid: %v", err)
	}
	if sessions, _ := h.svc.ListSessions(ctx, bob.ID); len(sessions) != 1 {
		t.Fatalf("expected bob to keep one session, got %d", len(sessions))
	}
}

func TestAssignRoleUpserts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	admin := h.role(t, auth.RoleAdmin)

	first, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: admin.ID})
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	expires := h.clock.Now().Add(24 * time.Hour)
	second, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: admin.ID, ExpiresAt: &expires, AssignedBy: u.ID})
	if err != nil {
		t.Fatalf("AssignRole again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-assignment created a new row: %s vs %s", second.ID, first.ID)
	}

	roles, err := h.svc.ListUserRoles(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListUserRoles: %v", err)
	}
	count := 0
	for _, r := range roles {
		if r.RoleID == admin.ID {
			count++
			if r.ExpiresAt == nil || !r.ExpiresAt.Equal(expires) || r.AssignedBy != u.ID {
				t.Fatalf("assignment not updated: %+v", r)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one admin assignment, got %d", count)
	}

	if _, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: "missing", RoleID: admin.ID}); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: "missing"}); !errors.Is(err, auth.ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}

	if err := h.svc.RemoveRole(ctx, u.ID, admin.ID); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if err := h.svc.RemoveRole(ctx, u.ID, admin.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second removal, got %v", err)
	}
	if ok, _ := h.svc.HasRole(ctx, u.ID, auth.RoleAdmin); ok {
		t.Fatalf("removed role still held")
	}
}

func TestExpiredAssignmentGrantsNothing(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cache bool
	}{{"uncached", false}, {"cached", true}} {
		t.Run(tc.name, func(t *testing.T) {
			var opts []auth.ServiceOption
			clk := &testClock{}
			if tc.cache {
				opts = append(opts, auth.WithPermissionCache(cache.NewMemory(clk.Now), time.Hour))
			}
			h := newHarness(t, opts...)
			clk.now = h.clock.Now()
			ctx := context.Background()
			u := h.register(t, "alice")
			admin := h.role(t, auth.RoleAdmin)

			expires := h.clock.Now().Add(10 * time.Minute)
			if _, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: admin.ID, ExpiresAt: &expires}); err != nil {
				t.Fatalf("AssignRole: %v", err)
			}
			if ok, _ := h.svc.HasPermission(ctx, u.ID, auth.PermAppsManage); !ok {
				t.Fatalf("expected apps.manage before expiry")
			}

			h.clock.Advance(10 * time.Minute)
			clk.Advance(10 * time.Minute)
			if ok, _ := h.svc.HasPermission(ctx, u.ID, auth.PermAppsManage); ok {
				t.Fatalf("expired assignment still grants apps.manage")
			}
			if ok, _ := h.svc.HasRole(ctx, u.ID, auth.RoleAdmin); ok {
				t.Fatalf("expired assignment still grants admin")
			}
			if ok, _ := h.svc.HasRole(ctx, u.ID, auth.RoleAdmin, auth.RoleUser); !ok {
				t.Fatalf("non-expiring default role lost")
			}
		})
	}
}

func TestRequireRecordsDenial(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "alice")
	ctx := auth.ContextWithActor(context.Background(), auth.Actor{UserID: u.ID, ApplicationID: h.app.ID, SourceAddress: "10.1.1.1"})

	if err := h.svc.Require(ctx, u.ID, auth.PermUsersRead); err != nil {
		t.Fatalf("Require users.read: %v", err)
	}
	err := h.svc.Require(ctx, u.ID, auth.PermUsersDelete)
	if !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	var denial *audit.Record
	for _, rec := range h.store.AuditRecords() {
		if rec.Action == audit.ActionAccessDenied {
			denial = &rec
		}
	}
	if denial == nil {
		t.Fatalf("no access_denied record")
	}
	if denial.UserID != u.ID || denial.ResourceType != "permission" || denial.After["required_permission"] != auth.PermUsersDelete {
		t.Fatalf("unexpected denial record: %+v", denial)
	}
	if denial.ApplicationID != h.app.ID || denial.SourceAddress != "10.1.1.1" {
		t.Fatalf("denial not attributed to actor: %+v", denial)
	}

	if err := h.svc.RequireRole(ctx, u.ID, auth.RoleAdmin, auth.RoleSuperAdmin); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for role, got %v", err)
	}
}

func TestSystemRolesAreImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	perms, err := h.svc.ListPermissions(ctx)
	if err != nil || len(perms) == 0 {
		t.Fatalf("ListPermissions: %v (%d)", err, len(perms))
	}
	name := "renamed"
	for _, roleName := range []string{auth.RoleSuperAdmin, auth.RoleAdmin, auth.RoleUser, auth.RoleGuest} {
		r := h.role(t, roleName)
		if !r.IsSystem {
			t.Fatalf("%s should be a system role", roleName)
		}
		if _, err := h.svc.BindPermission(ctx, r.ID, perms[0].ID, nil); !errors.Is(err, auth.ErrImmutableRole) {
			t.Fatalf("bind on %s: %v", roleName, err)
		}
		if err := h.svc.UnbindPermission(ctx, r.ID, perms[0].ID); !errors.Is(err, auth.ErrImmutableRole) {
			t.Fatalf("unbind on %s: %v", roleName, err)
		}
		if _, err := h.svc.UpdateRole(ctx, r.ID, auth.RoleUpdate{Name: &name}); !errors.Is(err, auth.ErrImmutableRole) {
			t.Fatalf("update on %s: %v", roleName, err)
		}
		if err := h.svc.DeleteRole(ctx, r.ID); !errors.Is(err, auth.ErrImmutableRole) {
			t.Fatalf("delete on %s: %v", roleName, err)
		}
	}
}

func TestCustomRoleBindingsInvalidateCache(t *testing.T) {
	h := newHarness(t, auth.WithPermissionCache(cache.NewMemory(nil), time.Hour))
	ctx := context.Background()
	u := h.register(t, "alice")

	role, err := h.svc.CreateRole(ctx, auth.NewRole{Name: "auditor"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := h.svc.CreateRole(ctx, auth.NewRole{Name: "auditor"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate role, got %v", err)
	}
	perm, err := h.svc.CreatePermission(ctx, auth.NewPermission{Name: "reports.read"})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if perm.ResourceType != "reports" || perm.Action != "read" {
		t.Fatalf("resource/action not derived: %+v", perm)
	}
	if _, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: role.ID}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if ok, _ := h.svc.HasPermission(ctx, u.ID, "reports.read"); ok {
		t.Fatalf("permission granted before binding")
	}

	if _, err := h.svc.BindPermission(ctx, role.ID, perm.ID, map[string]any{"scope": "own"}); err != nil {
		t.Fatalf("BindPermission: %v", err)
	}
	if _, err := h.svc.BindPermission(ctx, role.ID, perm.ID, nil); err != nil {
		t.Fatalf("BindPermission upsert: %v", err)
	}
	if ok, _ := h.svc.HasPermission(ctx, u.ID, "reports.read"); !ok {
		t.Fatalf("binding not visible through cache")
	}
	bound, err := h.svc.ListRolePermissions(ctx, role.ID)
	if err != nil || len(bound) != 1 {
		t.Fatalf("ListRolePermissions: %v (%d)", err, len(bound))
	}

	if err := h.svc.UnbindPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("UnbindPermission: %v", err)
	}
	if ok, _ := h.svc.HasPermission(ctx, u.ID, "reports.read"); ok {
		t.Fatalf("unbound permission still cached")
	}
	if err := h.svc.UnbindPermission(ctx, role.ID, perm.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.BindPermission(ctx, role.ID, "missing", nil); !errors.Is(err, auth.ErrPermissionNotFound) {
		t.Fatalf("expected ErrPermissionNotFound, got %v", err)
	}

	newName := "auditors"
	if _, err := h.svc.UpdateRole(ctx, role.ID, auth.RoleUpdate{Name: &newName}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if ok, _ := h.svc.HasRole(ctx, u.ID, "auditors"); !ok {
		t.Fatalf("renamed role not visible")
	}
	if err := h.svc.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if ok, _ := h.svc.HasRole(ctx, u.ID, "auditors"); ok {
		t.Fatalf("deleted role still held")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice")
	s1 := h.login(t, "alice@example.com")
	s2 := h.login(t, "alice@example.com")

	if err := h.svc.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("unknown email should succeed silently: %v", err)
	}
	if len(h.notifier.notices) != 0 {
		t.Fatalf("notice sent for unknown email")
	}

	if err := h.svc.RequestPasswordReset(ctx, "Alice@Example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	notice := h.notifier.last(t)
	if !notice.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("reset expiry %v", notice.ExpiresAt)
	}

	const next = "Brand-New-Pass-1"
	if err := h.svc.ResetPassword(ctx, notice.Token, next); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	for _, s := range []*auth.IssuedSession{s1, s2} {
		if _, _, err := h.svc.ValidateSession(ctx, s.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
			t.Fatalf("session survived password reset: %v", err)
		}
	}
	if err := h.svc.ResetPassword(ctx, notice.Token, "Another-Pass-22"); !errors.Is(err, auth.ErrInvalidOrExpiredToken) {
		t.Fatalf("token reused: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, "alice@example.com", next); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, "alice@example.com", testPassword); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password accepted: %v", err)
	}

	if err := h.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	stale := h.notifier.last(t)
	h.clock.Advance(time.Hour)
	if err := h.svc.ResetPassword(ctx, stale.Token, "Too-Late-Pass-3"); !errors.Is(err, auth.ErrInvalidOrExpiredToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestConcurrentResetSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice")
	if err := h.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := h.notifier.last(t).Token

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.svc.ResetPassword(ctx, token, "Race-Winner-Pass-7"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one successful reset, got %d", success)
	}
}

func TestMFALogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")

	enrol, err := h.svc.EnrollMFA(ctx, u.ID)
	if err != nil {
		t.Fatalf("EnrollMFA: %v", err)
	}
	if !strings.HasPrefix(enrol.URL, "otpauth://totp/") {
		t.Fatalf("unexpected otpauth url %q", enrol.URL)
	}
	if err := h.svc.ConfirmMFA(ctx, u.ID, "000000"); !errors.Is(err, auth.ErrInvalidMFACode) {
		t.Fatalf("expected ErrInvalidMFACode, got %v", err)
	}
	code, err := totp.GenerateCode(enrol.Secret, h.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := h.svc.ConfirmMFA(ctx, u.ID, code); err != nil {
		t.Fatalf("ConfirmMFA: %v", err)
	}

	in := auth.LoginInput{Email: "alice@example.com", Password: testPassword, AppKey: h.app.Key}
	if _, _, err := h.svc.Login(ctx, in); !errors.Is(err, auth.ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}
	in.MFACode = "12345"
	if _, _, err := h.svc.Login(ctx, in); !errors.Is(err, auth.ErrInvalidMFACode) {
		t.Fatalf("expected ErrInvalidMFACode, got %v", err)
	}
	in.MFACode = code
	if _, _, err := h.svc.Login(ctx, in); err != nil {
		t.Fatalf("Login with code: %v", err)
	}

	if err := h.svc.DisableMFA(ctx, u.ID, code); err != nil {
		t.Fatalf("DisableMFA: %v", err)
	}
	in.MFACode = ""
	if _, _, err := h.svc.Login(ctx, in); err != nil {
		t.Fatalf("Login after disabling mfa: %v", err)
	}
}

func TestApplicationSecrets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, secret, err := h.svc.CreateApplication(ctx, auth.NewApplication{Name: "Billing API"})
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if !strings.HasPrefix(app.Key, "billing-api-") || len(secret) != 64 {
		t.Fatalf("unexpected key %q / secret length %d", app.Key, len(secret))
	}
	if _, err := h.svc.VerifyApplicationSecret(ctx, app.Key, secret); err != nil {
		t.Fatalf("VerifyApplicationSecret: %v", err)
	}
	rotated, err := h.svc.RegenerateSecret(ctx, app.ID)
	if err != nil {
		t.Fatalf("RegenerateSecret: %v", err)
	}
	if _, err := h.svc.VerifyApplicationSecret(ctx, app.Key, secret); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old secret still valid: %v", err)
	}
	if _, err := h.svc.VerifyApplicationSecret(ctx, app.Key, rotated); err != nil {
		t.Fatalf("rotated secret rejected: %v", err)
	}
	if _, _, err := h.svc.CreateApplication(ctx, auth.NewApplication{Name: "Billing API"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate name, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	if err := h.svc.ChangePassword(ctx, u.ID, "wrong-current", "Next-Pass-123"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, u.ID, testPassword, "Next-Pass-123"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, "alice@example.com", "Next-Pass-123"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	issued := h.login(t, "alice@example.com")

	if err := h.svc.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, _, err := h.svc.ValidateSession(ctx, issued.AccessToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("session survived user deletion: %v", err)
	}
	for _, rec := range h.store.AuditRecords() {
		if rec.UserID == u.ID {
			t.Fatalf("audit record still references deleted user: %+v", rec)
		}
	}
	if len(h.store.AuditRecords()) == 0 {
		t.Fatalf("audit history should outlive the user")
	}
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "alice")
	h.login(t, "alice@example.com")
	guest := h.role(t, auth.RoleGuest)
	expires := h.clock.Now().Add(time.Minute)
	if _, err := h.svc.AssignRole(ctx, auth.AssignInput{UserID: u.ID, RoleID: guest.ID, ExpiresAt: &expires}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := h.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}

	h.clock.Advance(2 * time.Hour)
	res, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Sessions != 1 || res.Assignments != 1 || res.ResetTokens != 1 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if ok, _ := h.svc.HasRole(ctx, u.ID, auth.RoleUser); !ok {
		t.Fatalf("sweep removed a non-expiring assignment")
	}
}

func (h *harness) countAction(action string) int {
	n := 0
	for _, a := range h.auditActions() {
		if a == action {
			n++
		}
	}
	return n
}

func TestCreateSessionPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.register(t, "quinn")

	issued, err := h.svc.CreateSession(ctx, u.ID, h.app.ID, "10.0.0.9", "cli")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	var login *audit.Record
	for _, rec := range h.store.AuditRecords() {
		if rec.Action == audit.ActionLogin {
			login = &rec
		}
	}
	if login == nil || login.ResourceID != issued.ID || login.ApplicationID != h.app.ID || login.SourceAddress != "10.0.0.9" {
		t.Fatalf("login not recorded for the new session: %+v", login)
	}

	if _, err := h.svc.CreateSession(ctx, u.ID, "", "", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("empty application: expected ErrInvalidInput, got %v", err)
	}
	if _, err := h.svc.CreateSession(ctx, u.ID, "no-such-app", "", ""); !errors.Is(err, auth.ErrApplicationNotFound) {
		t.Fatalf("unknown application: expected ErrApplicationNotFound, got %v", err)
	}
	if err := h.svc.SetApplicationActive(ctx, h.app.ID, false); err != nil {
		t.Fatalf("SetApplicationActive: %v", err)
	}
	if _, err := h.svc.CreateSession(ctx, u.ID, h.app.ID, "", ""); !errors.Is(err, auth.ErrApplicationInactive) {
		t.Fatalf("inactive application: expected ErrApplicationInactive, got %v", err)
	}
	if n := h.countAction(audit.ActionLogin); n != 1 {
		t.Fatalf("expected 1 login record, got %d", n)
	}
	sessions, err := h.svc.ListSessions(ctx, u.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected only the first session to exist, got %d (%v)", len(sessions), err)
	}
}

func TestLoginRecordsOneLogin(t *testing.T) {
	h := newHarness(t)
	h.register(t, "rosa")
	h.login(t, "rosa@example.com")
	if n := h.countAction(audit.ActionLogin); n != 1 {
		t.Fatalf("expected 1 login record per login, got %d", n)
	}
}

// phantomRoles resolves every role name to a role the store does not hold,
// so the default assignment written at registration fails.
type phantomRoles struct{ auth.RoleStore }

func (phantomRoles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	return &auth.Role{ID: "01J0PHANT0M000000000000000", Name: name}, nil
}

type phantomRoleStore struct{ *memory.Store }

func (s phantomRoleStore) Roles(ctx context.Context) auth.RoleStore {
	return phantomRoles{s.Store.Roles(ctx)}
}

func TestRegisterLeavesNoUserWhenRoleGrantFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signer, err := auth.NewHMACSigner(strings.Repeat("s", 32), "central-auth", nil)
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	svc, err := auth.NewService(phantomRoleStore{store}, signer,
		auth.WithHasher(&auth.Argon2Hasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}),
		auth.WithRecorder(audit.NewRecorder(store)),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	in := auth.RegisterInput{Email: "sam@example.com", Username: "sam", Password: testPassword}
	if _, err := svc.Register(ctx, in); err == nil {
		t.Fatal("expected Register to fail when the default role cannot be granted")
	}
	if _, err := svc.Authenticate(ctx, in.Email, in.Password); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("half-registered user can authenticate: %v", err)
	}
	if _, err := store.Users(ctx).FindByEmail(ctx, in.Email); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("user row left behind: %v", err)
	}
	for _, rec := range store.AuditRecords() {
		if rec.Action == audit.ActionRegister {
			t.Fatal("failed registration was audited as a success")
		}
	}
}

func TestVerifyResetToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "tess")

	if err := h.svc.RequestPasswordReset(ctx, "tess@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := h.notifier.last(t).Token
	for i := 0; i < 2; i++ {
		if err := h.svc.VerifyResetToken(ctx, token); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	if err := h.svc.ResetPassword(ctx, token, "Brand-New-Pass-3"); err != nil {
		t.Fatalf("ResetPassword after verify: %v", err)
	}
	if err := h.svc.VerifyResetToken(ctx, token); !errors.Is(err, auth.ErrInvalidOrExpiredToken) {
		t.Fatalf("used token: expected ErrInvalidOrExpiredToken, got %v", err)
	}

	if err := h.svc.RequestPasswordReset(ctx, "tess@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	stale := h.notifier.last(t).Token
	h.clock.Advance(time.Hour)
	if err := h.svc.VerifyResetToken(ctx, stale); !errors.Is(err, auth.ErrInvalidOrExpiredToken) {
		t.Fatalf("expired token: expected ErrInvalidOrExpiredToken, got %v", err)
	}
	if err := h.svc.VerifyResetToken(ctx, "  "); !errors.Is(err, auth.ErrInvalidOrExpiredToken) {
		t.Fatalf("blank token: expected ErrInvalidOrExpiredToken, got %v", err)
	}
}

func TestBootstrapRejectsCustomRoleWithReservedName(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	custom := &auth.Role{ID: "01J0CVST0M000000000000000A", Name: auth.RoleAdmin, Config: map[string]any{}, CreatedAt: now, UpdatedAt: now}
	if err := store.Roles(ctx).Create(ctx, custom); err != nil {
		t.Fatalf("seed custom role: %v", err)
	}
	signer, err := auth.NewHMACSigner(strings.Repeat("s", 32), "central-auth", nil)
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	svc, err := auth.NewService(store, signer)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if err := svc.Bootstrap(ctx); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	perms, err := store.Roles(ctx).ListPermissions(ctx, custom.ID)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("seeded permissions bound to a custom role: %v", perms)
	}
	r, err := store.Roles(ctx).Find(ctx, custom.ID)
	if err != nil || r.IsSystem {
		t.Fatalf("custom role was altered: %+v (%v)", r, err)
	}
}
