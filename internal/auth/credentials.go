package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
)

// RegisterInput is the profile submitted at sign-up.
type RegisterInput struct {
	Email       string
	Username    string
	Password    string
	FirstName   string
	LastName    string
	PhoneNumber string
	Metadata    map[string]any
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return email, nil
}

func validateUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if len(name) < 3 || len(name) > 30 {
		return "", fmt.Errorf("%w: username must be 3-30 characters", ErrInvalidInput)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '.' || r == '-') {
			return "", fmt.Errorf("%w: username contains invalid characters", ErrInvalidInput)
		}
	}
	return name, nil
}

// Register creates an active user and grants the default role.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	username, err := validateUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := s.clock()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PhoneNumber:  strings.TrimSpace(in.PhoneNumber),
		Active:       true,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var initial *RoleAssignment
	role, err := s.store.Roles(ctx).FindByName(ctx, DefaultRole)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.WarnContext(ctx, "default role missing", "event", "register", "role", DefaultRole, "user_id", user.ID)
	case err != nil:
		return nil, storageErr("find default role", err)
	default:
		initial = &RoleAssignment{ID: ids.New(), UserID: user.ID, RoleID: role.ID, RoleName: role.Name, AssignedAt: now}
	}
	if err := s.store.Users(ctx).Create(ctx, user, initial); err != nil {
		return nil, storageErr("create user", err)
	}

	s.audit(ctx, audit.Event{
		UserID:       user.ID,
		Action:       audit.ActionRegister,
		ResourceType: "user",
		ResourceID:   user.ID,
		After:        map[string]any{"email": user.Email, "username": user.Username},
	})
	return user, nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// Authenticate verifies an email/password pair. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.burnHash(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storageErr("find user", err)
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			s.logger.ErrorContext(ctx, "password hash unreadable", "event", "authenticate", "user_id", user.ID, "error", err.Error())
		}
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	return user, nil
}

// burnHash spends roughly one verification worth of work.
func (s *Service) burnHash(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	_ = s.hasher.Verify(dummyHash, password)
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash, s.clock()); err != nil {
		return s.userErr("update password", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       user.ID,
		Action:       audit.ActionPasswordChange,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

// SetUserActive toggles the active flag. Inactive users fail session validation.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.Users(ctx).SetActive(ctx, userID, active, s.clock()); err != nil {
		return s.userErr("set user active", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionUserUpdated,
		ResourceType: "user",
		ResourceID:   userID,
		After:        map[string]any{"active": active},
	})
	return nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, s.userErr("find user", err)
	}
	return user, nil
}

// DeleteUser removes the user together with their sessions and assignments.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.Users(ctx).Delete(ctx, userID); err != nil {
		return s.userErr("delete user", err)
	}
	s.invalidate(ctx, userID)
	s.audit(ctx, audit.Event{
		Action:       audit.ActionUserDeleted,
		ResourceType: "user",
		ResourceID:   userID,
	})
	return nil
}

func (s *Service) userErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrUserNotFound
	}
	return storageErr(op, err)
}
