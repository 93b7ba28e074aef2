package auth

import (
	"context"
	"errors"
	"strings"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
)

// RequestPasswordReset issues a reset token when email belongs to a user.
// Unknown addresses succeed silently.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.logger.InfoContext(ctx, "password reset for unknown email", "event", "password_reset_request")
		return nil
	}
	if err != nil {
		return storageErr("find user", err)
	}

	plain, err := randomToken(32)
	if err != nil {
		return err
	}
	now := s.clock()
	token := &PasswordResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(plain),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.ResetTokens(ctx).Create(ctx, token); err != nil {
		return storageErr("create reset token", err)
	}
	s.notifier.NotifyPasswordReset(ctx, ResetNotice{
		UserID:    user.ID,
		Email:     user.Email,
		Token:     plain,
		ExpiresAt: token.ExpiresAt,
	})
	s.audit(ctx, audit.Event{
		UserID:       user.ID,
		Action:       audit.ActionPasswordResetRequest,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

// ResetPassword redeems a reset token. The password change, the token
// consumption and the revocation of every session of the user commit together.
func (s *Service) ResetPassword(ctx context.Context, plainToken, newPassword string) error {
	token, err := bearer(plainToken)
	if err != nil {
		return ErrInvalidOrExpiredToken
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	userID, revoked, err := s.store.ResetTokens(ctx).Consume(ctx, HashToken(token), hash, s.clock())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return storageErr("consume reset token", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionPasswordReset,
		ResourceType: "user",
		ResourceID:   userID,
		After:        map[string]any{"revoked_sessions": revoked},
	})
	return nil
}

// VerifyResetToken reports whether plainToken can still be redeemed. The
// token is left untouched.
func (s *Service) VerifyResetToken(ctx context.Context, plainToken string) error {
	token, err := bearer(plainToken)
	if err != nil {
		return ErrInvalidOrExpiredToken
	}
	if _, err := s.store.ResetTokens(ctx).FindActive(ctx, HashToken(token), s.clock()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return storageErr("find reset token", err)
	}
	return nil
}
