package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"centralauth.org/internal/audit"
)

// MFAEnrollment is handed to the user once so they can configure an authenticator.
type MFAEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// EnrollMFA generates a pending TOTP secret. It takes effect after ConfirmMFA.
func (s *Service) EnrollMFA(ctx context.Context, userID string) (*MFAEnrollment, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	if err := s.store.Users(ctx).SetMFA(ctx, user.ID, key.Secret(), false, s.clock()); err != nil {
		return nil, s.userErr("store mfa secret", err)
	}
	return &MFAEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmMFA activates the pending secret once the user proves possession.
func (s *Service) ConfirmMFA(ctx context.Context, userID, code string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	if user.MFASecret == "" {
		return fmt.Errorf("%w: no pending mfa enrolment", ErrInvalidInput)
	}
	if !s.validTOTP(user.MFASecret, code) {
		return ErrInvalidMFACode
	}
	if err := s.store.Users(ctx).SetMFA(ctx, user.ID, user.MFASecret, true, s.clock()); err != nil {
		return s.userErr("enable mfa", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       user.ID,
		Action:       audit.ActionMFAEnabled,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

// DisableMFA removes the second factor after checking a current code.
func (s *Service) DisableMFA(ctx context.Context, userID, code string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	if !s.validTOTP(user.MFASecret, code) {
		return ErrInvalidMFACode
	}
	if err := s.store.Users(ctx).SetMFA(ctx, user.ID, "", false, s.clock()); err != nil {
		return s.userErr("disable mfa", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       user.ID,
		Action:       audit.ActionMFADisabled,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

func (s *Service) checkMFA(ctx context.Context, user *User, code, appID, source string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrMFARequired
	}
	if s.validTOTP(user.MFASecret, code) {
		return nil
	}
	s.audit(ctx, audit.Event{
		UserID:        user.ID,
		ApplicationID: appID,
		Action:        audit.ActionMFAFailed,
		ResourceType:  "user",
		ResourceID:    user.ID,
		SourceAddress: source,
	})
	return ErrInvalidMFACode
}

func (s *Service) validTOTP(secret, code string) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.clock(), totpOpts)
	return err == nil && ok
}
