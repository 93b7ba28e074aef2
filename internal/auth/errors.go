package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")

	ErrUserNotFound        = fmt.Errorf("%w: user", ErrNotFound)
	ErrRoleNotFound        = fmt.Errorf("%w: role", ErrNotFound)
	ErrPermissionNotFound  = fmt.Errorf("%w: permission", ErrNotFound)
	ErrApplicationNotFound = fmt.Errorf("%w: application", ErrNotFound)
	ErrAssignmentNotFound  = fmt.Errorf("%w: role assignment", ErrNotFound)
	ErrBindingNotFound     = fmt.Errorf("%w: role permission", ErrNotFound)

	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrUserInactive          = errors.New("auth: user inactive")
	ErrApplicationInactive   = errors.New("auth: application inactive")
	ErrSessionNotFound       = errors.New("auth: session not found")
	ErrSessionExpired        = errors.New("auth: session expired")
	ErrInvalidRefreshToken   = errors.New("auth: invalid refresh token")
	ErrInvalidToken          = errors.New("auth: invalid token")
	ErrInvalidOrExpiredToken = errors.New("auth: invalid or expired reset token")
	ErrImmutableRole         = errors.New("auth: system role is immutable")
	ErrPermissionDenied      = errors.New("auth: permission denied")
	ErrMFARequired           = errors.New("auth: mfa code required")
	ErrInvalidMFACode        = errors.New("auth: invalid mfa code")
)

// StorageError reports a failure of the backing store that is not one of the
// domain outcomes above.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("auth: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr passes domain errors through untouched and wraps everything else.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
