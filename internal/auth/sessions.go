package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
	"centralauth.org/internal/obs"
)

// LoginInput is a credential presentation through a client application.
type LoginInput struct {
	Email         string
	Password      string
	AppKey        string
	MFACode       string
	SourceAddress string
	ClientInfo    string
}

// Login authenticates the user for an active application and opens a session.
func (s *Service) Login(ctx context.Context, in LoginInput) (*IssuedSession, *User, error) {
	app, err := s.GetApplicationByKey(ctx, in.AppKey)
	if err != nil {
		return nil, nil, err
	}
	if !app.Active {
		return nil, nil, ErrApplicationInactive
	}

	user, err := s.Authenticate(ctx, in.Email, in.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUserInactive) {
			s.audit(ctx, audit.Event{
				ApplicationID: app.ID,
				Action:        audit.ActionLoginFailed,
				ResourceType:  "user",
				After:         map[string]any{"email": strings.ToLower(strings.TrimSpace(in.Email)), "reason": errorReason(err)},
				SourceAddress: in.SourceAddress,
			})
		}
		return nil, nil, err
	}

	if user.MFAEnabled {
		if err := s.checkMFA(ctx, user, in.MFACode, app.ID, in.SourceAddress); err != nil {
			return nil, nil, err
		}
	}

	issued, err := s.CreateSession(ctx, user.ID, app.ID, in.SourceAddress, in.ClientInfo)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Users(ctx).TouchLogin(ctx, user.ID, issued.IssuedAt); err != nil {
		s.logger.WarnContext(ctx, "last login update failed", "event", "login", "user_id", user.ID, "error", err.Error())
	}
	return issued, user, nil
}

func errorReason(err error) string {
	if errors.Is(err, ErrUserInactive) {
		return "user_inactive"
	}
	return "invalid_credentials"
}

// CreateSession mints a fresh token pair for an active user through an
// active application and records the login. Credentials are checked by the
// caller.
func (s *Service) CreateSession(ctx context.Context, userID, appID, sourceAddress, clientInfo string) (issued *IssuedSession, err error) {
	defer func() { obs.ObserveSession("create", err) }()

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !app.Active {
		return nil, ErrApplicationInactive
	}
	now := s.clock()
	access, refresh, err := s.mintTokens(user.ID, app.ID, now)
	if err != nil {
		return nil, err
	}
	sess := Session{
		ID:               ids.New(),
		UserID:           user.ID,
		ApplicationID:    app.ID,
		AccessTokenHash:  HashToken(access),
		RefreshTokenHash: HashToken(refresh),
		SourceAddress:    strings.TrimSpace(sourceAddress),
		ClientInfo:       strings.TrimSpace(clientInfo),
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.sessionTTL),
		LastActivityAt:   now,
	}
	if err := s.store.Sessions(ctx).Create(ctx, &sess); err != nil {
		return nil, storageErr("create session", err)
	}
	s.audit(ctx, audit.Event{
		UserID:        user.ID,
		ApplicationID: app.ID,
		Action:        audit.ActionLogin,
		ResourceType:  "session",
		ResourceID:    sess.ID,
		SourceAddress: sess.SourceAddress,
	})
	return &IssuedSession{Session: sess, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) mintTokens(userID, appID string, now time.Time) (access, refresh string, err error) {
	access, err = s.signer.Sign(TokenClaims{
		Subject:       userID,
		ApplicationID: appID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.sessionTTL),
	})
	if err != nil {
		return "", "", err
	}
	refresh, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// ValidateSession resolves an access token to its live session and user.
// Last activity is refreshed on a best-effort basis.
func (s *Service) ValidateSession(ctx context.Context, accessToken string) (user *User, sess *Session, err error) {
	defer func() { obs.ObserveSession("validate", err) }()

	token, err := bearer(accessToken)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}
	sess, err = s.store.Sessions(ctx).FindByAccessHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, storageErr("find session", err)
	}
	now := s.clock()
	if !now.Before(sess.ExpiresAt) {
		return nil, nil, ErrSessionExpired
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, nil, err
	}
	if claims.Subject != sess.UserID {
		return nil, nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	user, err = s.store.Users(ctx).Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, storageErr("find user", err)
	}
	if !user.Active {
		return nil, nil, ErrUserInactive
	}
	if err := s.store.Sessions(ctx).Touch(ctx, sess.ID, now); err != nil {
		s.logger.WarnContext(ctx, "session touch failed", "event", "validate_session", "session_id", sess.ID, "error", err.Error())
	} else {
		sess.LastActivityAt = now
	}
	return user, sess, nil
}

// RefreshSession rotates both tokens of a live session and extends its expiry.
// The presented refresh token stops working immediately, as does the access
// token issued with it.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (issued *IssuedSession, err error) {
	defer func() { obs.ObserveSession("refresh", err) }()

	token, err := bearer(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	oldHash := HashToken(token)
	sess, err := s.store.Sessions(ctx).FindByRefreshHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, storageErr("find session", err)
	}
	now := s.clock()
	if !now.Before(sess.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, storageErr("find user", err)
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	access, refresh, err := s.mintTokens(sess.UserID, sess.ApplicationID, now)
	if err != nil {
		return nil, err
	}
	rotated, err := s.store.Sessions(ctx).Rotate(ctx, oldHash, SessionRotation{
		AccessTokenHash:  HashToken(access),
		RefreshTokenHash: HashToken(refresh),
		ExpiresAt:        now.Add(s.sessionTTL),
		RotatedAt:        now,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, storageErr("rotate session", err)
	}
	s.audit(ctx, audit.Event{
		UserID:        rotated.UserID,
		ApplicationID: rotated.ApplicationID,
		Action:        audit.ActionSessionRefreshed,
		ResourceType:  "session",
		ResourceID:    rotated.ID,
	})
	return &IssuedSession{Session: *rotated, AccessToken: access, RefreshToken: refresh}, nil
}

// TerminateSession deletes one of requestingUserID's own sessions.
func (s *Service) TerminateSession(ctx context.Context, sessionID, requestingUserID string) (err error) {
	defer func() { obs.ObserveSession("terminate", err) }()

	sessionID, requestingUserID = strings.TrimSpace(sessionID), strings.TrimSpace(requestingUserID)
	if sessionID == "" || requestingUserID == "" {
		return fmt.Errorf("%w: session_id and user_id are required", ErrInvalidInput)
	}
	if err := s.store.Sessions(ctx).DeleteForUser(ctx, sessionID, requestingUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return storageErr("delete session", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       requestingUserID,
		Action:       audit.ActionSessionTerminated,
		ResourceType: "session",
		ResourceID:   sessionID,
	})
	return nil
}

// TerminateAllOtherSessions deletes every session of userID except currentSessionID.
func (s *Service) TerminateAllOtherSessions(ctx context.Context, userID, currentSessionID string) (n int64, err error) {
	defer func() { obs.ObserveSession("terminate_all", err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	n, err = s.store.Sessions(ctx).DeleteAllExcept(ctx, userID, strings.TrimSpace(currentSessionID))
	if err != nil {
		return 0, storageErr("delete sessions", err)
	}
	s.audit(ctx, audit.Event{
		UserID:       userID,
		Action:       audit.ActionAllSessionsTerminated,
		ResourceType: "session",
		After:        map[string]any{"terminated_count": n},
	})
	return n, nil
}

// Logout ends the session holding accessToken. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	token, err := bearer(accessToken)
	if err != nil {
		return nil
	}
	sess, err := s.store.Sessions(ctx).DeleteByAccessHash(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageErr("delete session", err)
	}
	s.audit(ctx, audit.Event{
		UserID:        sess.UserID,
		ApplicationID: sess.ApplicationID,
		Action:        audit.ActionLogout,
		ResourceType:  "session",
		ResourceID:    sess.ID,
	})
	return nil
}

// ListSessions returns the user's unexpired sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	sessions, err := s.store.Sessions(ctx).ListActive(ctx, userID, s.clock())
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}
