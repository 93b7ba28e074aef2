package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"centralauth.org/internal/auth"
	"centralauth.org/internal/ids"
)

type registerRequest struct {
	Email       string         `json:"email"`
	Username    string         `json:"username"`
	Password    string         `json:"password"`
	FirstName   string         `json:"first_name"`
	LastName    string         `json:"last_name"`
	PhoneNumber string         `json:"phone_number"`
	Metadata    map[string]any `json:"metadata"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	AppKey   string `json:"app_key"`
	MFACode  string `json:"mfa_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type verifyResetRequest struct {
	Token string `json:"token"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    time.Time  `json:"expires_at"`
	SessionID    string     `json:"session_id"`
	User         *auth.User `json:"user,omitempty"`
}

func (a *API) tokens(issued *auth.IssuedSession, user *auth.User) tokenResponse {
	return tokenResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(issued.ExpiresAt.Sub(a.now()).Seconds()),
		ExpiresAt:    issued.ExpiresAt,
		SessionID:    issued.ID,
		User:         user,
	}
}

// withSource records the caller address for audit records written by
// unauthenticated endpoints.
func withSource(r *http.Request) *http.Request {
	ctx := auth.ContextWithActor(r.Context(), auth.Actor{SourceAddress: clientIP(r)})
	return r.WithContext(ctx)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	r = withSource(r)
	user, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		Metadata:    req.Metadata,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	r = withSource(r)
	issued, user, err := a.svc.Login(r.Context(), auth.LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		AppKey:        req.AppKey,
		MFACode:       req.MFACode,
		SourceAddress: clientIP(r),
		ClientInfo:    clientInfo(r),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.tokens(issued, user))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	r = withSource(r)
	issued, err := a.svc.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.tokens(issued, nil))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Logout(r.Context(), current(r).Token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	who := current(r)
	grants, err := a.svc.Grants(r.Context(), who.User.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        who.User,
		"session":     who.Session,
		"roles":       nonNil(grants.Roles),
		"permissions": nonNil(grants.Permissions),
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), current(r).User.ID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleForgotPassword always answers 202 so the endpoint cannot be used to
// probe for registered addresses.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	r = withSource(r)
	if err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "if the address is registered, a reset link has been sent",
	})
}

func (a *API) handleVerifyResetToken(w http.ResponseWriter, r *http.Request) {
	var req verifyResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.VerifyResetToken(r.Context(), req.Token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	r = withSource(r)
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	enrollment, err := a.svc.EnrollMFA(r.Context(), current(r).User.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ConfirmMFA(r.Context(), current(r).User.ID, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.DisableMFA(r.Context(), current(r).User.ID, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	who := current(r)
	sessions, err := a.svc.ListSessions(r.Context(), who.User.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	type sessionView struct {
		auth.Session
		Current bool `json:"current"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{Session: s, Current: s.ID == who.Session.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err := a.svc.TerminateSession(r.Context(), id, current(r).User.ID); err != nil {
		// Another user's session is indistinguishable from a missing one.
		if errors.Is(err, auth.ErrSessionNotFound) {
			writeError(w, r, http.StatusNotFound, "session not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTerminateOthers(w http.ResponseWriter, r *http.Request) {
	who := current(r)
	n, err := a.svc.TerminateAllOtherSessions(r.Context(), who.User.ID, who.Session.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": n})
}

// handleAuthzCheck answers whether the caller holds a permission. A negative
// answer is a normal 200 response, not a denial.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	perm := strings.TrimSpace(r.URL.Query().Get("permission"))
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, "permission query parameter is required")
		return
	}
	allowed, err := a.svc.HasPermission(r.Context(), current(r).User.ID, perm)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permission": perm, "allowed": allowed})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
