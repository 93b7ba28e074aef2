package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"centralauth.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticated validates the bearer token and attaches the session and the
// acting user to the request context.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="central-auth"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		user, sess, err := a.svc.ValidateSession(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="central-auth", error="invalid_token"`)
			handleAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithAuthenticated(r.Context(), auth.Authenticated{User: user, Session: sess, Token: token})
		ctx = auth.ContextWithActor(ctx, auth.Actor{
			UserID:        user.ID,
			ApplicationID: sess.ApplicationID,
			SourceAddress: clientIP(r),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission writes 403 and returns false when the caller lacks perm.
// The denial itself is audited by the resolver.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	who, ok := auth.AuthenticatedFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if err := a.svc.Require(r.Context(), who.User.ID, perm); err != nil {
		handleAuthError(w, r, err)
		return false
	}
	return true
}

func current(r *http.Request) auth.Authenticated {
	who, _ := auth.AuthenticatedFromContext(r.Context())
	return who
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
