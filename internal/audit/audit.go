package audit

import (
	"context"
	"strings"
	"time"
)

// Action labels recorded by the core.
const (
	ActionLogin                 = "login"
	ActionLogout                = "logout"
	ActionRegister              = "register"
	ActionSessionRefreshed      = "session_refreshed"
	ActionSessionTerminated     = "session_terminated"
	ActionAllSessionsTerminated = "all_sessions_terminated"
	ActionAccessDenied          = "access_denied"
	ActionPasswordReset         = "password_reset"
	ActionPasswordResetRequest  = "password_reset_requested"
	ActionPasswordChange        = "password_change"
	ActionRoleAssigned          = "role_assigned"
	ActionRoleRemoved           = "role_removed"
	ActionRoleCreated           = "role_created"
	ActionRoleUpdated           = "role_updated"
	ActionRoleDeleted           = "role_deleted"
	ActionPermissionBound       = "permission_bound"
	ActionPermissionUnbound     = "permission_unbound"
	ActionApplicationCreated    = "application_created"
	ActionSecretRegenerated     = "app_secret_regenerated"
	ActionMFAEnabled            = "mfa_enabled"
	ActionMFADisabled           = "mfa_disabled"
	ActionMFAFailed             = "mfa_failed"
	ActionLoginFailed           = "login_failed"
	ActionUserUpdated           = "user_updated"
	ActionUserDeleted           = "user_deleted"
	ActionPermissionCreated     = "permission_created"
	ActionApplicationUpdated    = "application_updated"
	ActionApplicationDeleted    = "application_deleted"
)

// Event is what callers hand to the Recorder. Empty strings and nil maps are stored as NULL.
type Event struct {
	UserID        string
	ApplicationID string
	Action        string
	ResourceType  string
	ResourceID    string
	Before        map[string]any
	After         map[string]any
	SourceAddress string
}

// Record is a persisted audit fact. Records are never updated or deleted.
type Record struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	UserID        string         `json:"user_id,omitempty"`
	ApplicationID string         `json:"application_id,omitempty"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	SourceAddress string         `json:"source_address,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
}

// Sink appends records to durable storage.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
