package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"centralauth.org/internal/ids"
	"centralauth.org/internal/obs"
)

const writeTimeout = 5 * time.Second

// Recorder appends audit records on a best-effort basis. A failed write is logged,
// counted and reported, and never returned to the caller.
type Recorder struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithLogger overrides the logger used for audit lines and write failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder builds a Recorder writing into sink. A nil sink only logs.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends ev. It is safe to call on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	logger := obs.ResolveLogger(r.logger)
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		logger.Error("audit event without action dropped", "event", "audit_invalid")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec := &Record{
		ID:            ids.New(),
		OccurredAt:    r.now().UTC(),
		UserID:        strings.TrimSpace(ev.UserID),
		ApplicationID: strings.TrimSpace(ev.ApplicationID),
		Action:        action,
		ResourceType:  ev.ResourceType,
		ResourceID:    ev.ResourceID,
		Before:        copyMap(ev.Before),
		After:         copyMap(ev.After),
		SourceAddress: ev.SourceAddress,
		RequestID:     RequestIDFromContext(ctx),
	}

	logger.Info("audit",
		"event", "audit",
		"action", rec.Action,
		"user_id", rec.UserID,
		"application_id", rec.ApplicationID,
		"resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID,
		"request_id", rec.RequestID,
	)

	if r.sink == nil {
		return
	}
	// Audit must survive a client disconnect that cancels the request context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.safeAppend(writeCtx, rec); err != nil {
		obs.ObserveAuditFailure()
		obs.CaptureError(err, map[string]string{"component": "audit", "action": rec.Action})
		logger.Error("audit write failed",
			"event", "audit_write_failed",
			"action", rec.Action,
			"user_id", rec.UserID,
			"error", err.Error(),
		)
	}
}

func (r *Recorder) safeAppend(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("audit sink panicked")
		}
	}()
	return r.sink.Append(ctx, rec)
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
