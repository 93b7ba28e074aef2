package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/obs"
)

const (
	defaultSessionTTL   = time.Hour
	defaultResetTTL     = time.Hour
	defaultPermCacheTTL = 5 * time.Minute
)

// Service implements credential handling, sessions, the role graph and
// authorization decisions on top of a Store.
type Service struct {
	store    Store
	hasher   PasswordHasher
	signer   TokenSigner
	recorder *audit.Recorder
	cache    PermissionCache
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	issuer       string
	sessionTTL   time.Duration
	resetTTL     time.Duration
	permCacheTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTTL configures how long a session and its access token live.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures password reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithHasher replaces the default argon2id hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = r
		return nil
	}
}

// WithPermissionCache enables grant caching with entries living at most ttl.
func WithPermissionCache(c PermissionCache, ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		s.cache = c
		if ttl > 0 {
			s.permCacheTTL = ttl
		}
		return nil
	}
}

// WithNotifier sets the password reset delivery channel.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithIssuer sets the issuer label used for MFA enrolment.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		s.logger = obs.ResolveLogger(l)
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, signer TokenSigner, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if signer == nil {
		return nil, errors.New("auth: token signer is required")
	}
	svc := &Service{
		store:        store,
		signer:       signer,
		hasher:       NewArgon2Hasher(),
		logger:       obs.Logger(),
		now:          time.Now,
		issuer:       "central-auth",
		sessionTTL:   defaultSessionTTL,
		resetTTL:     defaultResetTTL,
		permCacheTTL: defaultPermCacheTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.notifier == nil {
		svc.notifier = LogNotifier{Logger: svc.logger}
	}
	return svc, nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// audit attributes ev to the actor in ctx unless the caller already did.
func (s *Service) audit(ctx context.Context, ev audit.Event) {
	if actor, ok := ActorFromContext(ctx); ok {
		if ev.UserID == "" {
			ev.UserID = actor.UserID
		}
		if ev.ApplicationID == "" {
			ev.ApplicationID = actor.ApplicationID
		}
		if ev.SourceAddress == "" {
			ev.SourceAddress = actor.SourceAddress
		}
	}
	s.recorder.Record(ctx, ev)
}

// LogNotifier writes reset tokens to the log. Suitable for development only.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyPasswordReset(ctx context.Context, notice ResetNotice) {
	obs.ResolveLogger(n.Logger).InfoContext(ctx, "password reset requested",
		"event", "password_reset_notice",
		"user_id", notice.UserID,
		"email", notice.Email,
		"token", notice.Token,
		"expires_at", notice.ExpiresAt,
	)
}
