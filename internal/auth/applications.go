package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/ids"
)

// NewApplication describes a client application to register.
type NewApplication struct {
	Name        string
	Description string
	Config      map[string]any
}

// CreateApplication registers an application and returns its plaintext
// secret. The secret is not retrievable afterwards.
func (s *Service) CreateApplication(ctx context.Context, in NewApplication) (*Application, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: application name is required", ErrInvalidInput)
	}
	secret, err := newAppSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	now := s.clock()
	id := ids.New()
	app := &Application{
		ID:          id,
		Name:        name,
		Key:         appKey(name, id),
		SecretHash:  hash,
		Description: strings.TrimSpace(in.Description),
		Config:      cfg,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Applications(ctx).Create(ctx, app); err != nil {
		return nil, "", storageErr("create application", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionApplicationCreated,
		ResourceType: "application",
		ResourceID:   app.ID,
		After:        map[string]any{"name": app.Name, "app_key": app.Key},
	})
	return app, secret, nil
}

// appKey derives a stable lowercase key: the slugged name plus the random
// tail of the application id.
func appKey(name, id string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "app"
	}
	suffix := strings.ToLower(id)
	if len(suffix) > 10 {
		suffix = suffix[len(suffix)-10:]
	}
	return slug + "-" + suffix
}

func newAppSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate app secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RegenerateSecret replaces the application secret and returns the new one.
func (s *Service) RegenerateSecret(ctx context.Context, appID string) (string, error) {
	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return "", err
	}
	secret, err := newAppSecret()
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return "", err
	}
	if err := s.store.Applications(ctx).UpdateSecret(ctx, app.ID, hash, s.clock()); err != nil {
		return "", s.appErr("update application secret", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionSecretRegenerated,
		ResourceType: "application",
		ResourceID:   app.ID,
	})
	return secret, nil
}

// VerifyApplicationSecret authenticates an application by key and secret.
func (s *Service) VerifyApplicationSecret(ctx context.Context, key, secret string) (*Application, error) {
	key = strings.TrimSpace(key)
	if key == "" || secret == "" {
		return nil, ErrInvalidCredentials
	}
	app, err := s.store.Applications(ctx).FindByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storageErr("find application", err)
	}
	if err := s.hasher.Verify(app.SecretHash, secret); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !app.Active {
		return nil, ErrApplicationInactive
	}
	return app, nil
}

func (s *Service) GetApplication(ctx context.Context, appID string) (*Application, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	app, err := s.store.Applications(ctx).Find(ctx, appID)
	if err != nil {
		return nil, s.appErr("find application", err)
	}
	return app, nil
}

func (s *Service) GetApplicationByKey(ctx context.Context, key string) (*Application, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: app_key is required", ErrInvalidInput)
	}
	app, err := s.store.Applications(ctx).FindByKey(ctx, key)
	if err != nil {
		return nil, s.appErr("find application", err)
	}
	return app, nil
}

// SetApplicationActive enables or disables logins through an application.
func (s *Service) SetApplicationActive(ctx context.Context, appID string, active bool) error {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	if err := s.store.Applications(ctx).SetActive(ctx, appID, active, s.clock()); err != nil {
		return s.appErr("set application active", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionApplicationUpdated,
		ResourceType: "application",
		ResourceID:   appID,
		After:        map[string]any{"active": active},
	})
	return nil
}

// DeleteApplication removes the application and the sessions issued through it.
func (s *Service) DeleteApplication(ctx context.Context, appID string) error {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	if err := s.store.Applications(ctx).Delete(ctx, appID); err != nil {
		return s.appErr("delete application", err)
	}
	s.audit(ctx, audit.Event{
		Action:       audit.ActionApplicationDeleted,
		ResourceType: "application",
		ResourceID:   appID,
	})
	return nil
}

func (s *Service) appErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrApplicationNotFound
	}
	return storageErr(op, err)
}
