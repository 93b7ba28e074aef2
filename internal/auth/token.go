package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSigner mints and verifies access tokens.
type TokenSigner interface {
	Sign(c TokenClaims) (string, error)
	Verify(token string) (TokenClaims, error)
}

// TokenClaims is the verified content of an access token.
type TokenClaims struct {
	ID            string
	Subject       string
	ApplicationID string
	Issuer        string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

type accessClaims struct {
	ApplicationID string `json:"app,omitempty"`
	jwt.RegisteredClaims
}

// HMACSigner signs HS256 JWTs with a shared secret.
type HMACSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewHMACSigner returns a signer; the secret must be at least 32 bytes.
func NewHMACSigner(secret, issuer string, now func() time.Time) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: token secret must be at least 32 bytes", ErrInvalidInput)
	}
	if now == nil {
		now = time.Now
	}
	return &HMACSigner{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

func (s *HMACSigner) Sign(c TokenClaims) (string, error) {
	if c.Subject == "" {
		return "", fmt.Errorf("%w: token subject is required", ErrInvalidInput)
	}
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	claims := accessClaims{
		ApplicationID: c.ApplicationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   c.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (s *HMACSigner) Verify(token string) (TokenClaims, error) {
	var claims accessClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(5 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	out := TokenClaims{
		ID:            claims.ID,
		Subject:       claims.Subject,
		ApplicationID: claims.ApplicationID,
		Issuer:        claims.Issuer,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// randomToken returns n random bytes, base64url encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the lookup digest stored in place of bearer secrets.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var errEmptyToken = errors.New("auth: empty token")

func bearer(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}
