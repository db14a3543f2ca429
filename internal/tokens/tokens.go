// Package tokens issues and verifies the two signed token kinds the video
// vault trusts: short-lived access tokens and long-lived refresh tokens.
// Claims are never trusted without signature verification.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"videovault/internal/models"
)

// Kind names the two token kinds. It is not carried in the claims; access
// and refresh tokens are kept apart by their separate signing secrets.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// AccessClaims carries the subject, role, and tenant claims an access token
// asserts, per the data model's tenant-isolation invariant.
type AccessClaims struct {
	SubjectID string      `json:"sub_id"`
	Role      models.Role `json:"role"`
	TenantID  string      `json:"tenant_id"`
	jwt.RegisteredClaims
}

// RefreshClaims carries only the subject; role and tenant are re-resolved
// from the Document Store on every refresh so a role change takes effect
// immediately.
type RefreshClaims struct {
	SubjectID string `json:"sub_id"`
	jwt.RegisteredClaims
}

// VerifyOutcome is the sum type returned by Verify: exactly one of Valid,
// Expired, Malformed, BadSignature holds. WrongKind is never set: a token of
// the other kind fails the signature check and reports BadSignature.
type VerifyOutcome struct {
	Valid        bool
	Expired      bool
	Malformed    bool
	BadSignature bool
	WrongKind    bool
	Claims       AccessClaims
}

// Service issues and verifies access and refresh tokens. The two secrets
// must differ so a refresh token can never be replayed as an access token
// even if an attacker recovers one secret.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// NewService constructs a Service from two distinct HMAC secrets.
func NewService(accessSecret, refreshSecret string, opts ...Option) (*Service, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	svc := &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// IssueAccess signs a new access token for the given user.
func (s *Service) IssueAccess(user models.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.accessTTL)
	claims := AccessClaims{
		SubjectID: user.ID,
		Role:      user.Role,
		TenantID:  user.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefresh signs a new refresh token for the given user.
func (s *Service) IssueRefresh(user models.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.refreshTTL)
	// The jti makes every issued refresh token distinct even within one
	// clock second, so rotation always replaces the stored slot value.
	claims := RefreshClaims{
		SubjectID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.refreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccess verifies a token as an access token, returning a sum-type
// outcome rather than an error so callers distinguish expiry (which should
// prompt a refresh) from a genuinely invalid token.
func (s *Service) VerifyAccess(raw string) VerifyOutcome {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.accessSecret, nil
	})
	return classify(token, claims, err)
}

// VerifyRefresh verifies a token as a refresh token.
func (s *Service) VerifyRefresh(raw string) (RefreshClaims, VerifyOutcome) {
	var claims RefreshClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.refreshSecret, nil
	})
	switch {
	case err == nil && token != nil && token.Valid:
		return claims, VerifyOutcome{Valid: true}
	case errors.Is(err, jwt.ErrTokenExpired):
		return RefreshClaims{}, VerifyOutcome{Expired: true}
	case err != nil && isSignatureError(err):
		return RefreshClaims{}, VerifyOutcome{BadSignature: true}
	default:
		return RefreshClaims{}, VerifyOutcome{Malformed: true}
	}
}

func classify(token *jwt.Token, claims AccessClaims, err error) VerifyOutcome {
	switch {
	case err == nil && token != nil && token.Valid:
		return VerifyOutcome{Valid: true, Claims: claims}
	case errors.Is(err, jwt.ErrTokenExpired):
		return VerifyOutcome{Expired: true}
	case err != nil && isSignatureError(err):
		return VerifyOutcome{BadSignature: true}
	default:
		return VerifyOutcome{Malformed: true}
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable)
}
