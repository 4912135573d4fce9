package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
)

const (
	tokenCookieName = "tablesync_token"
	tokenQueryParam = "token"
)

// Identity is the authenticated caller of a connection.
type Identity struct {
	UserID string
	Role   participant.Role
	// SessionID restricts the identity to one session when set.
	SessionID string
}

// Allows reports whether the identity may join sessionID.
func (i Identity) Allows(sessionID string) bool {
	return i.SessionID == "" || i.SessionID == sessionID
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// GrantConfig defines how session grants are verified.
type GrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

type grantClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// ParseGrantKey decodes a base64 Ed25519 public key.
func ParseGrantKey(value string) (ed25519.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("grant public key is required")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, err
		}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, errors.New("grant public key must be 32 bytes")
	}
	return ed25519.PublicKey(decoded), nil
}

type grantAuthenticator struct {
	cfg GrantConfig
}

// NewGrantAuthenticator verifies EdDSA-signed session grants.
func NewGrantAuthenticator(cfg GrantConfig) (Authenticator, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return nil, errors.New("session grant verifier is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return grantAuthenticator{cfg: cfg}, nil
}

func (a grantAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.New(apperrors.CodeGrantInvalid, "session grant is required")
	}

	var claims grantClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	if claims.Issuer != a.cfg.Issuer {
		return Identity{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "session grant issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !slices.Contains(claims.Audience, a.cfg.Audience) {
		return Identity{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "session grant audience mismatch", map[string]string{"Field": "audience"})
	}
	if claims.ExpiresAt == nil {
		return Identity{}, apperrors.New(apperrors.CodeGrantInvalid, "session grant exp is required")
	}
	now := a.cfg.Now().UTC()
	if !claims.ExpiresAt.Time.After(now) {
		return Identity{}, apperrors.New(apperrors.CodeGrantExpired, "session grant is expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return Identity{}, apperrors.New(apperrors.CodeGrantInvalid, "session grant not active yet")
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return Identity{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "session grant user is required", map[string]string{"Field": "user_id"})
	}
	role, err := participant.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "session grant role is invalid", map[string]string{"Field": "role"})
	}
	return Identity{UserID: userID, Role: role, SessionID: strings.TrimSpace(claims.SessionID)}, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeGrantInvalid, "session grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeGrantInvalid, "session grant alg is invalid")
	}
	return apperrors.Wrap(apperrors.CodeGrantInvalid, "session grant is invalid", err)
}

// DevAuthenticator accepts "user:role" tokens. It is for local development
// only and must never face real clients.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	userID, rawRole, ok := strings.Cut(strings.TrimSpace(token), ":")
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeGrantInvalid, "development token must be user:role")
	}
	role, err := participant.ParseRole(rawRole)
	if err != nil {
		return Identity{}, apperrors.New(apperrors.CodeGrantInvalid, "development token role is invalid")
	}
	return Identity{UserID: userID, Role: role}, nil
}

// tokenFromRequest reads the caller token from the Authorization header, the
// session cookie or the token query parameter, in that order.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if scheme, value, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token := strings.TrimSpace(value); token != "" {
				return token
			}
		}
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
