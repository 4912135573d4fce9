// Package grantkey generates session grant keys and signs grants for local
// testing of the sync service.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GenerateKeys writes a fresh key pair as shell exports.
func GenerateKeys(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export TABLESYNC_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export TABLESYNC_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// Grant describes one session grant to sign.
type Grant struct {
	PrivateKey string
	Issuer     string
	Audience   string
	UserID     string
	Role       string
	SessionID  string
	TTL        time.Duration
	Now        func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// Sign returns a compact EdDSA grant token.
func Sign(g Grant) (string, error) {
	key, err := parsePrivateKey(g.PrivateKey)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(g.UserID) == "" || strings.TrimSpace(g.Role) == "" {
		return "", errors.New("user and role are required")
	}
	if g.TTL <= 0 {
		g.TTL = time.Hour
	}
	if g.Now == nil {
		g.Now = time.Now
	}
	now := g.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.Issuer,
			Audience:  jwt.ClaimStrings{g.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.TTL)),
			ID:        uuid.NewString(),
		},
		UserID:    strings.TrimSpace(g.UserID),
		Role:      strings.TrimSpace(g.Role),
		SessionID: strings.TrimSpace(g.SessionID),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(key)
}

func parsePrivateKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("private key is required")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}
