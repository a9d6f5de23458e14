// Package authtoken issues and verifies the HMAC-signed bearer tokens that
// identify custodians to dealsd. The subject claim carries the caller address.
package authtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sponsorvault/crypto"
)

// DefaultClockSkew is the leeway applied to time-based claims.
const DefaultClockSkew = 2 * time.Minute

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("auth secret not configured")

// Config controls token signing and validation.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

func (c Config) secret() ([]byte, error) {
	secret := strings.TrimSpace(c.Secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	return []byte(secret), nil
}

// Issue signs a token for subject valid for ttl from now.
func Issue(cfg Config, subject crypto.Address, ttl time.Duration, now time.Time) (string, error) {
	secret, err := cfg.secret()
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		Issuer:    strings.TrimSpace(cfg.Issuer),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks signature, expiry and the optional issuer and audience, and
// returns the non-zero caller address carried in the subject.
func Verify(cfg Config, tokenString string, now time.Time) (crypto.Address, error) {
	secret, err := cfg.secret()
	if err != nil {
		return crypto.Address{}, err
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return crypto.Address{}, err
	}
	if !token.Valid {
		return crypto.Address{}, errors.New("token invalid")
	}
	addr, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("subject: %w", err)
	}
	if addr.IsZero() {
		return crypto.Address{}, errors.New("subject: zero address")
	}
	return addr, nil
}
