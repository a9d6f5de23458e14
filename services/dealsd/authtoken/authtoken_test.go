package authtoken

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"sponsorvault/crypto"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueVerifyHonoursIssuer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	subject := crypto.Address{0xC0, 0x01}
	cfg := Config{Secret: secret, Issuer: "dealctl"}
	tok, err := Issue(cfg, subject, time.Hour, now)
	require.NoError(t, err)

	got, err := Verify(cfg, tok, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, subject, got)

	_, err = Verify(Config{Secret: secret, Issuer: "someone-else"}, tok, now)
	require.Error(t, err)
	_, err = Verify(Config{Secret: "another-secret-of-sufficient-size"}, tok, now)
	require.Error(t, err)
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := jwt.RegisteredClaims{
		Subject:   crypto.Address{0xC0}.Hex(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = Verify(Config{Secret: secret}, unsigned, now)
	require.Error(t, err)
}

func TestVerifyRequiresExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := jwt.RegisteredClaims{Subject: crypto.Address{0xC0}.Hex()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = Verify(Config{Secret: secret}, tok, now)
	require.True(t, errors.Is(err, jwt.ErrTokenRequiredClaimMissing))
}

func TestIssueValidatesInput(t *testing.T) {
	_, err := Issue(Config{}, crypto.Address{0xC0}, time.Hour, time.Now())
	require.ErrorIs(t, err, ErrNoSecret)
	_, err = Issue(Config{Secret: secret}, crypto.Address{0xC0}, 0, time.Now())
	require.Error(t, err)
}
