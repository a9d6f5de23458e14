package dealsd

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sponsorvault/observability/logging"
)

func TestIssueAndVerifyToken(t *testing.T) {
	cfg := AuthConfig{Secret: testSecret, Issuer: "sponsorvault", Audience: "dealsd"}
	auth, err := NewAuthenticator(cfg)
	require.NoError(t, err)
	caller := fill(0xC0)

	tok, err := IssueToken(cfg, caller, time.Hour, time.Now())
	require.NoError(t, err)
	got, err := auth.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, caller, got)

	wrongAudience, err := IssueToken(AuthConfig{Secret: testSecret, Issuer: "sponsorvault", Audience: "other"}, caller, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = auth.Verify(wrongAudience)
	require.Error(t, err)

	expired, err := IssueToken(cfg, caller, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = auth.Verify(expired)
	require.Error(t, err)
}

func TestVerifyHonoursClockSkew(t *testing.T) {
	cfg := AuthConfig{Secret: testSecret, ClockSkew: 5 * time.Minute}
	auth, err := NewAuthenticator(cfg)
	require.NoError(t, err)
	issued := time.Unix(1_700_000_000, 0)
	tok, err := IssueToken(cfg, fill(0x01), time.Minute, issued)
	require.NoError(t, err)

	auth.nowFn = func() time.Time { return issued.Add(4 * time.Minute) }
	_, err = auth.Verify(tok)
	require.NoError(t, err)

	auth.nowFn = func() time.Time { return issued.Add(10 * time.Minute) }
	_, err = auth.Verify(tok)
	require.Error(t, err)
}

func TestVerifyRejectsZeroSubject(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)
	tok, err := IssueToken(AuthConfig{Secret: testSecret}, fill(0x00), time.Hour, time.Now())
	require.NoError(t, err)
	_, err = auth.Verify(tok)
	require.Error(t, err)
}

func TestMiddlewareStoresCaller(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)
	caller := fill(0x42)
	var seen bool
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := CallerFromContext(r.Context())
		seen = ok && got == caller
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := IssueToken(AuthConfig{Secret: testSecret}, caller, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, seen)
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Secret: "  "})
	require.Error(t, err)
}

func TestRejectedTokensAreLoggedMasked(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)
	var logs bytes.Buffer
	auth.SetLogger(slog.New(slog.NewJSONHandler(&logs, nil)))
	forged, err := IssueToken(AuthConfig{Secret: "a-different-secret-of-enough-length"}, fill(0xC0), time.Hour, time.Now())
	require.NoError(t, err)

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for a forged token")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/deals", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, logs.String(), "bearer token rejected")
	require.Contains(t, logs.String(), logging.RedactedValue)
	require.NotContains(t, logs.String(), forged)
}

func TestRequestLogMasksAuthorization(t *testing.T) {
	var logs bytes.Buffer
	srv := &Server{logger: slog.New(slog.NewJSONHandler(&logs, nil))}
	handler := srv.requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer very-secret-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Contains(t, logs.String(), `"authorization":"`+logging.RedactedValue+`"`)
	require.NotContains(t, logs.String(), "very-secret-token")
}
