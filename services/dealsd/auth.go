package dealsd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sponsorvault/crypto"
	"sponsorvault/observability/logging"
	"sponsorvault/services/dealsd/authtoken"
)

type contextKey string

const contextKeyCaller contextKey = "dealsd.caller"

// AuthConfig controls bearer-token validation. The token subject is the
// caller's address; the engine decides whether that address is a custodian.
type AuthConfig = authtoken.Config

// Authenticator validates HMAC-signed custodian tokens.
type Authenticator struct {
	cfg    AuthConfig
	nowFn  func() time.Time
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator. A secret is mandatory.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, authtoken.ErrNoSecret
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = authtoken.DefaultClockSkew
	}
	return &Authenticator{cfg: cfg, nowFn: time.Now, logger: slog.Default()}, nil
}

// SetLogger routes rejected-token diagnostics to logger.
func (a *Authenticator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// caller address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		caller, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("bearer token rejected",
				logging.MaskField("authorization", tokenString),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses tokenString and returns the caller address in its subject.
func (a *Authenticator) Verify(tokenString string) (crypto.Address, error) {
	return authtoken.Verify(a.cfg, tokenString, a.nowFn())
}

// IssueToken signs a custodian token for subject valid for ttl.
func IssueToken(cfg AuthConfig, subject crypto.Address, ttl time.Duration, now time.Time) (string, error) {
	return authtoken.Issue(cfg, subject, ttl, now)
}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(contextKeyCaller).(crypto.Address)
	return addr, ok
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
