package dealsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"sponsorvault/native/token"
	"sponsorvault/observability"
	"sponsorvault/services/dealsd/config"
	"sponsorvault/storage"
)

const (
	shutdownTimeout       = 10 * time.Second
	idempotencyRetention  = 24 * time.Hour
	idempotencyPruneEvery = time.Hour
)

// Run wires the daemon from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, path := range []string{cfg.Storage.Path, cfg.Store.Path} {
		if err := ensureParentDir(path); err != nil {
			return err
		}
	}
	if cfg.Journal.Driver == config.JournalSQLite {
		if err := ensureParentDir(cfg.Journal.DSN); err != nil {
			return err
		}
	}

	db, err := storage.Open(cfg.Storage.Engine, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	journal, err := OpenJournal(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer journal.Close()

	store, err := OpenStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	vault, err := cfg.VaultAddress()
	if err != nil {
		return err
	}
	escrowToken, err := tokenConfig(cfg.Token)
	if err != nil {
		return err
	}
	extras := make([]token.Config, 0, len(cfg.ExtraTokens))
	for _, tc := range cfg.ExtraTokens {
		extra, err := tokenConfig(tc)
		if err != nil {
			return err
		}
		extras = append(extras, extra)
	}

	metrics := observability.Deals()
	hub := NewHub(defaultStreamBuffer)
	svc, err := NewService(db, Options{
		Token:       escrowToken,
		ExtraTokens: extras,
		Vault:       vault,
		Journal:     journal,
		Hub:         hub,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	if err := bootstrap(svc, cfg, logger); err != nil {
		return err
	}

	auth, err := NewAuthenticator(AuthConfig{
		Secret:    cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew.Duration,
	})
	if err != nil {
		return err
	}
	auth.SetLogger(logger)
	server, err := NewServer(ServerConfig{
		Service: svc,
		Auth:    auth,
		Limiter: NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Store:   store,
		Journal: journal,
		Hub:     hub,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)
	httpSrv := &http.Server{
		Handler:           otelhttp.NewHandler(server.Handler(), "dealsd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dealsd listening", slog.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down dealsd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if !cfg.Watcher.Disabled {
		watcher := NewWatcher(svc, cfg.Watcher.Interval.Duration, logger, metrics)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(idempotencyPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := store.PruneIdempotency(gctx, time.Now().Add(-idempotencyRetention)); err != nil {
					logger.Warn("prune idempotency keys failed", slog.String("error", err.Error()))
				}
			}
		}
	})
	return g.Wait()
}

func bootstrap(svc *Service, cfg config.Config, logger *slog.Logger) error {
	if strings.TrimSpace(cfg.Bootstrap.Custodian) == "" {
		if settings, err := svc.Settings(); err == nil && len(settings.Custodians) == 0 {
			logger.Warn("no custodian configured; custodian operations will be rejected")
		}
		return nil
	}
	custodian, err := config.ParseAddress(cfg.Bootstrap.Custodian)
	if err != nil {
		return err
	}
	recipient, err := config.ParseAddress(cfg.Bootstrap.FeeRecipient)
	if err != nil {
		return err
	}
	var grants []Grant
	for _, tc := range append([]config.TokenConfig{cfg.Token}, cfg.ExtraTokens...) {
		tokenAddr, err := tc.ParsedAddress()
		if err != nil {
			return err
		}
		for _, alloc := range tc.Genesis {
			to, amount, err := alloc.Parse()
			if err != nil {
				return err
			}
			grants = append(grants, Grant{Token: tokenAddr, To: to, Amount: amount})
		}
	}
	initialised, err := svc.Bootstrap(custodian, recipient, cfg.Bootstrap.PlatformFeeBps, grants)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if initialised {
		logger.Info("deal escrow initialised",
			slog.String("custodian", custodian.Hex()),
			slog.Int("genesisGrants", len(grants)))
	}
	return nil
}

func tokenConfig(tc config.TokenConfig) (token.Config, error) {
	addr, err := tc.ParsedAddress()
	if err != nil {
		return token.Config{}, fmt.Errorf("token %s: %w", tc.Symbol, err)
	}
	return token.Config{
		Name:    tc.Name,
		Symbol:  tc.Symbol,
		Version: tc.Version,
		ChainID: tc.ChainID,
		Address: addr,
	}, nil
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, "file:") || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
