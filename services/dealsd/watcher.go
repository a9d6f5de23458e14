package dealsd

import (
	"context"
	"log/slog"
	"time"

	"sponsorvault/observability"
)

// Watcher periodically settles deals whose timeouts have lapsed: it releases
// payment once review has expired and refunds brands when the creator missed
// the submission deadline. Any caller may trigger these transitions; the
// watcher simply makes sure somebody does.
type Watcher struct {
	svc          *Service
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *observability.DealsMetrics
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(svc *Service, interval time.Duration, logger *slog.Logger, metrics *observability.DealsMetrics) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		svc:          svc,
		pollInterval: interval,
		logger:       logger.With(slog.String("component", "watcher")),
		metrics:      metrics,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.svc == nil {
		return nil
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// TickResult counts the settlements performed by one pass.
type TickResult struct {
	Released int
	Refunded int
	Failed   int
}

// Tick retries held events, then settles every open deal that is due.
func (w *Watcher) Tick(ctx context.Context) TickResult {
	var result TickResult
	if held := w.svc.FlushEvents(); held > 0 {
		w.logger.Warn("events still waiting for the journal", slog.Int("pending", held))
	}
	release, refund, err := w.svc.DueDeals()
	if err != nil {
		w.logger.Error("scan deals failed", slog.String("error", err.Error()))
		return result
	}
	for _, id := range release {
		if ctx.Err() != nil {
			return result
		}
		_, err := w.svc.AutoRelease(ctx, id)
		w.metrics.RecordWatcher("release", err)
		if err != nil {
			result.Failed++
			w.logger.Warn("auto release failed", slog.String("dealId", id), slog.String("error", err.Error()))
			continue
		}
		result.Released++
	}
	for _, id := range refund {
		if ctx.Err() != nil {
			return result
		}
		_, err := w.svc.AutoRefund(ctx, id)
		w.metrics.RecordWatcher("refund", err)
		if err != nil {
			result.Failed++
			w.logger.Warn("auto refund failed", slog.String("dealId", id), slog.String("error", err.Error()))
			continue
		}
		result.Refunded++
	}
	solvency, err := w.svc.Solvency()
	if err != nil {
		w.logger.Error("solvency check failed", slog.String("error", err.Error()))
	} else if !solvency.Solvent() {
		w.logger.Error("vault balance below escrowed total",
			slog.String("escrowed", solvency.Escrowed.String()),
			slog.String("vault", solvency.Vault.String()))
	}
	if result.Released+result.Refunded+result.Failed > 0 {
		w.logger.Info("watcher pass",
			slog.Int("released", result.Released),
			slog.Int("refunded", result.Refunded),
			slog.Int("failed", result.Failed))
	}
	return result
}
