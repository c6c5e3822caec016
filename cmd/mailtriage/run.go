package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailtriage/internal/ai"
	"github.com/nhle/mailtriage/internal/logging"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/notify"
	"github.com/nhle/mailtriage/internal/source/email"
	"github.com/nhle/mailtriage/internal/store"
	triage "github.com/nhle/mailtriage/internal/sync"
)

// runAgent wires the components and blocks until SIGINT/SIGTERM or until
// the triage loop gives up on the mailbox.
func runAgent(parent context.Context, cfg *model.Config, logOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	journal, err := store.NewSQLiteStore(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening outcome journal: %w", err)
	}
	defer journal.Close()

	m := metrics.New(time.Now())

	notifier := notify.New(cfg, email.NewSMTPSender(email.SMTPConfigFrom(cfg)), logger)
	poller := triage.New(cfg, triage.Deps{
		Dialer:     email.NewIMAPClient(email.IMAPConfigFrom(cfg)),
		Classifier: ai.New(ai.OptionsFrom(cfg), logger),
		Notifier:   notifier,
		Journal:    journal,
		Metrics:    m,
		Logger:     logger,
	})

	logger.Info("mailtriage starting",
		"account", cfg.EmailAccount,
		"imap", cfg.IMAPServer,
		"smtp", cfg.SMTPServer,
		"interval", cfg.PollInterval(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := poller.Run(gctx); err != nil {
			return fmt.Errorf("triage loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reportLiveness(gctx, logger, cfg.LivenessInterval(), poller, journal)
		return nil
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, logger, cfg.MetricsAddr, m.Handler())
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("mailtriage stopped", "error", err)
		return err
	}
	logger.Info("mailtriage stopped")
	return nil
}

// reportLiveness logs the loop status and journal totals until ctx is done.
func reportLiveness(
	ctx context.Context,
	logger *slog.Logger,
	interval time.Duration,
	poller *triage.Poller,
	journal store.Journal,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := poller.Status()
			last := poller.LastCycle()

			attrs := []any{
				"state", status.State.String(),
				"connected", status.Connected,
				"cycles", status.Cycles,
				"last_cycle_unread", last.Unread,
				"last_cycle_processed", len(last.Outcomes),
			}
			if sum, err := journal.Summary(ctx); err == nil {
				attrs = append(attrs,
					"processed_total", sum.Processed,
					"fallbacks_total", sum.Fallbacks,
					"send_failures_total", sum.AckFailures+sum.ForwardFailures,
				)
			}
			logger.Info("mailtriage alive", attrs...)
		}
	}
}

// serveMetrics exposes the Prometheus handler on addr until ctx is done.
func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
