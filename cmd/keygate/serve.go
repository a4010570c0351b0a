package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/keygate/internal/auth"
	billingstripe "github.com/dukerupert/keygate/internal/billing/stripe"
	"github.com/dukerupert/keygate/internal/scheduler"
	"github.com/dukerupert/keygate/internal/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, expiry scheduler and backups",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (overrides http.addr)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				if addr := cmd.String("addr"); addr != "" {
					a.cfg.HTTP.Addr = addr
				}
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	svc := server.Services{
		DB:          a.db,
		Registry:    a.registry,
		Licenses:    a.licenses,
		Ledger:      a.ledger,
		Gate:        a.gate,
		Fulfillment: a.fulfillment,
		Hub:         a.hub,
		Backups:     a.backups,
		Metrics:     a.metrics,
	}
	if cfg.Admin.JWTSecret != "" {
		tokens, err := auth.NewTokens(cfg.Admin.JWTSecret)
		if err != nil {
			return err
		}
		svc.Tokens = tokens
	} else {
		logger.Warn("admin api disabled: no jwt secret configured")
	}
	if cfg.Stripe.WebhookSecret != "" {
		svc.Stripe = billingstripe.NewClient(cfg.Stripe)
	}

	srv := server.New(svc, server.Options{
		TrustProxy:     cfg.HTTP.TrustProxy,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
		OriginPatterns: cfg.HTTP.OriginPatterns,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(a.licenses, a.notifications, a.metrics, scheduler.Config{
		Interval:     cfg.License.SweepInterval,
		ReminderDays: cfg.License.ReminderDays,
		Retention:    cfg.License.NotificationRetention,
	}, logger.With("component", "scheduler"))
	sched.OnTick(srv.RateLimiter().Cleanup)
	sched.Start(runCtx)
	defer sched.Stop()

	a.backups.Start(runCtx)
	defer a.backups.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("keygate starting", "addr", cfg.HTTP.Addr, "base_url", cfg.HTTP.BaseURL)
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
