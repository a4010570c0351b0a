package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/keygate/internal/artifact"
	"github.com/dukerupert/keygate/internal/backup"
	"github.com/dukerupert/keygate/internal/cache"
	"github.com/dukerupert/keygate/internal/config"
	"github.com/dukerupert/keygate/internal/database"
	"github.com/dukerupert/keygate/internal/email"
	"github.com/dukerupert/keygate/internal/licensing"
	"github.com/dukerupert/keygate/internal/metrics"
	"github.com/dukerupert/keygate/internal/notify"
	"github.com/dukerupert/keygate/internal/store"
	ws "github.com/dukerupert/keygate/internal/websocket"
)

// app holds the services shared by the serve command and the one-shot
// administrative commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	metrics *metrics.Metrics
	hub     *ws.Hub

	products      *store.ProductStore
	notifications *store.NotificationStore

	registry    *licensing.ProductRegistry
	licenses    *licensing.LicenseService
	ledger      *licensing.ActivationLedger
	gate        *licensing.UpdateGate
	fulfillment *licensing.Fulfillment

	// artifacts is nil when no bucket is configured.
	artifacts *artifact.Store
	backups   *backup.Manager

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		metrics: metrics.New(),
		hub:     ws.NewHub(logger.With("component", "hub")),
	}
	a.closers = append(a.closers, db.Close)
	a.metrics.WatchFeedDrops(a.hub.Dropped)

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	a.products = store.NewProductStore(a.db)
	a.notifications = store.NewNotificationStore(a.db)
	ls := store.NewLicenseStore(a.db)
	as := store.NewActivationStore(a.db)

	productCache, err := a.productCache(ctx)
	if err != nil {
		return err
	}

	// Keep a missing store a nil interface for the gate and backups.
	var blobs licensing.BlobStore
	if cfg.S3.Configured() {
		st, err := artifact.New(cfg.S3)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		a.artifacts = st
		blobs = st
	}

	notifier := notify.New(a.notifications, a.products, a.metrics, a.logger.With("component", "notify"), a.sinks()...)

	a.registry = licensing.NewProductRegistry(a.products, productCache, cfg.DB.QueryTimeout, a.logger.With("component", "registry"))
	a.licenses = licensing.NewLicenseService(ls, a.products, notifier, licensing.LicenseConfig{
		DefaultExpiryDays:     cfg.License.DefaultExpiryDays,
		DefaultMaxActivations: cfg.License.DefaultMaxActivations,
		Grace:                 licensing.GraceFor(cfg.License.GraceDays),
		QueryTimeout:          cfg.DB.QueryTimeout,
	}, a.logger.With("component", "licenses"))
	a.ledger = licensing.NewActivationLedger(a.licenses, ls, as, cfg.DB.QueryTimeout, a.logger.With("component", "ledger"))
	a.gate = licensing.NewUpdateGate(a.registry, a.licenses, blobs, cfg.HTTP.BaseURL)
	a.fulfillment = licensing.NewFulfillment(a.registry, a.licenses, a.logger.With("component", "fulfillment"))

	if a.artifacts != nil {
		a.backups = backup.NewManager(cfg.Backup, a.db, a.artifacts, a.logger.With("component", "backup"))
	} else {
		a.backups = backup.NewManager(cfg.Backup, a.db, nil, a.logger.With("component", "backup"))
	}
	a.backups.OnStatus(func(s backup.Status) {
		a.hub.Broadcast(ws.NewMessage("backup", string(s.State), 0, map[string]any{
			"key":   s.LastKey,
			"error": s.Error,
		}))
	})
	return nil
}

// productCache returns the shared Redis cache, or nil without one. A
// per-process cache could not be purged by the CLI publishing an update.
func (a *app) productCache(ctx context.Context) (cache.ProductCache, error) {
	if a.cfg.Redis.URL == "" {
		return nil, nil
	}
	client, err := cache.Connect(ctx, a.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("product cache", "backend", "redis")
	return cache.Observed(cache.NewRedis(client, a.cfg.Redis.CacheTTL), a.metrics.CacheLookup), nil
}

func (a *app) sinks() []notify.Sink {
	cfg := a.cfg
	sinks := []notify.Sink{notify.NewHubSink(a.hub), notify.NewLogSink(a.logger.With("component", "events"))}

	if cfg.Email.PostmarkToken != "" {
		client := email.NewClient(cfg.Email.PostmarkToken, cfg.Email.From, email.WithMessageStream(cfg.Email.MessageStream))
		sinks = append(sinks, notify.NewEmailSink(client, cfg.Notify.Templates))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		w := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, w.Close)
		sinks = append(sinks, notify.NewKafkaSink(w))
	}
	return sinks
}

func (a *app) Close() error {
	a.hub.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
