package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/approval"
	"github.com/memorymonster/platform/rollout/internal/auth"
	"github.com/memorymonster/platform/rollout/internal/broker"
	"github.com/memorymonster/platform/rollout/internal/config"
	"github.com/memorymonster/platform/rollout/internal/distribution"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/objectstore"
	"github.com/memorymonster/platform/rollout/internal/rollback"
	"github.com/memorymonster/platform/rollout/internal/rollout"
	"github.com/memorymonster/platform/rollout/internal/scheduler"
	"github.com/memorymonster/platform/rollout/internal/store"
)

// app is the wired service graph. Close releases whatever build opened.
type app struct {
	logger    *zap.Logger
	db        *sql.DB
	store     store.Store
	registry  *prometheus.Registry
	gate      *approval.Gate
	rollouts  *rollout.Controller
	rollbacks *rollback.Manager
	ledger    *ledger.Ledger
	verifier  *auth.Verifier
	scheduler *scheduler.AutoAdvancer
	closers   []func() error
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}

	if err := a.openStore(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	channel, ledgerOpts, err := a.outbound(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = ledger.New(a.store, logger, append(ledgerOpts, ledger.WithMetrics(m))...)

	a.gate, err = approval.New(a.store, channel, logger, approval.Config{CallTimeout: cfg.CallTimeout, Metrics: m})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rollouts = rollout.New(a.store, a.ledger, logger, rollout.Config{CallTimeout: cfg.CallTimeout, Metrics: m})
	a.rollbacks = rollback.New(a.store, a.ledger, logger, rollback.Config{CallTimeout: cfg.CallTimeout, Metrics: m})
	a.scheduler = scheduler.New(a.store, a.rollouts, a.rollbacks, logger, scheduler.Config{AutoRollback: cfg.AutoRollbackOnSignal})

	a.verifier, err = auth.NewVerifier(auth.Config{
		HMACSecret:       cfg.JWTHMACSecret,
		PublicKeyFile:    cfg.JWTPublicKeyFile,
		Issuer:           cfg.JWTIssuer,
		AllowDevReviewer: cfg.AllowDevReviewer,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if !a.verifier.Enabled() {
		logger.Warn("no reviewer authentication configured; mutating routes are open")
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set; using in-memory store")
		a.store = store.NewMemoryStore()
		return nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	a.closers = append(a.closers, db.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	a.db = db
	a.store = store.NewPGStore(db)
	return nil
}

// outbound builds the distribution channel and the ledger sinks from whatever
// transports are configured. With none, pushes are only logged.
func (a *app) outbound(ctx context.Context, cfg config.Config) (distribution.Channel, []ledger.Option, error) {
	var channels []distribution.Channel
	var opts []ledger.Option

	if len(cfg.KafkaBrokers) > 0 {
		notify, err := broker.NewProducer(broker.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.DistributionTopic, WriteTimeout: cfg.CallTimeout})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, notify.Close)
		channels = append(channels, distribution.NewKafkaChannel(notify, cfg.DistributionTopic))

		if cfg.LedgerTopic != "" {
			events, err := broker.NewProducer(broker.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.LedgerTopic, WriteTimeout: cfg.CallTimeout})
			if err != nil {
				return nil, nil, err
			}
			a.closers = append(a.closers, events.Close)
			opts = append(opts, ledger.WithPublisher(events))
		}
	}

	if cfg.StrategyBucket != "" {
		bucket, err := objectstore.NewBucket(ctx, cfg.StrategyBucket, cfg.StrategyPrefix)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, distribution.NewS3Channel(bucket))
	}
	if cfg.LedgerArchiveBucket != "" {
		archive, err := objectstore.NewBucket(ctx, cfg.LedgerArchiveBucket, cfg.LedgerArchivePrefix)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ledger.WithArchiver(archive))
	}

	if cfg.DistributionWebhook != "" {
		hook, err := distribution.NewWebhookChannel(distribution.WebhookConfig{URL: cfg.DistributionWebhook, Timeout: cfg.CallTimeout, Retries: cfg.WebhookRetries})
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, hook)
	}

	switch len(channels) {
	case 0:
		return distribution.NewLogChannel(a.logger), opts, nil
	case 1:
		return channels[0], opts, nil
	default:
		return distribution.NewFanout(channels...), opts, nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
