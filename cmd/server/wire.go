package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/utility-billing/api"
	"github.com/warp/utility-billing/audit"
	"github.com/warp/utility-billing/auth"
	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/billing/store"
	"github.com/warp/utility-billing/config"
	"github.com/warp/utility-billing/notify"
	"github.com/warp/utility-billing/sequence"
	"github.com/warp/utility-billing/store/sqlite"
)

// backend is what every storage driver provides.
type backend interface {
	api.Store
	billing.AuditLog
	billing.Sequence
}

// app holds the wired service and what must be closed on shutdown.
type app struct {
	Router    http.Handler
	Scheduler *api.ExtractionAuditScheduler

	closers []func() error
	log     *zap.Logger
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if c, ok := st.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	numberer, err := buildNumberer(cfg, st, a)
	if err != nil {
		return nil, err
	}

	sink, err := buildAuditSink(cfg, st, log, a)
	if err != nil {
		return nil, err
	}

	engine := billing.NewEngine(st, sink, billing.EngineConfig{
		FallbackRate: cfg.FallbackRate(),
		Numberer:     numberer,
		Logger:       log.Named("engine"),
	})

	var notifier notify.Notifier = notify.LogNotifier{Logger: log.Named("notify")}
	if cfg.Notify.SendGridAPIKey != "" {
		notifier = notify.NewSendGridNotifier(cfg.Notify.SendGridAPIKey, cfg.Notify.FromName, cfg.Notify.FromEmail)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Engine:   engine,
		Store:    st,
		Audit:    st,
		Notifier: notifier,
		Logger:   log.Named("api"),
		DueDays:  cfg.Invoice.DueDays,
	})

	enforcer, err := auth.NewEnforcer()
	if err != nil {
		return nil, fmt.Errorf("failed to build enforcer: %w", err)
	}
	a.Router = api.NewRouter(handler, enforcer, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		GenerateLimit:  cfg.Server.GenerateRateLimit,
		GenerateBurst:  cfg.Server.GenerateBurst,
		MetricsPath:    cfg.Metrics.Path,
		DisableMetrics: !cfg.Metrics.Enabled,
	})

	if cfg.Scheduler.Enabled {
		a.Scheduler, err = api.NewExtractionAuditScheduler(st, log.Named("scheduler"), cfg.Scheduler.Spec)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openBackend opens the configured store and brings its schema up to date.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		return store.NewMemory(), nil

	case "sqlite":
		st, err := sqlite.New(cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return st, nil

	case "gorm-sqlite", "postgres":
		st, err := openGormStore(cfg, log)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

func buildNumberer(cfg *config.Config, st backend, a *app) (billing.InvoiceNumberer, error) {
	if cfg.Invoice.Numbering != "sequence" {
		return billing.TokenNumberer{}, nil
	}
	if cfg.Invoice.SequenceBackend != "redis" {
		return billing.SequenceNumberer{Sequence: st}, nil
	}

	seq, client, err := sequence.NewRedisSequence(sequence.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return billing.SequenceNumberer{Sequence: seq}, nil
}

// buildAuditSink writes to the store first; the log and kafka copies are
// mirrors whose failures are logged and counted.
func buildAuditSink(cfg *config.Config, st backend, log *zap.Logger, a *app) (billing.AuditSink, error) {
	mirrors := []billing.AuditSink{audit.NewLogSink(log.Named("audit"))}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := audit.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit mirror: %w", err)
		}
		kafka := audit.NewKafkaSink(producer, cfg.Kafka.AuditTopic)
		a.closers = append(a.closers, kafka.Close)
		mirrors = append(mirrors, kafka)
	}
	return audit.NewFanout(st, log, mirrors...), nil
}
