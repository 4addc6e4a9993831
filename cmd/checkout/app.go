package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"checkout-service/internal/address"
	"checkout-service/internal/broker"
	"checkout-service/internal/catalog"
	"checkout-service/internal/checkout"
	"checkout-service/internal/config"
	"checkout-service/internal/database"
	"checkout-service/internal/email"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/logging"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
	"checkout-service/internal/settlement"
	"checkout-service/internal/telemetry"
)

// app is the wired service graph shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	rdb       *redis.Client
	publisher broker.Publisher

	idem       idempotency.Store
	outbox     outbox.Store
	drainer    *outbox.Drainer
	orders     *order.Service
	catalog    catalog.Repository
	processor  payment.Processor
	webhooks   payment.WebhookVerifier
	breakers   *resilience.Registry
	settlement *settlement.Orchestrator
	checkout   *checkout.Coordinator

	shutdownTelemetry telemetry.Shutdown
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logging.New(cfg.Log.Level, cfg.Log.Format)}
	slog.SetDefault(a.logger)

	if err := a.init(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "checkout-service",
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return err
	}
	a.shutdownTelemetry = shutdown

	if cfg.Database.URL != "" {
		if a.db, err = database.Open(ctx, cfg.Database.URL); err != nil {
			return err
		}
		if err := database.Migrate(ctx, a.db); err != nil {
			return err
		}
		a.outbox = outbox.NewPostgresStore(a.db, cfg.Outbox.MaxAttempts, cfg.Outbox.Lease)
		a.orders = order.NewService(order.NewPostgresRepository(a.db), a.logger)
		a.catalog = catalog.NewPostgresRepository(a.db)
		a.logger.Info("using postgres storage")
	} else {
		a.outbox = outbox.NewMemoryStore(cfg.Outbox.MaxAttempts).WithLease(cfg.Outbox.Lease)
		a.orders = order.NewService(order.NewMemoryRepository(), a.logger)
		a.catalog = catalog.NewMemoryRepository()
		a.logger.Warn("database.url not set, using in-memory storage")
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.idem = idempotency.NewRedisStore(a.rdb, "checkout:idem:")
	} else {
		a.idem = idempotency.NewMemoryStore()
	}

	mailer, err := a.mailer(ctx)
	if err != nil {
		return err
	}

	if cfg.Payment.Mock {
		mock := payment.NewMockProcessor()
		a.processor, a.webhooks = mock, mock
		a.logger.Warn("using mock payment processor")
	} else {
		stripe := payment.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		a.processor, a.webhooks = stripe, stripe
	}

	metrics, err := resilience.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create breaker metrics: %w", err)
	}
	template := resilience.DefaultBreakerConfig("")
	template.FailureThreshold = cfg.Breaker.FailureThreshold
	template.HalfOpenAfter = cfg.Breaker.HalfOpenAfter
	template.Metrics = metrics
	template.Logger = a.logger
	a.breakers = resilience.NewRegistry(template)

	retry := resilience.Policy{
		Retries:  cfg.Retry.Retries,
		MinDelay: cfg.Retry.MinDelay,
		MaxDelay: cfg.Retry.MaxDelay,
		Factor:   cfg.Retry.Factor,
		Jitter:   cfg.Retry.Jitter,
	}

	a.settlement = settlement.New(settlement.Deps{
		Orders:      a.orders,
		Outbox:      a.outbox,
		Idempotency: a.idem,
		Processor:   a.processor,
		Catalog:     a.catalog,
		Mailer:      mailer,
		Breakers:    a.breakers,
		Logger:      a.logger,
	}, settlement.Config{
		Currency:       cfg.Payment.Currency,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Retry:          retry,
		BaseURL:        cfg.App.BaseURL,
	})

	a.drainer = outbox.NewDrainer(a.outbox, outbox.DrainerConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		Logger:       a.logger,
	})
	a.settlement.RegisterHandlers(a.drainer)

	a.checkout = checkout.NewCoordinator(address.NewRulesValidator(), a.settlement, a.breakers, a.logger).WithCatalog(catalogSource(a))
	return nil
}

func (a *app) mailer(ctx context.Context) (email.Sender, error) {
	switch a.cfg.Broker.Kind {
	case "redis":
		if a.rdb == nil {
			return nil, errors.New("broker.kind redis requires redis.url")
		}
		a.publisher = broker.NewRedisPublisher(a.rdb, "checkout:")
	case "rabbitmq":
		pub, err := broker.NewRabbitMQPublisher(ctx, a.cfg.Broker.URL, a.cfg.Broker.Queue, a.logger)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
	default:
		return email.NewLogSender(a.logger), nil
	}
	return email.NewBrokerSender(a.publisher, a.cfg.Email.From), nil
}

// Close releases connections and flushes spans.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close broker", "error", err)
		}
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("failed to flush telemetry", "error", err)
		}
	}
}
