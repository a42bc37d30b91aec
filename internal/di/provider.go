package di

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/config"
	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/transaction"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/ratelimit"
	"github.com/summa-ledger/summad/internal/reconciliation"
	"github.com/summa-ledger/summad/internal/schema"
	"github.com/summa-ledger/summad/internal/server"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
	"github.com/summa-ledger/summad/internal/worker"
)

// Provider registers every summad service in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a provider over the container.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{container: container, config: cfg}
}

// RegisterAll registers all service builders.
func (p *Provider) RegisterAll() {
	p.container.Register(ServiceConfig, p.config)

	p.container.RegisterBuilder(ServiceLogger, p.buildLogger)
	p.container.RegisterBuilder(ServiceDB, p.buildDB)
	p.container.RegisterBuilder(ServiceMigrator, p.buildMigrator)
	p.container.RegisterBuilder(ServiceAccounts, p.buildAccounts)
	p.container.RegisterBuilder(ServiceTxs, p.buildTransactions)
	p.container.RegisterBuilder(ServiceWebhooks, p.buildWebhooks)
	p.container.RegisterBuilder(ServiceFeed, p.buildFeed)
	p.container.RegisterBuilder(ServiceOutbox, p.buildOutbox)
	p.container.RegisterBuilder(ServiceReconciler, p.buildReconciler)
	p.container.RegisterBuilder(ServiceRateLimiter, p.buildRateLimiter)
	p.container.RegisterBuilder(ServiceRuntime, p.buildRuntime)
	p.container.RegisterBuilder(ServiceServer, p.buildServer)
	p.container.RegisterBuilder(ServiceAdapter, p.buildAdapter)
}

func (p *Provider) logger() *zap.Logger {
	return p.container.MustGet(ServiceLogger).(*zap.Logger)
}

func (p *Provider) db() (*sqldb.DB, error) {
	db, err := p.container.Get(ServiceDB)
	if err != nil {
		return nil, err
	}
	return db.(*sqldb.DB), nil
}

func (p *Provider) buildLogger(_ *Container) (any, error) {
	var cfg zap.Config
	if p.config.Logging.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(p.config.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", p.config.Logging.Level, err)
	}
	cfg.Level = level
	return cfg.Build()
}

func (p *Provider) buildDB(_ *Container) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return sqldb.Open(ctx, &p.config.Database, p.logger().Named("sqldb"))
}

func (p *Provider) buildMigrator(_ *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	return schema.NewMigrator(db, schema.Default(), p.logger().Named("schema")), nil
}

func (p *Provider) buildAccounts(_ *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	lockMode, err := account.ParseLockMode(p.config.Advanced.LockMode)
	if err != nil {
		return nil, err
	}
	sum := account.NewChecksummer(p.config.Advanced.HMACSecret)
	return account.NewManager(db, sum, account.Options{
		LockMode:               lockMode,
		UseDenormalizedBalance: p.config.Advanced.UseDenormalizedBalance,
		DefaultCurrency:        p.config.Currency,
		SystemAccounts:         p.config.SystemAccounts,
	}, p.logger().Named("account")), nil
}

func (p *Provider) buildTransactions(c *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	accounts, err := c.Get(ServiceAccounts)
	if err != nil {
		return nil, err
	}
	mgr := accounts.(*account.Manager)

	hot := map[string]bool{}
	for _, h := range p.config.Advanced.HotAccounts {
		hot[h] = true
	}
	svc := transaction.NewService(db, mgr, transaction.Config{
		LockMode:           mgr.Options().LockMode,
		IdempotencyTTL:     time.Duration(p.config.Advanced.IdempotencyTTLHours) * time.Hour,
		MaxConflictRetries: p.config.Advanced.MaxConflictRetries,
		DefaultHoldExpiry:  time.Duration(p.config.Advanced.DefaultHoldMinutes) * time.Minute,
		HotAccounts:        hot,
	}, p.logger().Named("transaction"))

	// Closing a funded account sweeps the remainder through the normal
	// transfer pipeline.
	mgr.SetSweep(svc.Sweep())
	return svc, nil
}

func (p *Provider) buildWebhooks(_ *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	return events.NewWebhookEngine(db, client, p.logger().Named("webhook")), nil
}

func (p *Provider) buildFeed(_ *Container) (any, error) {
	return server.NewFeed(nil, p.logger().Named("feed")), nil
}

func (p *Provider) buildOutbox(c *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	webhooks, err := c.Get(ServiceWebhooks)
	if err != nil {
		return nil, err
	}
	feed, err := c.Get(ServiceFeed)
	if err != nil {
		return nil, err
	}
	sinks := events.MultiPublisher{
		webhooks.(*events.WebhookEngine),
		feed.(*server.Feed),
	}
	return events.NewProcessor(db, sinks, p.config.Outbox, p.logger().Named("outbox")), nil
}

func (p *Provider) buildReconciler(_ *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	return reconciliation.New(db, p.logger().Named("reconciliation")), nil
}

func (p *Provider) buildRateLimiter(_ *Container) (any, error) {
	cfg := p.config.RateLimit.Limiter()
	switch p.config.RateLimit.Backend {
	case "":
		return (ratelimit.Store)(nil), nil
	case "memory":
		return ratelimit.NewMemory(cfg)
	case "database":
		db, err := p.db()
		if err != nil {
			return nil, err
		}
		return ratelimit.NewDatabase(db, cfg), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     p.config.Redis.Addr,
			Password: p.config.Redis.Password,
			DB:       p.config.Redis.DB,
		})
		return ratelimit.NewRedis(client, cfg), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", p.config.RateLimit.Backend)
	}
}

func (p *Provider) buildServer(c *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	serverCfg, err := p.config.ServerOptions()
	if err != nil {
		return nil, err
	}
	accounts, err := c.Get(ServiceAccounts)
	if err != nil {
		return nil, err
	}
	txs, err := c.Get(ServiceTxs)
	if err != nil {
		return nil, err
	}
	recon, err := c.Get(ServiceReconciler)
	if err != nil {
		return nil, err
	}
	webhooks, err := c.Get(ServiceWebhooks)
	if err != nil {
		return nil, err
	}
	migrator, err := c.Get(ServiceMigrator)
	if err != nil {
		return nil, err
	}
	limiterAny, err := c.Get(ServiceRateLimiter)
	if err != nil {
		return nil, err
	}
	limiter, _ := limiterAny.(ratelimit.Store)

	return server.New(db, migrator.(*schema.Migrator),
		accounts.(*account.Manager), txs.(*transaction.Service),
		recon.(*reconciliation.Reconciler), webhooks.(*events.WebhookEngine),
		limiter, serverCfg, p.logger().Named("server")), nil
}

func (p *Provider) buildAdapter(c *Container) (any, error) {
	srv, err := c.Get(ServiceServer)
	if err != nil {
		return nil, err
	}
	feed, err := c.Get(ServiceFeed)
	if err != nil {
		return nil, err
	}
	return server.NewAdapter(srv.(*server.Server), feed.(*server.Feed), p.logger().Named("http")), nil
}

// buildRuntime assembles the background worker fleet.
func (p *Provider) buildRuntime(c *Container) (any, error) {
	db, err := p.db()
	if err != nil {
		return nil, err
	}
	txsAny, err := c.Get(ServiceTxs)
	if err != nil {
		return nil, err
	}
	txs := txsAny.(*transaction.Service)
	outboxAny, err := c.Get(ServiceOutbox)
	if err != nil {
		return nil, err
	}
	outbox := outboxAny.(*events.Processor)
	webhooksAny, err := c.Get(ServiceWebhooks)
	if err != nil {
		return nil, err
	}
	webhooks := webhooksAny.(*events.WebhookEngine)
	reconAny, err := c.Get(ServiceReconciler)
	if err != nil {
		return nil, err
	}
	recon := reconAny.(*reconciliation.Reconciler)

	hostname, _ := os.Hostname()
	leases := worker.NewLeases(db, worker.HolderID(hostname, os.Getpid()))
	runtime := worker.NewRuntime(leases, p.logger().Named("worker"))

	w := p.config.Workers
	workers := []struct {
		id          string
		interval    string
		lease       bool
		concurrency int
		handler     func(ctx context.Context) error
	}{
		{"outbox-processor", w.OutboxInterval, false, w.OutboxConcurrency, func(ctx context.Context) error {
			_, err := outbox.ProcessBatch(ctx)
			return err
		}},
		{"webhook-delivery", w.WebhookInterval, false, 1, func(ctx context.Context) error {
			_, err := webhooks.DeliverDue(ctx, p.config.Outbox.BatchSize)
			return err
		}},
		{"hold-expiry", w.HoldExpiryInterval, true, 1, func(ctx context.Context) error {
			_, err := txs.ExpireHolds(ctx, 100)
			return err
		}},
		{"hot-coalescer", w.HotCoalesceInterval, true, 1, func(ctx context.Context) error {
			_, err := txs.CoalesceHotEntries(ctx, 500)
			return err
		}},
		{"block-checkpoint", w.BlockInterval, true, 1, func(ctx context.Context) error {
			_, err := chain.CreateBlockCheckpoint(ctx, db, nil)
			return err
		}},
		{"cleanup", w.CleanupInterval, true, 1, func(ctx context.Context) error {
			if _, err := outbox.Cleanup(ctx); err != nil {
				return err
			}
			if _, err := transaction.PruneIdempotencyKeys(ctx, db); err != nil {
				return err
			}
			if dbLimiter, ok := p.container.MustGet(ServiceRateLimiter).(*ratelimit.Database); ok {
				if _, err := dbLimiter.Prune(ctx); err != nil {
					return err
				}
			}
			return nil
		}},
		{"reconcile-daily", w.ReconcileDaily, true, 1, func(ctx context.Context) error {
			_, err := recon.Run(ctx, reconciliation.RunDaily)
			return err
		}},
		{"reconcile-fast", w.ReconcileFast, true, 1, func(ctx context.Context) error {
			_, err := recon.Run(ctx, reconciliation.RunFast)
			return err
		}},
	}

	for _, spec := range workers {
		interval, err := worker.ParseInterval(spec.interval)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", spec.id, err)
		}
		runtime.Register(worker.Worker{
			ID:            spec.id,
			Interval:      interval,
			LeaseRequired: spec.lease,
			Concurrency:   spec.concurrency,
			Handler:       spec.handler,
		})
	}
	return runtime, nil
}
