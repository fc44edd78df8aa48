package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/admin"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/config"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/conformity"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/health"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/impact"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/notify"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profilesync"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/realtime"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
)

// memoryLanes is the number of ordering lanes of the in-process gateway.
const memoryLanes = 16

// Components is the wired sync engine shared by the HTTP server and the
// operator CLI.
type Components struct {
	DB      *sql.DB // nil when using the in-memory store
	Redis   *redis.Client
	Store   profile.Store
	Gateway eventbus.Gateway
	Deduper eventbus.Deduper
	Hub     *realtime.Hub
	Locks   *syncutil.KeyedMutex

	Scheduler    *profilesync.Scheduler
	Orchestrator *profilesync.Orchestrator
	Receiver     *profilesync.Receiver
	Timer        *profilesync.Timer
	Validator    *conformity.Validator
	Admin        *admin.Service
	Health       *health.Registry

	logger *slog.Logger
}

// Build opens the configured backends and wires every component. Backends
// left unconfigured fall back to in-memory implementations.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{
		Locks:  syncutil.NewKeyedMutex(),
		Hub:    realtime.NewHub(logger),
		Health: health.NewRegistry(),
		logger: logger,
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.DB = db
		c.Store = profile.NewPostgresStore(db)
		c.Health.Register("postgres", health.Ping("postgres", health.PingFunc(db.PingContext), 0))
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		c.Store = profile.NewMemoryStore()
		logger.Info("using in-memory storage (data will not persist)")
	}

	if len(cfg.KafkaBrokers) > 0 {
		gw, err := eventbus.NewKafkaGateway(eventbus.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			ClientID:      cfg.KafkaClientID,
		}, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Gateway = gw
		c.Health.Register("kafka", health.Ping("kafka", gw, 0))
		logger.Info("using Kafka event gateway", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaConsumerGroup)
	} else {
		c.Gateway = eventbus.NewMemoryGateway(memoryLanes, logger)
		logger.Info("using in-memory event gateway")
	}

	if cfg.RedisURL != "" {
		client, err := eventbus.NewRedisClient(cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		rd := eventbus.NewRedisDeduper(client, cfg.DedupeTTL)
		c.Redis = client
		c.Deduper = rd
		c.Health.Register("redis", health.Ping("redis", rd, 0))
	} else {
		c.Deduper = eventbus.NewMemoryDeduper(cfg.DedupeTTL)
	}

	notifier := notify.New(c.Gateway, c.Hub, logger)
	c.Scheduler = profilesync.NewScheduler(c.Store, notifier, logger).
		WithMaxRetries(cfg.SyncMaxRetries).
		WithEmitter(c.Hub)
	c.Orchestrator = profilesync.NewOrchestrator(c.Store, c.Gateway, c.Scheduler, cfg.ServiceName, logger).
		WithEmitter(c.Hub)
	c.Receiver = profilesync.NewReceiver(c.Store, c.Orchestrator, c.Scheduler, impact.NewClassifier(cfg.DelayedSyncDelay), c.Locks, logger).
		WithEmitter(c.Hub)
	c.Receiver.Register(c.Gateway, c.Deduper)
	c.Timer = profilesync.NewTimer(c.Store, c.Orchestrator, c.Scheduler, c.Locks, logger).
		WithInterval(cfg.SyncSweepInterval).
		WithBatch(cfg.SyncSweepBatch)
	c.Validator = conformity.NewValidator(c.Store)
	c.Admin = admin.NewService(c.Store, c.Orchestrator, c.Locks, c.Hub, logger)

	return c, nil
}

// Close releases the backends opened by Build.
func (c *Components) Close() error {
	var errs []error
	if c.Timer != nil {
		c.Timer.Stop()
	}
	if c.Gateway != nil {
		errs = append(errs, c.Gateway.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
