// Package app wires configuration into the storage, lock and logging
// dependencies shared by every binary.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/care-scheduling/internal/config"
	"github.com/hackgods/care-scheduling/internal/db"
	"github.com/hackgods/care-scheduling/internal/events"
	redisclient "github.com/hackgods/care-scheduling/internal/redis"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

// Store is a scheduling.Repository that can also register patients, which
// only tooling needs.
type Store interface {
	scheduling.Repository
	UpsertPatient(ctx context.Context, p scheduling.Patient) (*scheduling.Patient, error)
}

var (
	_ Store = (*scheduling.PgRepository)(nil)
	_ Store = (*scheduling.MemoryRepository)(nil)
)

// Infra holds the connections opened for one process. Pool and Redis are nil
// when the configuration does not use them.
type Infra struct {
	Config config.Config
	Logger zerolog.Logger
	Store  Store
	Locker redisclient.Locker
	Pool   *pgxpool.Pool
	Redis  *redis.Client
}

// NewLogger builds the process logger: JSON in production, console output
// otherwise.
func NewLogger(cfg config.Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", service).Logger()
}

// Open connects to Postgres (or builds the in-memory store) and to Redis when
// an address is configured.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Infra, error) {
	infra := &Infra{Config: cfg, Logger: logger}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		infra.Store = scheduling.NewMemoryRepository()
		logger.Warn().Msg("using in-memory storage, data is lost on exit")
	default:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		infra.Pool = pool
		infra.Store = scheduling.NewPgRepository(pool, db.PolicyFromConfig(cfg))
		logger.Info().Msg("connected to Postgres")
	}

	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(ctx, cfg)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		infra.Redis = rdb
		infra.Locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		infra.Locker = redisclient.NewLocalLocker()
		logger.Warn().Msg("REDIS_ADDR not set, slot locks are process-local")
	}

	return infra, nil
}

// IdempotencyStore returns the Redis-backed store, or an in-process one when
// Redis is disabled.
func (i *Infra) IdempotencyStore() redisclient.IdempotencyStore {
	if i.Redis != nil {
		return redisclient.NewRedisIdempotencyStore(i.Redis, i.Config.IdempotencyTTL)
	}
	return redisclient.NewMemoryIdempotencyStore(i.Config.IdempotencyTTL)
}

// AsynqRedisOpt points asynq at the configured Redis.
func AsynqRedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}
}

// Events builds the dispatcher a process publishes scheduling events
// through: always logged and recorded in the event log, and queued for the
// notify worker when Redis is available. shutdown drains it.
func (i *Infra) Events() (d *events.Dispatcher, shutdown func(ctx context.Context)) {
	handlers := []events.Handler{
		events.NewLogHandler(i.Logger),
		events.NewRecorder(i.Store),
	}

	var client *asynq.Client
	if i.Redis != nil {
		client = asynq.NewClient(AsynqRedisOpt(i.Config))
		handlers = append(handlers, events.NewAsynqPublisher(client, i.Config.EventQueue))
	}

	d = events.NewDispatcher(i.Config.EventBuffer, i.Config.StorageTimeout, i.Logger, handlers...)
	return d, func(ctx context.Context) {
		if err := d.Close(ctx); err != nil {
			i.Logger.Warn().Err(err).Msg("event dispatcher did not drain")
		}
		if client != nil {
			if err := client.Close(); err != nil {
				i.Logger.Warn().Err(err).Msg("error closing asynq client")
			}
		}
	}
}

func (i *Infra) Close() {
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			i.Logger.Warn().Err(err).Msg("error closing redis")
		}
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}
