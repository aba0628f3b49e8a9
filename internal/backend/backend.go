// Package backend opens the stores a process needs and picks the signaling
// log implementation from configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/healthbridge/config"
	"github.com/mossy-p/healthbridge/internal/redis"
	"github.com/mossy-p/healthbridge/internal/signaling"
	"github.com/mossy-p/healthbridge/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

// Backends holds the open connections. Nil fields were not needed.
type Backends struct {
	Redis *goredis.Client
	Pool  *pgxpool.Pool
	Log   signaling.Log
}

// Options selects which connections to open besides the signaling log's
type Options struct {
	Redis    bool
	Postgres bool
	Migrate  bool
}

// Open connects what the signaling backend and opts require
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *log.Logger) (*Backends, error) {
	b := &Backends{}

	if opts.Redis || cfg.Signaling.Backend == config.BackendRedis {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Redis = rdb
		logger.Info("Redis connection established", "addr", cfg.Redis.Addr())
	}

	if opts.Postgres || cfg.Signaling.Backend == config.BackendPostgres {
		pool, err := store.CreatePostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		b.Pool = pool
		logger.Info("Database connection established")

		if opts.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				b.Close()
				return nil, err
			}
			logger.Info("Database schema up to date")
		}
	}

	switch cfg.Signaling.Backend {
	case config.BackendMemory:
		b.Log = signaling.NewMemoryLog()
	case config.BackendRedis:
		b.Log = redis.NewStreamLog(b.Redis, logger)
	case config.BackendPostgres:
		b.Log = store.NewSignalingStore(b.Pool, logger)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown signaling backend: %s", cfg.Signaling.Backend)
	}
	logger.Info("Signaling log ready", "backend", cfg.Signaling.Backend)

	return b, nil
}

func (b *Backends) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
	if b.Redis != nil {
		b.Redis.Close()
	}
}
