// Package backend opens the storage engine selected by configuration and
// hands out per-queue store handles.
package backend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mistakster/mongodb-queue/internal/config"
	"github.com/mistakster/mongodb-queue/pkg/store"
	mongostore "github.com/mistakster/mongodb-queue/pkg/store/mongo"
	pebblestore "github.com/mistakster/mongodb-queue/pkg/store/pebble"
	pgstore "github.com/mistakster/mongodb-queue/pkg/store/postgres"
	redisstore "github.com/mistakster/mongodb-queue/pkg/store/redis"
)

// Backend is a storage engine hosting any number of named queues.
type Backend interface {
	Queue(name string) store.Store
	Close() error
}

// Open connects the engine named by cfg.Backend.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: cfg.DataDir,
			Fsync:   fsyncMode(cfg.Fsync),
		})
		if err != nil {
			return nil, err
		}
		return pebbleBackend{db}, nil
	case config.BackendMongo:
		db, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return mongoBackend{db}, nil
	case config.BackendRedis:
		db, err := redisstore.Connect(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return redisBackend{db}, nil
	case config.BackendPostgres:
		db, err := pgstore.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pgBackend{db}, nil
	default:
		return nil, fmt.Errorf("backend: unknown engine %q", cfg.Backend)
	}
}

func fsyncMode(name string) pebblestore.FsyncMode {
	switch name {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

type pebbleBackend struct{ db *pebblestore.DB }

func (b pebbleBackend) Queue(name string) store.Store { return b.db.Queue(name) }
func (b pebbleBackend) Close() error                  { return b.db.Close() }

type mongoBackend struct{ db *mongostore.DB }

func (b mongoBackend) Queue(name string) store.Store { return b.db.Queue(name) }
func (b mongoBackend) Close() error                  { return b.db.Close() }

type redisBackend struct{ db *redisstore.DB }

func (b redisBackend) Queue(name string) store.Store { return b.db.Queue(name) }
func (b redisBackend) Close() error                  { return b.db.Close() }

type pgBackend struct{ db *pgstore.DB }

func (b pgBackend) Queue(name string) store.Store { return b.db.Queue(name) }
func (b pgBackend) Close() error                  { return b.db.Close() }
