/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/db"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Opener builds scope stores from configuration and shares connections
// between scopes that point at the same backend.
type Opener struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu     sync.Mutex
	dbs    map[string]*gorm.DB
	redis  *redis.Client
	s3     *s3.Client
	memory map[Scope]*Memory
}

// NewOpener creates an Opener for cfg.
func NewOpener(cfg *config.Config, logger zerolog.Logger) *Opener {
	return &Opener{
		cfg:    cfg,
		logger: logger.With().Str("component", "store").Logger(),
		dbs:    make(map[string]*gorm.DB),
		memory: make(map[Scope]*Memory),
	}
}

// Open returns the Store configured for scope.
func (o *Opener) Open(ctx context.Context, scope Scope) (Store, error) {
	backend, dsn := o.cfg.LocalStoreBackend, o.cfg.LocalStoreDSN
	if scope == ScopeSync {
		backend, dsn = o.cfg.SyncStoreBackend, o.cfg.SyncStoreDSN
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Debug().Str("scope", string(scope)).Str("backend", string(backend)).Msg("opening store")

	switch backend {
	case config.StoreMemory:
		m, ok := o.memory[scope]
		if !ok {
			m = NewMemory()
			o.memory[scope] = m
		}
		return m, nil

	case config.StoreSQLite, config.StorePostgres, config.StoreMySQL:
		key := string(backend) + "|" + dsn
		database, ok := o.dbs[key]
		if !ok {
			var err error
			database, err = db.Connect(backend, dsn)
			if err != nil {
				return nil, fmt.Errorf("connect %s store: %w", scope, err)
			}
			if err := db.Migrate(database); err != nil {
				_ = db.Close(database)
				return nil, fmt.Errorf("migrate %s store: %w", scope, err)
			}
			if err := db.RegisterCallbacks(database); err != nil {
				o.logger.Warn().Err(err).Msg("failed to register database telemetry callbacks")
			}
			o.dbs[key] = database
		}
		return NewSQL(database, scope), nil

	case config.StoreRedis:
		if o.redis == nil {
			client, err := NewRedisClient(ctx, RedisConfig{
				Addr:     o.cfg.RedisAddr,
				Password: o.cfg.RedisPassword,
				DB:       o.cfg.RedisDB,
			}, o.logger)
			if err != nil {
				return nil, err
			}
			o.redis = client
		}
		return NewRedis(o.redis, scope, o.logger), nil

	case config.StoreS3:
		s3cfg := o.s3Config()
		if o.s3 == nil {
			client, err := NewS3Client(ctx, s3cfg)
			if err != nil {
				return nil, err
			}
			o.s3 = client
		}
		return NewS3(o.s3, s3cfg, scope), nil
	}

	return nil, fmt.Errorf("unsupported store backend %q", backend)
}

func (o *Opener) s3Config() S3Config {
	return S3Config{
		AccessKeyID:     o.cfg.S3AccessKeyID,
		SecretAccessKey: o.cfg.S3SecretAccessKey,
		Region:          o.cfg.S3Region,
		Bucket:          o.cfg.S3Bucket,
		Endpoint:        o.cfg.S3Endpoint,
		Prefix:          o.cfg.S3Prefix,
		UsePathStyle:    o.cfg.S3UsePathStyle,
	}
}

// UpdateMetrics refreshes connection pool gauges for SQL backends.
func (o *Opener) UpdateMetrics() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, database := range o.dbs {
		db.UpdateConnectionMetrics(database)
	}
}

// Close releases every connection the Opener created.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for key, database := range o.dbs {
		if err := db.Close(database); err != nil {
			errs = append(errs, err)
		}
		delete(o.dbs, key)
	}
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		o.redis = nil
	}
	return errors.Join(errs...)
}
