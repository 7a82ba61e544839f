// Package database provides unified storage management for the gateway. It
// coordinates the Redis work cache, the PostgreSQL payout store and InfluxDB
// metrics. Every backend is optional; a Manager with none configured is a
// no-op on all of its surfaces.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/nanotools/nanogate/internal/config"
	"github.com/nanotools/nanogate/internal/database/influx"
	"github.com/nanotools/nanogate/internal/database/postgres"
	"github.com/nanotools/nanogate/internal/database/redis"
	"github.com/nanotools/nanogate/pkg/errors"
	"github.com/nanotools/nanogate/pkg/log"
	"github.com/nanotools/nanogate/pkg/retry"
)

// Manager coordinates storage operations across the configured backends.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Payouts *postgres.PayoutRepository

	logger      *log.Logger
	retryConfig *retry.Config
}

// NewManager connects to every backend named in the configuration. A backend
// with an empty URL is skipped. Connections opened before a later failure are
// closed again.
func NewManager(cfg *config.Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger:      logger.WithComponent("database"),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.PostgresURL != "" {
		pgClient, err := postgres.NewClient(&postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  time.Hour,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient
		m.Payouts = postgres.NewPayoutRepository(pgClient.DB())
	}

	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(&redis.Config{
			URL:     cfg.RedisURL,
			WorkTTL: cfg.WorkCacheTTL,
		})
		if err != nil {
			m.closeOnError()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
	}

	if cfg.InfluxURL != "" {
		influxClient, err := influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			m.closeOnError()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = influxClient
	}

	return m, nil
}

func (m *Manager) closeOnError() {
	if err := m.Close(); err != nil {
		m.logger.WithError(err).Warn("cleanup after failed storage init")
	}
}

// Close closes all open backend connections.
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("storage close errors: %v", errs)
	}

	return nil
}

// Health checks connectivity of every configured backend.
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Work cache surface

// GetWork returns cached work for a block hash, empty on a miss or when Redis
// is not configured.
func (m *Manager) GetWork(ctx context.Context, hash string) (string, error) {
	if m.Redis == nil {
		return "", nil
	}
	return m.Redis.GetWork(ctx, hash)
}

// SetWork caches computed work for a block hash.
func (m *Manager) SetWork(ctx context.Context, hash, work string) error {
	if m.Redis == nil {
		return nil
	}
	return m.Redis.SetWork(ctx, hash, work)
}

// Rate limiter surface

// CheckRateLimit reports whether an action is within its windowed limit.
// Without Redis everything is allowed.
func (m *Manager) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	if m.Redis == nil {
		return true, nil
	}
	return m.Redis.CheckRateLimit(ctx, key, limit, window)
}

// Payout surface

// RecordPayout persists a faucet payout and records its metric. Persistence
// retries on transient failures.
func (m *Manager) RecordPayout(ctx context.Context, account, amount, sendHash string) error {
	if m.Payouts == nil {
		return nil
	}

	payout := &postgres.Payout{
		Account:  account,
		Amount:   amount,
		SendHash: sendHash,
	}

	err := retry.Do(ctx, m.retryConfig, func() error {
		if err := m.Payouts.CreatePayout(ctx, payout); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_payout",
				"failed to store payout in PostgreSQL").
				WithContext("account", account).
				WithContext("send_hash", sendHash)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.Influx != nil {
		m.Influx.WriteRequestMetric("request_nano", true)
	}
	return nil
}

// Metrics surfaces

// RecordWork records one resolved work request.
func (m *Manager) RecordWork(source string, duration time.Duration) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteWorkMetric(source, duration)
}

// RecordRequest records one gateway request outcome.
func (m *Manager) RecordRequest(action string, ok bool) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteRequestMetric(action, ok)
}

// RecordRelay records one confirmation broadcast.
func (m *Manager) RecordRelay(topic string, clients int) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteRelayMetric(topic, clients)
}

// RecordConnection records a stream connection state change.
func (m *Manager) RecordConnection(endpoint, state string) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteConnectionMetric(endpoint, state)
}

// StartPeriodicTasks starts background maintenance: periodic InfluxDB flushes
// and backend health logging.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := m.Health(checkCtx); err != nil {
					m.logger.WithError(err).Warn("storage health check failed")
				}
				cancel()
			}
		}
	}()
}
