package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
)

// IDAllocator produces the next public incident identifier. Implementations
// guarantee uniqueness; the counter-backed modes additionally guarantee
// monotonically increasing values.
type IDAllocator interface {
	Next(ctx context.Context) (string, error)
}

// NewAllocator builds the allocator for the configured id mode.
func NewAllocator(cfg *config.Config, database *sql.DB) (IDAllocator, error) {
	switch cfg.IDMode {
	case config.IDModeSequence:
		return &sequenceAllocator{db: database, driver: cfg.DBDriver, prefix: cfg.IDPrefix}, nil
	case config.IDModeRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &redisAllocator{client: redis.NewClient(opts), key: cfg.RedisKey, prefix: cfg.IDPrefix}, nil
	case config.IDModeXID:
		return &xidAllocator{prefix: cfg.IDPrefix}, nil
	default:
		return nil, fmt.Errorf("unsupported id mode: %s", cfg.IDMode)
	}
}

func formatCounter(prefix string, n int64) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// sequenceAllocator increments a single-row counter table. The UPDATE is one
// atomic read-modify-write, so concurrent allocators never see the same
// value.
type sequenceAllocator struct {
	db     *sql.DB
	driver string
	prefix string
}

func (a *sequenceAllocator) Next(ctx context.Context) (string, error) {
	var n int64
	query := db.Rebind(a.driver, `UPDATE incident_sequence SET value = value + 1 WHERE id = 1 RETURNING value`)
	if err := a.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return "", fmt.Errorf("next incident sequence: %w", err)
	}
	return formatCounter(a.prefix, n), nil
}

// redisAllocator shares one INCR counter across processes.
type redisAllocator struct {
	client *redis.Client
	key    string
	prefix string
}

func (a *redisAllocator) Next(ctx context.Context) (string, error) {
	n, err := a.client.Incr(ctx, a.key).Result()
	if err != nil {
		return "", fmt.Errorf("redis incr %s: %w", a.key, err)
	}
	return formatCounter(a.prefix, n), nil
}

// xidAllocator issues lexicographically sortable, time-ordered opaque ids.
// No shared state, so strict sequential numbering is traded for horizontal
// scalability.
type xidAllocator struct {
	prefix string
}

func (a *xidAllocator) Next(_ context.Context) (string, error) {
	return a.prefix + "-" + xid.New().String(), nil
}
