package redis

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
)

// Connection wraps the Redis client with the configured key prefix
type Connection struct {
	rdb    *r.Client
	prefix string
	logger arbor.ILogger
}

// NewConnection connects to Redis and verifies the server responds
func NewConnection(logger arbor.ILogger, config *common.RedisConfig) (*Connection, error) {
	rdb := r.NewClient(&r.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Debug().Str("addr", config.Addr).Int("db", config.DB).Msg("Redis connection established")

	return &Connection{
		rdb:    rdb,
		prefix: config.KeyPrefix,
		logger: logger,
	}, nil
}

func (c *Connection) key(name string) string {
	return c.prefix + name
}

// Close closes the client
func (c *Connection) Close() error {
	return c.rdb.Close()
}
