package responder

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts the result store connection
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Pipeline() redis.Pipeliner
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}
