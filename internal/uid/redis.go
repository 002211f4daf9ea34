package uid

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Incrementer is the slice of redis.Cmdable the reserver needs. Both
// *redis.Client and *redis.ClusterClient satisfy it.
type Incrementer interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
}

// RedisReserver reserves blocks with INCRBY on a shared counter key.
type RedisReserver struct {
	client Incrementer
	key    string
	closer func() error
}

// NewRedisReserver dials addr and reserves from key.
func NewRedisReserver(addr, password string, db int, key string) *RedisReserver {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisReserver{client: client, key: key, closer: client.Close}
}

// NewRedisReserverFromClient wraps an existing client; Close leaves it open.
func NewRedisReserverFromClient(client Incrementer, key string) *RedisReserver {
	return &RedisReserver{client: client, key: key}
}

// Reserve returns the first id of the block. The counter holds the last id
// handed out, so a fresh key starts the first block at 1.
func (r *RedisReserver) Reserve(ctx context.Context, size uint64) (uint64, error) {
	end, err := r.client.IncrBy(ctx, r.key, int64(size)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(end) - size + 1, nil
}

func (r *RedisReserver) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
