package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKeyCache keeps channel secrets in one redis hash per radio so
// several gateways can share keys learned from the device.
type RedisKeyCache struct {
	rdb *redis.Client
	key string
	log *zap.Logger
}

// NewRedisKeyCache stores keys for address in the hash
// meshcore:channel_keys:<address>.
func NewRedisKeyCache(rdb *redis.Client, address string, log *zap.Logger) *RedisKeyCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisKeyCache{
		rdb: rdb,
		key: "meshcore:channel_keys:" + SafeName(address),
		log: log.Named("redis_keys"),
	}
}

// Ping checks the connection.
func (r *RedisKeyCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisKeyCache) ChannelKeys(ctx context.Context) (map[int]string, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read channel keys: %w", err)
	}
	return r.parse(raw), nil
}

func (r *RedisKeyCache) SetChannelKey(ctx context.Context, index int, secretHex string) error {
	if err := r.rdb.HSet(ctx, r.key, strconv.Itoa(index), secretHex).Err(); err != nil {
		return fmt.Errorf("failed to store channel key %d: %w", index, err)
	}
	return nil
}

func (r *RedisKeyCache) parse(raw map[string]string) map[int]string {
	out := make(map[int]string, len(raw))
	for field, v := range raw {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 {
			r.log.Debug("skipping malformed field", zap.String("field", field))
			continue
		}
		out[idx] = v
	}
	return out
}
