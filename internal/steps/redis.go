package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists step records as Redis keys with a TTL.
// Each run also keeps a set of its step keys so Forget can drop them.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps records forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, keyPrefix: "rushed:steps", ttl: ttl}
}

func (s *RedisStore) stepKey(runID, step string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, runID, step)
}

func (s *RedisStore) indexKey(runID string) string {
	return fmt.Sprintf("%s:%s:index", s.keyPrefix, runID)
}

func (s *RedisStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	out, err := s.rdb.Get(ctx, s.stepKey(runID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *RedisStore) Save(ctx context.Context, runID, step string, output []byte) error {
	key := s.stepKey(runID, step)
	ok, err := s.rdb.SetNX(ctx, key, output, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrStepExists
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.indexKey(runID), key)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(runID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Forget(ctx context.Context, runID string) error {
	keys, err := s.rdb.SMembers(ctx, s.indexKey(runID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys = append(keys, s.indexKey(runID))
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
