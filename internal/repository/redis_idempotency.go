package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/redis/go-redis/v9"
)

type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		prefix: "accountgate:idem:",
	}
}

func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error) {
	payload, err := json.Marshal(model.IdempotencyRecord{CreatedAt: time.Now().UTC(), Processing: true})
	if err != nil {
		return nil, false, err
	}
	locked, err := s.client.SetNX(ctx, s.prefix+key, payload, s.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if locked {
		return nil, false, nil
	}
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) error {
	payload, err := json.Marshal(model.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
