package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

var errTxContention = errors.New("rate limit state: too much contention")

// RedisRateLimitStore shares limiter state between gate replicas. Each key is
// updated in an optimistic WATCH/MULTI transaction and expires after idleTTL
// without updates.
type RedisRateLimitStore struct {
	client  *redis.Client
	prefix  string
	idleTTL time.Duration
}

func NewRedisRateLimitStore(client *redis.Client, prefix string, idleTTL time.Duration) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "accountgate:rl"
	}
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &RedisRateLimitStore{client: client, prefix: prefix, idleTTL: idleTTL}
}

func (s *RedisRateLimitStore) redisKey(k model.AccountKey) string {
	return s.prefix + ":" + url.QueryEscape(k.UserID) + ":" + url.QueryEscape(k.AccountID)
}

func (s *RedisRateLimitStore) parseKey(raw string) (model.AccountKey, bool) {
	rest := strings.TrimPrefix(raw, s.prefix+":")
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return model.AccountKey{}, false
	}
	user, err1 := url.QueryUnescape(parts[0])
	account, err2 := url.QueryUnescape(parts[1])
	if err1 != nil || err2 != nil {
		return model.AccountKey{}, false
	}
	return model.AccountKey{UserID: user, AccountID: account}, true
}

func decodeState(raw []byte) (model.RateLimitState, error) {
	var st model.RateLimitState
	err := json.Unmarshal(raw, &st)
	return st, err
}

func (s *RedisRateLimitStore) Get(ctx context.Context, key model.AccountKey) (model.RateLimitState, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RateLimitState{}, false, nil
	}
	if err != nil {
		return model.RateLimitState{}, false, err
	}
	st, err := decodeState(raw)
	if err != nil {
		return model.RateLimitState{}, false, err
	}
	return st, true, nil
}

func (s *RedisRateLimitStore) Set(ctx context.Context, key model.AccountKey, st model.RateLimitState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(key), payload, s.idleTTL).Err()
}

func (s *RedisRateLimitStore) Delete(ctx context.Context, key model.AccountKey) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *RedisRateLimitStore) Update(ctx context.Context, key model.AccountKey, fn func(model.RateLimitState, bool) (model.RateLimitState, error)) (model.RateLimitState, error) {
	rk := s.redisKey(key)
	var next model.RateLimitState
	txf := func(tx *redis.Tx) error {
		var (
			cur model.RateLimitState
			ok  bool
		)
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeState(raw); err != nil {
				return fmt.Errorf("decode rate limit state: %w", err)
			}
			ok = true
		}

		next, err = fn(cur, ok)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rk, payload, s.idleTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return next, err
	}
	return model.RateLimitState{}, errTxContention
}

// Sweep scans the prefix and deletes expired states. Keys also expire on their
// own after idleTTL, so this mostly catches states idle for less than the TTL but
// matched by a stricter predicate.
func (s *RedisRateLimitStore) Sweep(ctx context.Context, expired func(model.AccountKey, model.RateLimitState) bool) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		rk := iter.Val()
		key, ok := s.parseKey(rk)
		if !ok {
			continue
		}
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, rk).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}
			st, err := decodeState(raw)
			if err == nil && !expired(key, st) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, rk)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, rk)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return removed, err
		}
	}
	return removed, iter.Err()
}
