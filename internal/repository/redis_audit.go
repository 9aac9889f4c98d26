package repository

import (
	"context"
	"encoding/json"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisAuditRepo keeps a capped list of recent audit records, newest first.
type RedisAuditRepo struct {
	client  redis.Cmdable
	listKey string
	listMax int
}

func NewRedisAuditRepo(client redis.Cmdable, listKey string, listMax int) *RedisAuditRepo {
	if listKey == "" {
		listKey = "accountgate:audit"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisAuditRepo{
		client:  client,
		listKey: listKey,
		listMax: listMax,
	}
}

func (r *RedisAuditRepo) Insert(ctx context.Context, entry *model.AuditRecord) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.listKey, payload)
		p.LTrim(ctx, r.listKey, 0, int64(r.listMax-1))
		return nil
	})
	return err
}

func (r *RedisAuditRepo) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	fetch := limit * 5
	if fetch < 100 {
		fetch = 100
	}
	if fetch > r.listMax {
		fetch = r.listMax
	}
	items, err := r.client.LRange(ctx, r.listKey, 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, err
	}
	results := make([]*model.AuditRecord, 0, limit)
	for _, raw := range items {
		var entry model.AuditRecord
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if !filter.Match(&entry) {
			continue
		}
		results = append(results, &entry)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
