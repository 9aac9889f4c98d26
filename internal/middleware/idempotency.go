package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

// IdempotencyStore lets a scheduler retry a tick without consuming another unit
// of the account's request budget.
type IdempotencyStore interface {
	// GetOrLock returns (record, true) if exists; (nil,false) if newly locked by caller.
	GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error)
	Save(ctx context.Context, key string, status int, body []byte) error
	Unlock(ctx context.Context, key string) error
}

// InMemIdempotencyStore 单实例部署使用, 多副本请用 Redis
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]*model.IdempotencyRecord // Key: UserID + ":" + IdempotencyKey
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*model.IdempotencyRecord),
	}
}

// GetOrLock 如果不存在则加锁并返回 nil (调用方获得处理权)。
// 正在处理返回 Processing=true, 已完成返回完整记录。过期记录视为不存在。
func (s *InMemIdempotencyStore) GetOrLock(_ context.Context, key string) (*model.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Sub(rec.CreatedAt) < s.ttl {
		cp := *rec
		return &cp, true, nil
	}

	s.records[key] = &model.IdempotencyRecord{
		Processing: true,
		CreatedAt:  now,
	}
	return nil, false, nil
}

func (s *InMemIdempotencyStore) Save(_ context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &model.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: s.now(),
	}
	return nil
}

func (s *InMemIdempotencyStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Purge drops expired records.
func (s *InMemIdempotencyStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, rec := range s.records {
		if now.Sub(rec.CreatedAt) >= s.ttl {
			delete(s.records, k)
			n++
		}
	}
	return n
}

// IdempotencyMiddleware 幂等性中间件
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	if store == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" {
			c.Next()
			return
		}

		// 必须在 Auth 之后
		user, ok := CurrentUser(c)
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		fullKey := user.ID + ":" + c.Request.Method + ":" + c.FullPath() + ":" + idemKey

		record, hit, err := store.GetOrLock(ctx, fullKey)
		if err != nil {
			// 存储不可用时不做幂等, 继续处理
			logger.LogError(ctx, err, "idempotency store unavailable", "key", idemKey)
			c.Next()
			return
		}
		if hit {
			if record.Processing {
				c.JSON(http.StatusConflict, gin.H{"error": "request in progress"})
				c.Abort()
				return
			}
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{body: nil, ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 5xx 允许重试, 只解锁不保存
		if c.Writer.Status() < 500 {
			err = store.Save(ctx, fullKey, c.Writer.Status(), w.body)
		} else {
			err = store.Unlock(ctx, fullKey)
		}
		if err != nil {
			logger.LogError(ctx, err, "idempotency store update failed", "key", idemKey)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
