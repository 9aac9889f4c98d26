package service

import (
	"sync"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/model"
	"golang.org/x/time/rate"
)

const DefaultUserID = "default-user"

// UserDirectory 管理 API 调用方以及每个调用方的请求限流器
type UserDirectory struct {
	mu          sync.RWMutex
	users       map[string]*model.User   // Key: Gateway ApiKey
	limiters    map[string]*rate.Limiter // Key: UserID
	defaultUser *model.User
	defaultRate model.RequestRate
}

func NewUserDirectory(cfg *config.Config) *UserDirectory {
	d := &UserDirectory{
		users:    make(map[string]*model.User),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg == nil {
		return d
	}
	d.defaultRate = model.RequestRate{QPS: cfg.Auth.DefaultQPS, Burst: cfg.Auth.DefaultBurst}

	for _, uc := range cfg.Users {
		if uc.ID == "" || uc.APIKey == "" {
			continue
		}
		d.Register(&model.User{
			ID:     uc.ID,
			Name:   uc.Name,
			ApiKey: uc.APIKey,
			Rate: model.RequestRate{
				QPS:   chooseFloat(d.defaultRate.QPS, uc.QPS),
				Burst: chooseInt(d.defaultRate.Burst, uc.Burst),
			},
		})
	}

	// 单用户模式: 未要求 API key 时所有请求归属默认用户
	if !cfg.Auth.RequireAPIKey {
		u := &model.User{ID: DefaultUserID, Name: "Default User", Rate: d.defaultRate}
		d.mu.Lock()
		d.defaultUser = u
		d.limiters[u.ID] = newRequestLimiter(u.Rate)
		d.mu.Unlock()
	}
	return d
}

func newRequestLimiter(r model.RequestRate) *rate.Limiter {
	limit := rate.Limit(r.QPS)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := r.Burst
	if burst == 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

func (d *UserDirectory) Register(u *model.User) {
	if u == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ApiKey] = u
	d.limiters[u.ID] = newRequestLimiter(u.Rate)
}

func (d *UserDirectory) ByAPIKey(apiKey string) (*model.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[apiKey]
	return u, ok
}

func (d *UserDirectory) DefaultUser() *model.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defaultUser
}

func (d *UserDirectory) LimiterFor(userID string) *rate.Limiter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limiters[userID]
}

func chooseFloat(base, override float64) float64 {
	if override > 0 {
		return override
	}
	return base
}

func chooseInt(base, override int) int {
	if override > 0 {
		return override
	}
	return base
}
