package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(requireKey bool) *config.Config {
	cfg := &config.Config{}
	cfg.Auth.RequireAPIKey = requireKey
	cfg.Auth.AdminKey = "admin-key"
	cfg.Auth.AdminSecretKey = "admin-secret"
	cfg.Auth.DefaultQPS = 1
	cfg.Auth.DefaultBurst = 1
	cfg.Users = []config.UserConfig{{ID: "u1", Name: "scheduler", APIKey: "gk-1"}}
	return cfg
}

func newTestRouter(cfg *config.Config, users *service.UserDirectory, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(cfg, users)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		u, _ := CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"user": u.ID})
	})
	r.GET("/v1/ping", handlers...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig(true)
	r := newTestRouter(cfg, service.NewUserDirectory(cfg))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set(HeaderGatewayKey, "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.Header.Set(HeaderGatewayKey, "gk-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"u1"`)
}

func TestAuthMiddlewareDefaultUser(t *testing.T) {
	cfg := testConfig(false)
	r := newTestRouter(cfg, service.NewUserDirectory(cfg))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), service.DefaultUserID)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig(true)
	users := service.NewUserDirectory(cfg)
	r := newTestRouter(cfg, users, RateLimitMiddleware(users))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
		req.Header.Set(HeaderGatewayKey, "gk-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call().Code)
	w := call()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(true)
	r := gin.New()
	r.PUT("/admin", AdminMiddleware(cfg), AdminSecretMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPut, "/admin", nil)
	req.Header.Set(HeaderAdminKey, "admin-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set(HeaderAdminSecretKey, "admin-secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	r2 := gin.New()
	r2.PUT("/admin", AdminMiddleware(&config.Config{}), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w = httptest.NewRecorder()
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/admin", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/missing", func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFound("account not found or access denied"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestIdempotencyMiddleware(t *testing.T) {
	cfg := testConfig(true)
	users := service.NewUserDirectory(cfg)
	store := NewInMemIdempotencyStore(time.Minute)

	calls := 0
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/accounts/:id/validate", AuthMiddleware(cfg, users), IdempotencyMiddleware(store), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/accounts/acc-1/validate", nil)
		req.Header.Set(HeaderGatewayKey, "gk-1")
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send("tick-1")
	second := send("tick-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)

	send("")
	assert.Equal(t, 2, calls)
}

func TestInMemIdempotencyStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemIdempotencyStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	_, hit, err := store.GetOrLock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)

	rec, hit, _ := store.GetOrLock(ctx, "k")
	require.True(t, hit)
	assert.True(t, rec.Processing)

	require.NoError(t, store.Save(ctx, "k", http.StatusOK, []byte(`{}`)))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, store.Purge())

	_, hit, _ = store.GetOrLock(ctx, "k")
	assert.False(t, hit)
}
