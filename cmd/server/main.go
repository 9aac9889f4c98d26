package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/handler"
	"github.com/GoPolymarket/accountgate/internal/middleware"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/secretbox"
	"github.com/GoPolymarket/accountgate/internal/repository"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/GoPolymarket/accountgate/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type accountBackend interface {
	service.AccountRepo
	UpsertExchange(ctx context.Context, ex model.ExchangeInfo) error
	UpsertAccount(ctx context.Context, acc *model.Account) error
}

type credentialBackend interface {
	service.CredentialStore
	PutCredentialBundle(ctx context.Context, userID, accountID string, bundle model.CredentialBundle) error
}

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Credential encryption
	box, err := newSecretBox(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize credential encryption: %v", err)
	}

	// 3. Initialize Persistence
	// Rate limit state / idempotency (Redis > Memory)
	var (
		rdb        *redis.Client
		rlStore    service.KeyedStore[model.AccountKey, model.RateLimitState]
		idemStore  middleware.IdempotencyStore
		auditRepo  service.AuditRepo
		pgAudit    *repository.PostgresAuditRepo
		idemMemory *middleware.InMemIdempotencyStore
		health     = map[string]func(context.Context) error{}
	)
	idemTTL := time.Duration(cfg.Redis.IdempotencyTTLSeconds) * time.Second
	if cfg.Redis.Addr != "" {
		client, err := repository.NewRedisClient(ctx, cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			rdb = client.Client
			health["redis"] = client.Check
			rlStore = repository.NewRedisRateLimitStore(rdb, cfg.Redis.RateLimitPrefix, time.Duration(cfg.RateLimit.IdleTTLHours)*time.Hour)
			idemStore = repository.NewRedisIdempotencyStore(rdb, idemTTL)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if idemStore == nil {
		idemMemory = middleware.NewInMemIdempotencyStore(idemTTL)
		idemStore = idemMemory
	}

	// Accounts / credentials / reports / audit (Postgres > Memory)
	var (
		accounts   accountBackend
		creds      credentialBackend
		reportRepo service.ReportRepo
		sqlDB      *sqlx.DB
	)
	if cfg.Database.DSN != "" {
		sqlDB, err = repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		gdb, err := repository.NewGormDB(sqlDB)
		if err != nil {
			log.Fatalf("Failed to open gorm session: %v", err)
		}
		if err := repository.Migrate(gdb); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		logger.Info("✅ Connected to PostgreSQL")
		health["postgres"] = sqlDB.PingContext
		accounts = repository.NewGormAccountRepo(gdb)
		creds = repository.NewGormCredentialStore(gdb, box)
		reportRepo = repository.NewGormReportRepo(gdb)
		pgAudit = repository.NewPostgresAuditRepo(sqlDB)
		auditRepo = pgAudit
	} else {
		logger.Warn("database.dsn not set, accounts and credentials are kept in memory")
		accounts = repository.NewMemoryAccountRepo()
		creds = repository.NewMemoryCredentialStore(box)
		if rdb != nil {
			auditRepo = repository.NewRedisAuditRepo(rdb, cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
		}
	}
	if err := repository.Seed(ctx, cfg, accounts, creds); err != nil {
		log.Fatalf("Failed to seed accounts: %v", err)
	}

	// 4. Initialize Core Services
	users := service.NewUserDirectory(cfg)

	auditSvc, err := service.NewAuditService(cfg.Server.AuditDir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	probes := service.NewProbeRegistry()
	for _, p := range cfg.Probes {
		switch p.Type {
		case "wallet":
			probes.Register(p.Exchange, service.NewWalletProber(p.Exchange, p.RPCURL, p.ChainID), p.RatePerSecond, p.Burst)
		case "polymarket":
			probes.Register(p.Exchange, service.NewPolymarketProber(p.Exchange, p.URL, p.ChainID, nil), p.RatePerSecond, p.Burst)
		case "http", "":
			if p.URL == "" {
				logger.Warn("probe without url ignored", "exchange", p.Exchange)
				continue
			}
			probes.Register(p.Exchange, service.NewHTTPProber(p.Exchange, p.URL, p.KeyHeader, nil), p.RatePerSecond, p.Burst)
		default:
			logger.Warn("unknown probe type ignored", "exchange", p.Exchange, "type", p.Type)
		}
	}

	limiter := service.NewRateLimiter(rlStore,
		service.WithFailOpen(cfg.RateLimit.FailOpen),
		service.WithIdleTTL(time.Duration(cfg.RateLimit.IdleTTLHours)*time.Hour),
		service.WithSweepInterval(time.Duration(cfg.RateLimit.SweepIntervalMinutes)*time.Minute),
		service.WithExchangeLimits(cfg.RateLimit.Exchanges),
	)
	go limiter.Run(ctx)

	interval := time.Duration(cfg.Gate.ValidationIntervalMinutes) * time.Minute
	validator := service.NewCredentialValidator(accounts, creds, probes, limiter,
		service.WithValidationInterval(interval),
		service.WithProbeTimeout(time.Duration(cfg.Gate.ProbeTimeoutMs)*time.Millisecond),
		service.WithWithdrawalExchanges(cfg.Gate.WithdrawalExchanges),
	)

	hub := stream.NewHub()
	go hub.Run(ctx)

	security := service.DefaultSecurityCheckers()
	if cfg.Gate.FlagWithdrawalScope {
		security = append(security, service.WithdrawalScopeChecker{})
	}
	gateOpts := []service.GateOption{
		service.WithGateInterval(interval),
		service.WithAutoBlock(cfg.Gate.AutoBlock),
		service.WithAuditEnabled(cfg.Gate.AuditEnabled),
		service.WithBatchWorkers(cfg.Gate.BatchConcurrency),
		service.WithSecurityCheckers(security...),
		service.WithAuditSink(auditSvc),
		service.WithVerdictPublisher(hub),
	}
	if reportRepo != nil {
		gateOpts = append(gateOpts, service.WithReportRepo(reportRepo))
	}
	gate := service.NewGate(accounts, validator, limiter, gateOpts...)

	// 5. Background maintenance
	go runMaintenance(ctx, cfg, pgAudit, idemMemory)

	// 6. Setup Router
	r := handler.NewRouter(cfg, handler.RouterDeps{
		Gate:        handler.NewGateHandler(gate, hub),
		Admin:       handler.NewAdminHandler(gate, creds, validator),
		Users:       users,
		Idempotency: idemStore,
		Audit:       auditSvc,
		Health:      health,
	})

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 AccountGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	auditSvc.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
	logger.Info("Server exiting")
}

func newSecretBox(cfg *config.Config) (*secretbox.Box, error) {
	if cfg.Security.EncryptionKey != "" {
		return secretbox.FromPassphrase(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	}
	if cfg.Database.DSN != "" {
		return nil, errors.New("security.encryption_key is required when database.dsn is set")
	}
	// 内存模式: 进程级临时密钥, 重启后凭证随存储一起丢失
	key, err := secretbox.GenerateKey()
	if err != nil {
		return nil, err
	}
	return secretbox.New(key)
}

func runMaintenance(ctx context.Context, cfg *config.Config, pgAudit *repository.PostgresAuditRepo, idem *middleware.InMemIdempotencyStore) {
	every := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
	if every <= 0 {
		every = time.Hour
	}
	retention := time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idem != nil {
				idem.Purge()
			}
			if pgAudit != nil && retention > 0 {
				n, err := pgAudit.Cleanup(ctx, retention)
				if err != nil {
					logger.LogError(ctx, err, "audit cleanup failed")
					continue
				}
				if n > 0 {
					logger.Info("audit records purged", "count", n)
				}
			}
		}
	}
}
