package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
	"github.com/GoPolymarket/accountgate/internal/repository"
	"github.com/shopspring/decimal"
)

const (
	DefaultValidationInterval = 30 * time.Minute
	DefaultProbeTimeout       = 5 * time.Second

	expiryWarningWindow = 7 * 24 * time.Hour
)

// AccountRepo resolves and blocks linked exchange accounts.
type AccountRepo interface {
	GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error)
	ListUserAccounts(ctx context.Context, userID string) ([]*model.Account, error)
	BlockAccount(ctx context.Context, userID, accountID, reason string) error
}

// CredentialStore hands out decrypted bundles and records verification outcomes.
type CredentialStore interface {
	GetCredentialBundle(ctx context.Context, userID, accountID string) (model.CredentialBundle, error)
	RecordVerification(ctx context.Context, userID, accountID string, success bool, at time.Time) error
}

type ProbeDispatcher interface {
	TestCredentials(ctx context.Context, exchange string, creds model.CredentialBundle) (ProbeResult, error)
}

type rateLimitInspector interface {
	ConfigFor(exchange string) model.RateLimitConfig
	State(ctx context.Context, userID, accountID string) (model.RateLimitState, bool, error)
}

// CredentialValidator runs static checks and a live probe against an account's
// credentials and caches successful results for the validation interval.
type CredentialValidator struct {
	accounts AccountRepo
	creds    CredentialStore
	probes   ProbeDispatcher
	limits   rateLimitInspector
	cache    KeyedStore[model.CacheKey, model.ValidationResult]

	interval     atomic.Int64
	probeTimeout time.Duration
	withdrawal   map[string]struct{}
	now          func() time.Time
}

type CredentialValidatorOption func(*CredentialValidator)

func WithValidatorClock(now func() time.Time) CredentialValidatorOption {
	return func(v *CredentialValidator) { v.now = now }
}

func WithProbeTimeout(d time.Duration) CredentialValidatorOption {
	return func(v *CredentialValidator) {
		if d > 0 {
			v.probeTimeout = d
		}
	}
}

func WithValidationInterval(d time.Duration) CredentialValidatorOption {
	return func(v *CredentialValidator) { v.SetInterval(d) }
}

// WithWithdrawalExchanges sets the exchanges whose API keys may carry withdrawal rights.
func WithWithdrawalExchanges(slugs []string) CredentialValidatorOption {
	return func(v *CredentialValidator) {
		v.withdrawal = make(map[string]struct{}, len(slugs))
		for _, s := range slugs {
			v.withdrawal[normalizeSlug(s)] = struct{}{}
		}
	}
}

func WithValidationCache(cache KeyedStore[model.CacheKey, model.ValidationResult]) CredentialValidatorOption {
	return func(v *CredentialValidator) {
		if cache != nil {
			v.cache = cache
		}
	}
}

func NewCredentialValidator(accounts AccountRepo, creds CredentialStore, probes ProbeDispatcher, limits *RateLimiter, opts ...CredentialValidatorOption) *CredentialValidator {
	v := &CredentialValidator{
		accounts:     accounts,
		creds:        creds,
		probes:       probes,
		cache:        NewMemoryStore[model.CacheKey, model.ValidationResult](),
		probeTimeout: DefaultProbeTimeout,
		withdrawal:   map[string]struct{}{},
		now:          time.Now,
	}
	if limits != nil {
		v.limits = limits
	}
	v.interval.Store(int64(DefaultValidationInterval))
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *CredentialValidator) Interval() time.Duration {
	return time.Duration(v.interval.Load())
}

func (v *CredentialValidator) SetInterval(d time.Duration) {
	if d > 0 {
		v.interval.Store(int64(d))
	}
}

// Validate never returns an error: every failure is reported in the result.
func (v *CredentialValidator) Validate(ctx context.Context, userID, accountID string, vt model.ValidationType) (result model.ValidationResult) {
	now := v.now()
	key := model.CacheKey{AccountKey: model.AccountKey{UserID: userID, AccountID: accountID}, Type: vt}
	result = model.ValidationResult{
		UserID:         userID,
		AccountID:      accountID,
		ValidationType: vt,
		Errors:         []string{},
		Warnings:       []string{},
		LastValidated:  now,
	}
	defer func() {
		if r := recover(); r != nil {
			result = validationFailed(result, fmt.Errorf("%v", r))
		}
	}()

	if !vt.Valid() {
		return validationFailed(result, fmt.Errorf("unknown validation type %q", vt))
	}
	if cached, ok, err := v.cache.Get(ctx, key); err == nil && ok && now.Sub(cached.LastValidated) < v.Interval() {
		metrics.ValidationCache.WithLabelValues("hit").Inc()
		return cached
	}
	metrics.ValidationCache.WithLabelValues("miss").Inc()

	account, err := v.accounts.GetAccount(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			result.AddError(model.MsgAccountNotFound)
			return result
		}
		return validationFailed(result, err)
	}
	if account.OwnerID != userID {
		result.AddError(model.MsgAccountNotFound)
		return result
	}
	result.AccountName = account.Name
	result.ExchangeName = account.Exchange.Name

	bundle, err := v.creds.GetCredentialBundle(ctx, userID, accountID)
	if err != nil && !errors.Is(err, repository.ErrCredentialsNotFound) {
		return validationFailed(result, err)
	}
	result.CredentialsPresent = bundle.HasValue()
	if msg := staticCheck(account, bundle, now); msg != "" {
		result.AddError(msg)
		v.record(ctx, userID, accountID, false, now)
		return result
	}
	if account.ExpiresAt != nil && account.ExpiresAt.Sub(now) < expiryWarningWindow {
		days := int(math.Ceil(account.ExpiresAt.Sub(now).Hours() / 24))
		result.AddWarning(fmt.Sprintf("account credentials expire within %d day(s)", days))
	}

	probeRes, perr := v.probe(ctx, account.Exchange.Slug, bundle)
	bundle = nil
	switch {
	case perr == nil:
		v.record(ctx, userID, accountID, true, v.now())
		if w := balanceWarning(probeRes.Identity); w != "" {
			result.AddWarning(w)
		}
	case errors.Is(perr, ErrNoProber):
		result.AddWarning("live credential probe unavailable for " + account.Exchange.Slug)
	default:
		var pe *ProbeError
		if !errors.As(perr, &pe) {
			pe = classifyProbeError(account.Exchange.Slug, perr)
		}
		result.AddError(describeProbeFailure(pe))
		v.record(ctx, userID, accountID, false, v.now())
		return result
	}

	result.Permissions = v.permissions(account)
	result.RateLimitCeilings = v.ceilings(ctx, account)
	result.IsValid = len(result.Errors) == 0
	next := now.Add(v.Interval())
	result.NextValidation = &next

	if err := v.cache.Set(ctx, key, result); err != nil {
		logger.LogError(ctx, err, "validation cache write failed", "key", key.AccountKey.String())
	}
	return result
}

// Invalidate drops every cached validation type for an account.
func (v *CredentialValidator) Invalidate(ctx context.Context, userID, accountID string) {
	ak := model.AccountKey{UserID: userID, AccountID: accountID}
	for _, vt := range []model.ValidationType{model.ValidationPreExecution, model.ValidationPeriodic, model.ValidationManual} {
		_ = v.cache.Delete(ctx, model.CacheKey{AccountKey: ak, Type: vt})
	}
}

func (v *CredentialValidator) probe(ctx context.Context, exchange string, bundle model.CredentialBundle) (ProbeResult, error) {
	if v.probes == nil {
		return ProbeResult{}, ErrNoProber
	}
	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	start := time.Now()
	res, err := v.probes.TestCredentials(probeCtx, exchange, bundle)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, ErrNoProber) {
			outcome = "unregistered"
		}
	}
	metrics.ProbeLatency.WithLabelValues(normalizeSlug(exchange), outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (v *CredentialValidator) record(ctx context.Context, userID, accountID string, success bool, at time.Time) {
	if err := v.creds.RecordVerification(ctx, userID, accountID, success, at); err != nil {
		logger.LogError(ctx, err, "record verification failed", "user_id", userID, "account_id", accountID)
	}
}

func (v *CredentialValidator) permissions(account *model.Account) *model.Permissions {
	p := &model.Permissions{CanRead: true, GrantedScopes: []string{"read"}}
	if account.IsActive {
		p.CanTrade = true
		p.GrantedScopes = append(p.GrantedScopes, "trade")
	}
	if _, ok := v.withdrawal[normalizeSlug(account.Exchange.Slug)]; ok {
		p.CanWithdraw = true
		p.GrantedScopes = append(p.GrantedScopes, "withdraw")
	}
	return p
}

func (v *CredentialValidator) ceilings(ctx context.Context, account *model.Account) *model.RateLimitCeilings {
	cfg := DefaultRateLimit
	if v.limits == nil {
		if c, ok := DefaultRateLimits[normalizeSlug(account.Exchange.Slug)]; ok {
			cfg = c
		}
		return &model.RateLimitCeilings{PerMinute: cfg.PerMinuteCeiling, PerHour: cfg.PerHourCeiling, PerDay: cfg.PerDayCeiling}
	}
	cfg = v.limits.ConfigFor(account.Exchange.Slug)
	out := &model.RateLimitCeilings{PerMinute: cfg.PerMinuteCeiling, PerHour: cfg.PerHourCeiling, PerDay: cfg.PerDayCeiling}
	if st, ok, err := v.limits.State(ctx, account.OwnerID, account.ID); err == nil && ok {
		out.CurrentUsage = st.Usage.Minute
	}
	return out
}

func staticCheck(account *model.Account, bundle model.CredentialBundle, now time.Time) string {
	switch {
	case bundle == nil:
		return model.MsgNoCredentials
	case !bundle.HasValue():
		return model.MsgEmptyCredentials
	case !account.IsActive:
		return model.MsgAccountInactive
	case account.IsExpired(now):
		return model.MsgAccountExpired
	default:
		return ""
	}
}

var balanceFields = []string{"balance", "available_balance", "availableBalance"}

func balanceWarning(identity map[string]string) string {
	for _, field := range balanceFields {
		raw := strings.TrimSpace(identity[field])
		if raw == "" {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if amount.IsZero() {
			return "exchange reports zero available balance"
		}
		return ""
	}
	return ""
}

func validationFailed(result model.ValidationResult, err error) model.ValidationResult {
	result.IsValid = false
	result.Permissions = nil
	result.RateLimitCeilings = nil
	result.NextValidation = nil
	result.Errors = append(result.Errors, model.ValidationErrorPrefix+err.Error())
	return result
}
