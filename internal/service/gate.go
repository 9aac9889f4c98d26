package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
	"github.com/GoPolymarket/accountgate/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	scoreStart          = 100
	errorPenalty        = 20
	warningPenalty      = 5
	failedCheckPenalty  = 15
	DefaultBatchWorkers = 8
)

type CredentialChecker interface {
	Validate(ctx context.Context, userID, accountID string, vt model.ValidationType) model.ValidationResult
}

type ReportRepo interface {
	SaveReport(ctx context.Context, report *model.SecurityReport) error
	GetReport(ctx context.Context, userID, accountID string) (*model.SecurityReport, error)
}

type AuditSink interface {
	Log(entry *model.AuditRecord)
	List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error)
}

type VerdictPublisher interface {
	PublishVerdict(v model.Verdict)
}

// Gate is the admission check run before every automated order.
type Gate struct {
	accounts   AccountRepo
	validator  CredentialChecker
	limiter    *RateLimiter
	security   []Checker
	compliance []Checker
	reports    KeyedStore[model.AccountKey, model.SecurityReport]
	reportRepo ReportRepo
	audit      AuditSink
	publisher  VerdictPublisher

	autoBlock    atomic.Bool
	auditEnabled atomic.Bool
	interval     atomic.Int64
	batchWorkers int
	now          func() time.Time
	log          *slog.Logger
}

type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func WithSecurityCheckers(checkers ...Checker) GateOption {
	return func(g *Gate) { g.security = checkers }
}

func WithComplianceCheckers(checkers ...Checker) GateOption {
	return func(g *Gate) { g.compliance = checkers }
}

func WithReportStore(store KeyedStore[model.AccountKey, model.SecurityReport]) GateOption {
	return func(g *Gate) {
		if store != nil {
			g.reports = store
		}
	}
}

func WithReportRepo(repo ReportRepo) GateOption {
	return func(g *Gate) { g.reportRepo = repo }
}

func WithAuditSink(sink AuditSink) GateOption {
	return func(g *Gate) { g.audit = sink }
}

func WithVerdictPublisher(p VerdictPublisher) GateOption {
	return func(g *Gate) { g.publisher = p }
}

func WithAutoBlock(enabled bool) GateOption {
	return func(g *Gate) { g.autoBlock.Store(enabled) }
}

func WithAuditEnabled(enabled bool) GateOption {
	return func(g *Gate) { g.auditEnabled.Store(enabled) }
}

func WithBatchWorkers(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.batchWorkers = n
		}
	}
}

func WithGateInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.interval.Store(int64(d))
		}
	}
}

func NewGate(accounts AccountRepo, validator CredentialChecker, limiter *RateLimiter, opts ...GateOption) *Gate {
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	g := &Gate{
		accounts:     accounts,
		validator:    validator,
		limiter:      limiter,
		security:     DefaultSecurityCheckers(),
		compliance:   DefaultComplianceCheckers(),
		reports:      NewMemoryStore[model.AccountKey, model.SecurityReport](),
		batchWorkers: DefaultBatchWorkers,
		now:          time.Now,
		log:          logger.Component("gate"),
	}
	g.autoBlock.Store(true)
	g.auditEnabled.Store(true)
	g.interval.Store(int64(DefaultValidationInterval))
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// verdictBuilder accumulates one gate run.
type verdictBuilder struct {
	v          *model.Verdict
	account    *model.Account
	compliance map[string]bool
}

func (b *verdictBuilder) addError(msg string) {
	b.v.Errors = appendUnique(b.v.Errors, msg)
}

func (b *verdictBuilder) addWarning(msg string) {
	b.v.Warnings = appendUnique(b.v.Warnings, msg)
}

func (b *verdictBuilder) recommend(msg string) {
	b.v.Recommendations = appendUnique(b.v.Recommendations, msg)
}

func (b *verdictBuilder) merge(out CheckOutcome) {
	for _, e := range out.Errors {
		b.addError(e)
	}
	for _, w := range out.Warnings {
		b.addWarning(w)
	}
	for _, r := range out.Recommendations {
		b.recommend(r)
	}
}

func appendUnique(list []string, msg string) []string {
	for _, existing := range list {
		if existing == msg {
			return list
		}
	}
	return append(list, msg)
}

// ValidateForAutomation runs every stage, scores the result and records it. It
// never returns an error; failures are reported inside the verdict.
func (g *Gate) ValidateForAutomation(ctx context.Context, userID, accountID string) model.Verdict {
	now := g.now()
	v := model.Verdict{
		UserID:          userID,
		AccountID:       accountID,
		Errors:          []string{},
		Warnings:        []string{},
		Recommendations: []string{},
		LastValidated:   now,
		NextValidation:  now.Add(g.Interval()),
	}
	b := &verdictBuilder{v: &v, compliance: map[string]bool{}}

	err := g.runStages(ctx, b, now)
	g.finish(ctx, b, err)
	return v
}

func (g *Gate) runStages(ctx context.Context, b *verdictBuilder, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	v := b.v

	account, err := g.accounts.GetAccount(ctx, v.UserID, v.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			b.addError(model.MsgAccountNotFound)
			b.recommend("Check that the account exists and is linked to this user.")
			return nil
		}
		return err
	}
	b.account = account
	v.AccountName = account.Name
	v.ExchangeName = account.Exchange.Name

	cred := g.validator.Validate(ctx, v.UserID, v.AccountID, model.ValidationPreExecution)
	v.Checks.Credentials = cred.IsValid
	for _, e := range cred.Errors {
		b.addError(e)
	}
	for _, w := range cred.Warnings {
		b.addWarning(w)
	}
	if !cred.IsValid {
		b.recommend("Re-validate or rotate the exchange API credentials.")
	}

	rl := g.limiter.Check(ctx, v.UserID, v.AccountID, account.Exchange.Slug, nil)
	v.Checks.RateLimit = rl.Allowed
	switch {
	case !rl.Allowed:
		b.addError(fmt.Sprintf("rate limit exceeded (%s window), retry after %ds", rl.Window, rl.RetryAfterSec))
		b.recommend("Reduce automation frequency for this account.")
	case rl.Window == model.WindowFailOpen:
		b.addWarning("rate limiter unavailable, request allowed without enforcement")
	case rl.Ceiling > 0 && rl.Remaining*5 < rl.Ceiling:
		b.addWarning(fmt.Sprintf("approaching rate limit: %d request(s) left", rl.Remaining))
	}

	v.Checks.AccountStatus = account.IsActive
	if !account.IsActive {
		b.addError(model.MsgAccountInactive)
		b.recommend("Reactivate the account before running automations.")
	}
	v.Checks.ExchangeStatus = account.Exchange.IsActive
	if !account.Exchange.IsActive {
		b.addError(fmt.Sprintf("exchange %s is not active", account.Exchange.Name))
	}

	permitted := true
	if account.OwnerID != v.UserID {
		permitted = false
		b.addError(model.MsgOwnershipMismatch)
	}
	if account.IsBlocked {
		permitted = false
		b.addError(model.MsgAccountBlocked)
	}
	if account.IsSuspended {
		permitted = false
		b.addError(model.MsgAccountSuspended)
	}
	if account.IsExpired(now) {
		permitted = false
		b.addError(model.MsgAccountExpired)
	}
	if !cred.CredentialsPresent && cred.Permissions == nil {
		permitted = false
		b.recommend("Add API credentials for this account.")
	}
	v.Checks.Permissions = permitted

	in := CheckInput{Account: account, Validation: cred, RateLimit: rl}
	for _, c := range g.security {
		b.merge(c.Check(ctx, in))
	}
	for _, c := range g.compliance {
		out := c.Check(ctx, in)
		b.compliance[c.Name()] = out.Passed
		b.merge(out)
	}
	return nil
}

func (g *Gate) finish(ctx context.Context, b *verdictBuilder, runErr error) {
	v := b.v
	result := model.AuditResultSuccess
	if runErr != nil {
		logger.LogError(ctx, runErr, "gate validation failed", "user_id", v.UserID, "account_id", v.AccountID)
		v.Checks = model.Checks{}
		v.Errors = append(v.Errors, "internal validation error: "+runErr.Error())
		result = model.AuditResultError
	}

	v.SecurityScore = SecurityScore(len(v.Errors), len(v.Warnings), v.Checks.Failed())
	v.RiskLevel = RiskLevelFor(v.SecurityScore, len(v.Errors))
	if runErr != nil || b.account == nil {
		v.RiskLevel = model.RiskCritical
	}

	blocked := false
	if v.RiskLevel == model.RiskCritical && b.account != nil && g.autoBlock.Load() {
		if err := g.accounts.BlockAccount(ctx, v.UserID, v.AccountID, model.AutoBlockReason); err != nil {
			logger.LogError(ctx, err, "automatic block failed", "user_id", v.UserID, "account_id", v.AccountID)
			b.addError("automatic block failed: " + err.Error())
		} else {
			blocked = true
			metrics.AutoBlocks.Inc()
			b.addError(model.MsgAutoBlocked)
			g.log.Warn("account blocked", "user_id", v.UserID, "account_id", v.AccountID, "score", v.SecurityScore)
		}
		v.SecurityScore = SecurityScore(len(v.Errors), len(v.Warnings), v.Checks.Failed())
	}
	if v.RiskLevel == model.RiskCritical {
		b.recommend("Pause automations on this account until the issues are resolved.")
	}

	v.IsValid = v.Checks.All() && len(v.Errors) == 0
	if result == model.AuditResultSuccess && !v.IsValid {
		result = model.AuditResultFailure
	}

	g.storeReport(ctx, v, b.compliance)
	metrics.VerdictsTotal.WithLabelValues(string(v.RiskLevel), strconv.FormatBool(v.IsValid)).Inc()
	g.RecordEvent(v.UserID, v.AccountID, model.AuditActionValidate, result, map[string]interface{}{
		"securityScore": v.SecurityScore,
		"riskLevel":     v.RiskLevel,
		"checks":        v.Checks,
		"errors":        v.Errors,
		"warnings":      len(v.Warnings),
		"blocked":       blocked,
	})
	if g.publisher != nil {
		g.publisher.PublishVerdict(*v)
	}
}

// SecurityScore is 100 minus penalties, clamped to [0,100].
func SecurityScore(errs, warnings, failedChecks int) int {
	score := scoreStart - errorPenalty*errs - warningPenalty*warnings - failedCheckPenalty*failedChecks
	if score < 0 {
		return 0
	}
	if score > scoreStart {
		return scoreStart
	}
	return score
}

// RiskLevelFor maps a score to a tier: low needs >= 90 and medium >= 70, both
// with no errors. Otherwise >= 50 is high and anything lower is critical.
func RiskLevelFor(score, errs int) model.RiskLevel {
	switch {
	case score >= 90 && errs == 0:
		return model.RiskLow
	case score >= 70 && errs == 0:
		return model.RiskMedium
	case score >= 50:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

func (g *Gate) storeReport(ctx context.Context, v *model.Verdict, compliance map[string]bool) {
	report := model.SecurityReport{
		UserID:        v.UserID,
		AccountID:     v.AccountID,
		SecurityScore: v.SecurityScore,
		RiskLevel:     v.RiskLevel,
		IsValid:       v.IsValid,
		Compliance:    compliance,
		Errors:        append([]string(nil), v.Errors...),
		GeneratedAt:   v.LastValidated,
	}
	key := model.AccountKey{UserID: v.UserID, AccountID: v.AccountID}
	if err := g.reports.Set(ctx, key, report); err != nil {
		logger.LogError(ctx, err, "security report write failed", "key", key.String())
	}
	if g.reportRepo != nil {
		if err := g.reportRepo.SaveReport(ctx, &report); err != nil {
			logger.LogError(ctx, err, "security report persist failed", "key", key.String())
		}
	}
}

// RecordEvent writes one audit record when auditing is enabled.
func (g *Gate) RecordEvent(userID, accountID, action, result string, details map[string]interface{}) {
	if g.audit == nil || !g.auditEnabled.Load() {
		return
	}
	g.audit.Log(&model.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: g.now(),
		UserID:    userID,
		AccountID: accountID,
		Action:    action,
		Result:    result,
		Details:   details,
	})
}

// ValidateAllUserAccounts validates every account of a user concurrently. The
// order of the returned verdicts is not defined.
func (g *Gate) ValidateAllUserAccounts(ctx context.Context, userID string) ([]model.Verdict, error) {
	accounts, err := g.accounts.ListUserAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu       sync.Mutex
		verdicts = make([]model.Verdict, 0, len(accounts))
		eg       errgroup.Group
	)
	eg.SetLimit(g.batchWorkers)
	for _, acc := range accounts {
		eg.Go(func() error {
			v := g.ValidateForAutomation(ctx, userID, acc.ID)
			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return verdicts, nil
}

// CheckRateLimit consumes one request slot. An empty exchange is resolved from the account.
func (g *Gate) CheckRateLimit(ctx context.Context, userID, accountID, exchange string) model.RateLimitStatus {
	if exchange == "" {
		if acc, err := g.accounts.GetAccount(ctx, userID, accountID); err == nil {
			exchange = acc.Exchange.Slug
		}
	}
	return g.limiter.Check(ctx, userID, accountID, exchange, nil)
}

func (g *Gate) GetSecurityReport(ctx context.Context, userID, accountID string) (*model.SecurityReport, error) {
	key := model.AccountKey{UserID: userID, AccountID: accountID}
	report, ok, err := g.reports.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return &report, nil
	}
	if g.reportRepo == nil {
		return nil, nil
	}
	stored, err := g.reportRepo.GetReport(ctx, userID, accountID)
	if errors.Is(err, repository.ErrReportNotFound) {
		return nil, nil
	}
	return stored, err
}

func (g *Gate) GetAuditLog(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error) {
	if g.audit == nil {
		return []*model.AuditRecord{}, nil
	}
	return g.audit.List(ctx, filter)
}

func (g *Gate) Interval() time.Duration {
	return time.Duration(g.interval.Load())
}

func (g *Gate) SetValidationInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	g.interval.Store(int64(d))
	if s, ok := g.validator.(interface{ SetInterval(time.Duration) }); ok {
		s.SetInterval(d)
	}
}

func (g *Gate) SetRateLimitConfig(exchange string, cfg model.RateLimitConfig) {
	g.limiter.SetExchangeConfig(exchange, cfg)
}

func (g *Gate) ResetRateLimit(ctx context.Context, userID, accountID string) error {
	return g.limiter.Reset(ctx, userID, accountID)
}

func (g *Gate) SetAutoBlock(enabled bool) {
	g.autoBlock.Store(enabled)
}

func (g *Gate) SetAuditEnabled(enabled bool) {
	g.auditEnabled.Store(enabled)
}

func (g *Gate) SetFailOpen(enabled bool) {
	g.limiter.SetFailOpen(enabled)
}

func (g *Gate) Settings() model.Settings {
	return model.Settings{
		ValidationIntervalMinutes: int(g.Interval() / time.Minute),
		AutoBlock:                 g.autoBlock.Load(),
		AuditEnabled:              g.auditEnabled.Load(),
		FailOpen:                  g.limiter.FailOpen(),
	}
}

// ApplySettings applies the non-nil fields of req.
func (g *Gate) ApplySettings(req model.SettingsRequest) model.Settings {
	if req.ValidationIntervalMinutes != nil {
		g.SetValidationInterval(time.Duration(*req.ValidationIntervalMinutes) * time.Minute)
	}
	if req.AutoBlock != nil {
		g.SetAutoBlock(*req.AutoBlock)
	}
	if req.AuditEnabled != nil {
		g.SetAuditEnabled(*req.AuditEnabled)
	}
	if req.FailOpen != nil {
		g.SetFailOpen(*req.FailOpen)
	}
	return g.Settings()
}
