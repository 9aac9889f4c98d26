package service

import (
	"context"

	"github.com/GoPolymarket/accountgate/internal/model"
)

// CheckInput is what the gate knows about an account when running the
// security and compliance stages.
type CheckInput struct {
	Account    *model.Account
	Validation model.ValidationResult
	RateLimit  model.RateLimitStatus
}

type CheckOutcome struct {
	Passed          bool
	Errors          []string
	Warnings        []string
	Recommendations []string
}

// Checker is one security or compliance heuristic.
type Checker interface {
	Name() string
	Check(ctx context.Context, in CheckInput) CheckOutcome
}

// NoopChecker always passes. It holds a slot for a check that has no real
// implementation yet.
type NoopChecker struct {
	CheckName string
}

func (c NoopChecker) Name() string { return c.CheckName }

func (c NoopChecker) Check(context.Context, CheckInput) CheckOutcome {
	return CheckOutcome{Passed: true}
}

func DefaultSecurityCheckers() []Checker {
	return []Checker{
		NoopChecker{CheckName: "suspicious_activity"},
		NoopChecker{CheckName: "access_pattern"},
		NoopChecker{CheckName: "configuration"},
	}
}

func DefaultComplianceCheckers() []Checker {
	return []Checker{
		NoopChecker{CheckName: "gdpr"},
		NoopChecker{CheckName: "financial_regulation"},
		NoopChecker{CheckName: "platform_policy"},
	}
}

// WithdrawalScopeChecker warns when automation runs on keys that can withdraw funds.
type WithdrawalScopeChecker struct{}

func (WithdrawalScopeChecker) Name() string { return "withdrawal_scope" }

func (WithdrawalScopeChecker) Check(_ context.Context, in CheckInput) CheckOutcome {
	p := in.Validation.Permissions
	if p == nil || !p.CanWithdraw {
		return CheckOutcome{Passed: true}
	}
	return CheckOutcome{
		Passed:          true,
		Warnings:        []string{"credentials allow withdrawals"},
		Recommendations: []string{"Use trade-only API keys for automated trading."},
	}
}
