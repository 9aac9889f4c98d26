package model

import "time"

type ValidationType string

const (
	ValidationPreExecution ValidationType = "pre_execution"
	ValidationPeriodic     ValidationType = "periodic"
	ValidationManual       ValidationType = "manual"
)

func (t ValidationType) Valid() bool {
	switch t {
	case ValidationPreExecution, ValidationPeriodic, ValidationManual:
		return true
	default:
		return false
	}
}

// CacheKey keys the credential validation cache.
type CacheKey struct {
	AccountKey
	Type ValidationType
}

type Permissions struct {
	CanTrade      bool     `json:"canTrade"`
	CanWithdraw   bool     `json:"canWithdraw"`
	CanRead       bool     `json:"canRead"`
	GrantedScopes []string `json:"grantedScopes"`
}

type RateLimitCeilings struct {
	PerMinute    int `json:"perMinute"`
	PerHour      int `json:"perHour"`
	PerDay       int `json:"perDay"`
	CurrentUsage int `json:"currentUsage"`
}

// ValidationResult is the outcome of one credential validation.
type ValidationResult struct {
	IsValid           bool               `json:"isValid"`
	AccountID         string             `json:"accountId"`
	AccountName       string             `json:"accountName"`
	ExchangeName      string             `json:"exchangeName"`
	UserID            string             `json:"userId"`
	ValidationType    ValidationType     `json:"validationType"`
	Errors            []string           `json:"errors"`
	Warnings          []string           `json:"warnings"`
	LastValidated     time.Time          `json:"lastValidated"`
	NextValidation    *time.Time         `json:"nextValidation,omitempty"`
	Permissions       *Permissions       `json:"permissions,omitempty"`
	RateLimitCeilings *RateLimitCeilings `json:"rateLimitCeilings,omitempty"`

	// CredentialsPresent reports whether a non-empty bundle was found, even when the
	// live probe later failed.
	CredentialsPresent bool `json:"-"`
}

func (r *ValidationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Messages shared by the validation engine and the gate so duplicates collapse.
const (
	MsgAccountNotFound    = "account not found or access denied"
	MsgAccountInactive    = "account is not active"
	MsgAccountExpired     = "account credentials have expired"
	MsgAccountBlocked     = "account is blocked"
	MsgAccountSuspended   = "account is suspended"
	MsgNoCredentials      = "no credentials configured for account"
	MsgEmptyCredentials   = "credential bundle has no usable fields"
	MsgOwnershipMismatch  = "account does not belong to user"
	MsgAutoBlocked        = "account automatically blocked: high risk detected"
	AutoBlockReason       = "high risk detected"
	ValidationErrorPrefix = "validation error: "
)
