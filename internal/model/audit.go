package model

import (
	"time"
)

const (
	AuditActionValidate       = "validate_for_automation"
	AuditActionBlock          = "auto_block"
	AuditActionSettings       = "update_settings"
	AuditActionCredentials    = "update_credentials"
	AuditActionRateLimitReset = "rate_limit_reset"
	AuditActionAdminRequest   = "admin_request"

	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
	AuditResultError   = "error"
)

// AuditRecord 一次不可变的审计记录
type AuditRecord struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"userId"`
	AccountID string                 `json:"accountId"`
	Action    string                 `json:"action"`
	Result    string                 `json:"result"`
	Details   map[string]interface{} `json:"details"`
}

// AuditFilter 查询条件，空字段表示不过滤
type AuditFilter struct {
	UserID    string
	AccountID string
	Limit     int
	From      *time.Time
	To        *time.Time
}

func (f AuditFilter) Match(r *AuditRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.AccountID != "" && r.AccountID != f.AccountID {
		return false
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Timestamp.After(*f.To) {
		return false
	}
	return true
}
