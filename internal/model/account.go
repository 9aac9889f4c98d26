package model

import (
	"fmt"
	"strings"
	"time"
)

// AccountKey identifies one linked exchange account of one user.
type AccountKey struct {
	UserID    string
	AccountID string
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.AccountID)
}

// ExchangeInfo 交易所元数据
type ExchangeInfo struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// Account 用户绑定的交易所账户
type Account struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	OwnerID     string       `json:"ownerId"`
	IsActive    bool         `json:"isActive"`
	IsBlocked   bool         `json:"isBlocked"`
	IsSuspended bool         `json:"isSuspended"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	Exchange    ExchangeInfo `json:"exchange"`
}

func (a *Account) Key() AccountKey {
	return AccountKey{UserID: a.OwnerID, AccountID: a.ID}
}

func (a *Account) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// CredentialBundle is the decrypted set of named secrets for one account.
// It only lives for the duration of one validation call.
type CredentialBundle map[string]string

func (b CredentialBundle) HasValue() bool {
	for _, v := range b {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Masked returns a copy safe to log or return over the API.
func (b CredentialBundle) Masked() map[string]string {
	out := make(map[string]string, len(b))
	for k, v := range b {
		out[k] = MaskSecret(v)
	}
	return out
}

func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "****" + value[len(value)-4:]
}
