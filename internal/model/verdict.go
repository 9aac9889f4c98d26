package model

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk tiers, low < medium < high < critical.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

type Checks struct {
	Credentials    bool `json:"credentials"`
	Permissions    bool `json:"permissions"`
	RateLimit      bool `json:"rateLimit"`
	AccountStatus  bool `json:"accountStatus"`
	ExchangeStatus bool `json:"exchangeStatus"`
}

func (c Checks) All() bool {
	return c.Credentials && c.Permissions && c.RateLimit && c.AccountStatus && c.ExchangeStatus
}

func (c Checks) Failed() int {
	n := 0
	for _, ok := range []bool{c.Credentials, c.Permissions, c.RateLimit, c.AccountStatus, c.ExchangeStatus} {
		if !ok {
			n++
		}
	}
	return n
}

// Verdict is the scored admission decision for one automation tick.
type Verdict struct {
	IsValid         bool      `json:"isValid"`
	AccountID       string    `json:"accountId"`
	AccountName     string    `json:"accountName"`
	ExchangeName    string    `json:"exchangeName"`
	UserID          string    `json:"userId"`
	Checks          Checks    `json:"checks"`
	Errors          []string  `json:"errors"`
	Warnings        []string  `json:"warnings"`
	Recommendations []string  `json:"recommendations"`
	SecurityScore   int       `json:"securityScore"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	LastValidated   time.Time `json:"lastValidated"`
	NextValidation  time.Time `json:"nextValidation"`
}

// SecurityReport keeps the latest verdict summary per account.
type SecurityReport struct {
	UserID        string          `json:"userId"`
	AccountID     string          `json:"accountId"`
	SecurityScore int             `json:"securityScore"`
	RiskLevel     RiskLevel       `json:"riskLevel"`
	IsValid       bool            `json:"isValid"`
	Compliance    map[string]bool `json:"compliance"`
	Errors        []string        `json:"errors"`
	GeneratedAt   time.Time       `json:"generatedAt"`
}
