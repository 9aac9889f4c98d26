package model

// SettingsRequest 运行时修改 gate 配置, 未设置的字段保持不变
type SettingsRequest struct {
	ValidationIntervalMinutes *int  `json:"validation_interval_minutes,omitempty" binding:"omitempty,min=1"`
	AutoBlock                 *bool `json:"auto_block,omitempty"`
	AuditEnabled              *bool `json:"audit_enabled,omitempty"`
	FailOpen                  *bool `json:"fail_open,omitempty"`
}

type Settings struct {
	ValidationIntervalMinutes int  `json:"validation_interval_minutes"`
	AutoBlock                 bool `json:"auto_block"`
	AuditEnabled              bool `json:"audit_enabled"`
	FailOpen                  bool `json:"fail_open"`
}

type RateLimitConfigRequest struct {
	PerMinute     int   `json:"per_minute" binding:"required,min=1"`
	PerHour       int   `json:"per_hour" binding:"required,min=1"`
	PerDay        int   `json:"per_day" binding:"required,min=1"`
	Burst         int   `json:"burst" binding:"min=0"`
	WindowSizeMs  int64 `json:"window_size_ms" binding:"min=0"`
	RetryAfterSec int   `json:"retry_after_sec" binding:"required,min=1"`
}

func (r RateLimitConfigRequest) ToConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinuteCeiling: r.PerMinute,
		PerHourCeiling:   r.PerHour,
		PerDayCeiling:    r.PerDay,
		BurstCeiling:     r.Burst,
		WindowSizeMs:     r.WindowSizeMs,
		RetryAfterSec:    r.RetryAfterSec,
	}
}

type CredentialsRequest struct {
	Credentials map[string]string `json:"credentials" binding:"required"`
}

type BatchVerdictResponse struct {
	UserID   string    `json:"userId"`
	Verdicts []Verdict `json:"verdicts"`
}
