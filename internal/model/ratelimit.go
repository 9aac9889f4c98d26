package model

import "time"

// RateLimitConfig 单个账户的限流配置
type RateLimitConfig struct {
	PerMinuteCeiling int   `json:"perMinuteCeiling" mapstructure:"per_minute"`
	PerHourCeiling   int   `json:"perHourCeiling" mapstructure:"per_hour"`
	PerDayCeiling    int   `json:"perDayCeiling" mapstructure:"per_day"`
	BurstCeiling     int   `json:"burstCeiling" mapstructure:"burst"`
	WindowSizeMs     int64 `json:"windowSizeMs" mapstructure:"window_size_ms"`
	RetryAfterSec    int   `json:"retryAfterSec" mapstructure:"retry_after_sec"`
}

func (c RateLimitConfig) MinuteWindow() time.Duration {
	if c.WindowSizeMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSizeMs) * time.Millisecond
}

func (c RateLimitConfig) RetryAfter() time.Duration {
	return time.Duration(c.RetryAfterSec) * time.Second
}

type RateLimitUsage struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// RateLimitState is the mutable per-account limiter state.
type RateLimitState struct {
	Config         RateLimitConfig `json:"config"`
	Usage          RateLimitUsage  `json:"usage"`
	LastRequestAt  time.Time       `json:"lastRequestAt"`
	Throttled      bool            `json:"throttled"`
	ThrottledUntil *time.Time      `json:"throttledUntil,omitempty"`
}

const (
	WindowMinute     = "minute"
	WindowHour       = "hour"
	WindowDay        = "day"
	WindowBurst      = "burst"
	WindowThrottle   = "throttle"
	WindowFailOpen   = "fail_open"
	WindowFailClosed = "fail_closed"
)

type RateLimitStatus struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	ResetAt       time.Time `json:"resetAt"`
	RetryAfterSec int       `json:"retryAfterSec,omitempty"`
	CurrentUsage  int       `json:"currentUsage"`
	Ceiling       int       `json:"ceiling"`
	Window        string    `json:"window"`
}
