package model

// RequestRate 调用方 API 请求速率 (令牌桶)
type RequestRate struct {
	QPS   float64 `json:"qps"`
	Burst int     `json:"burst"`
}

// User is a caller of the gate API, usually one automation scheduler per platform user.
type User struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	ApiKey string      `json:"api_key"`
	Rate   RequestRate `json:"rate_limit"`
}
