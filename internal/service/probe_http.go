package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
)

const (
	credAPIKey     = "api_key"
	credAPISecret  = "api_secret"
	credPassphrase = "passphrase"
)

// HTTPProber checks REST API keys by calling an authenticated read-only endpoint
// (account / identity). Requests are signed HMAC-SHA256(timestamp + method + path).
type HTTPProber struct {
	Exchange  string
	URL       string
	KeyHeader string
	Client    *http.Client
	now       func() time.Time
}

func NewHTTPProber(exchange, endpoint, keyHeader string, client *http.Client) *HTTPProber {
	if keyHeader == "" {
		keyHeader = "X-API-KEY"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{
		Exchange:  exchange,
		URL:       endpoint,
		KeyHeader: keyHeader,
		Client:    client,
		now:       time.Now,
	}
}

func (p *HTTPProber) sign(secret, timestamp, method, path string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + method + path))
	return hex.EncodeToString(h.Sum(nil))
}

func (p *HTTPProber) TestCredentials(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error) {
	apiKey, secret := creds[credAPIKey], creds[credAPISecret]
	if apiKey == "" || secret == "" {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: "api_key and api_secret are required"}
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("invalid probe url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ProbeResult{}, err
	}
	ts := strconv.FormatInt(p.now().UnixMilli(), 10)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(p.KeyHeader, apiKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", p.sign(secret, ts, http.MethodGet, u.RequestURI()))
	if pass := creds[credPassphrase]; pass != "" {
		req.Header.Set("X-Passphrase", pass)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: upstreamMessage(resp.StatusCode, body)}
	case resp.StatusCode == http.StatusForbidden:
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeAccessDenied, Message: upstreamMessage(resp.StatusCode, body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeRateLimited, Message: upstreamMessage(resp.StatusCode, body)}
	case resp.StatusCode >= 400:
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeNetworkError, Message: upstreamMessage(resp.StatusCode, body)}
	}

	return ProbeResult{Success: true, Message: "ok", Identity: flattenIdentity(body)}, nil
}

func upstreamMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return fmt.Sprintf("%d %s", status, payload.Message)
		}
		if payload.Error != "" {
			return fmt.Sprintf("%d %s", status, payload.Error)
		}
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

// flattenIdentity keeps the scalar top-level fields of the identity response.
func flattenIdentity(body []byte) map[string]string {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}
